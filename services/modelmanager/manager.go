// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package modelmanager contains manager.go, the facade that ties catalog,
acquisition, engine lifecycle and history together for the Svalbard stack.

# Problem Statement

Callers (the model gateway, the CLI) need one surface for the whole model
lifecycle. Without it every handler would have to know the ordering rules
itself: preflight before pull, catalog bookkeeping after pull, engine
teardown before deleting the active model, history records for everything.

# Solution

DefaultManager coordinates the package's components:

	┌─────────────────────────────────────────────────────────────────┐
	│                        DefaultManager                           │
	├─────────────────────────────────────────────────────────────────┤
	│                                                                 │
	│  Pull()                                                         │
	│      ├── PreflightChecker.Run()       (provider, version, disk) │
	│      ├── Acquirer.Acquire()           (retry, cleanup, cancel)  │
	│      ├── ModelRegistry.MarkInstalled()                          │
	│      └── Journal.Append()             (pull record)             │
	│                                                                 │
	│  Delete()                                                       │
	│      ├── EngineManager.Teardown()     (when model is active)    │
	│      ├── ModelProvider.Delete()                                 │
	│      ├── ModelRegistry.MarkUninstalled()                        │
	│      └── Journal.Append()             (delete record)           │
	│                                                                 │
	│  Activate()                                                     │
	│      ├── ModelRegistry.FindModel()    (installed gate)          │
	│      ├── EngineManager.Activate()     (reload or recreate)      │
	│      └── Journal.Append()             (activate record)         │
	│                                                                 │
	└─────────────────────────────────────────────────────────────────┘

List, Transfers, CancelPull, Active, History and Status delegate to the
owning component and exist so callers never hold more than one handle.

# Usage

	mgr, err := NewDefaultManager(ManagerDeps{
	    Registry:  registry,
	    Acquirer:  acquirer,
	    Engines:   engines,
	    Preflight: preflight,
	    Journal:   jnl,
	    Providers: []ModelProvider{ollamaProvider},
	})
	if err != nil {
	    log.Fatal(err)
	}
	defer mgr.Close(ctx)

	err = mgr.Pull(ctx, "llama3:8b", func(u ProgressUpdate) {
	    fmt.Printf("\r%3d%% %s", u.Percent, u.Status)
	})

# Related Files

  - acquirer.go: retrying download loop
  - lifecycle.go: engine activation state machine
  - registry.go: merged provider catalog
  - preflight.go: pre-acquisition checks
  - journal/: durable acquisition history
*/
package modelmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/journal"
)

// -----------------------------------------------------------------------------
// Manager Interface
// -----------------------------------------------------------------------------

// ProviderStatus reports one provider's reachability for status displays.
type ProviderStatus struct {
	// Name is the provider name (e.g. "ollama").
	Name string `json:"name"`

	// Healthy is true when the provider answered its health probe.
	Healthy bool `json:"healthy"`

	// Error is the probe failure message when Healthy is false.
	Error string `json:"error,omitempty"`
}

// ManagerStatus is a point-in-time view of the whole subsystem.
type ManagerStatus struct {
	// Providers lists each configured provider's health.
	Providers []ProviderStatus `json:"providers"`

	// ActiveModel is the model bound to the engine, empty when unloaded.
	ActiveModel string `json:"active_model,omitempty"`

	// EngineLoaded is true when an engine is bound to a model.
	EngineLoaded bool `json:"engine_loaded"`

	// Transfers lists in-flight acquisitions, oldest first.
	Transfers []TransferSnapshot `json:"transfers"`

	// Journal carries acquisition-history statistics.
	Journal journal.Stats `json:"journal"`
}

// Manager is the single entry point for model lifecycle operations.
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// List returns the merged model catalog, installed models first.
	List(ctx context.Context) ([]ModelDescriptor, error)

	// InvalidateCatalog drops the cached catalog so the next List
	// rebuilds it from the providers.
	InvalidateCatalog()

	// Pull acquires a model: preflight, download with retry, catalog and
	// history bookkeeping. Blocks until the acquisition resolves.
	Pull(ctx context.Context, modelRef string, onProgress ProgressFunc) error

	// CancelPull aborts the in-flight acquisition for modelRef. Returns
	// false when nothing is transferring for that model.
	CancelPull(modelRef string) bool

	// Transfers snapshots all in-flight acquisitions.
	Transfers() []TransferSnapshot

	// Delete removes a model's data from its provider. Deleting the
	// active model tears the engine down first.
	Delete(ctx context.Context, modelRef string) error

	// Activate binds the inference engine to an installed model.
	Activate(ctx context.Context, modelRef string, onProgress EngineProgressFunc) error

	// Active reports the currently bound model, or false when unloaded.
	Active() (string, bool)

	// History returns recent lifecycle records, newest first.
	History(ctx context.Context, limit int) ([]journal.Record, error)

	// Status probes providers and summarizes subsystem state.
	Status(ctx context.Context) ManagerStatus

	// Close tears down the engine and closes the journal.
	Close(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// DefaultManager
// -----------------------------------------------------------------------------

// healthProbeTimeout bounds each provider health probe in Status.
const healthProbeTimeout = 3 * time.Second

// ManagerDeps carries the components a manager coordinates.
type ManagerDeps struct {
	// Registry is the merged model catalog. Required.
	Registry ModelRegistry

	// Acquirer runs downloads. Required.
	Acquirer Acquirer

	// Engines binds models to the inference engine. Required.
	Engines EngineManager

	// Preflight runs pre-acquisition checks. Optional; nil skips them.
	Preflight *PreflightChecker

	// Journal records lifecycle history. Required.
	Journal journal.Journal

	// Providers are the model backends, in preference order. The first
	// provider serves pulls; deletes go to the provider that reported
	// the model. Required, at least one.
	Providers []ModelProvider

	// Logger for manager operations. Optional; defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultManager implements Manager.
//
// # Thread Safety
//
// Safe for concurrent use. The manager itself holds no mutable state
// beyond its components, which carry their own synchronization.
type DefaultManager struct {
	registry  ModelRegistry
	acquirer  Acquirer
	engines   EngineManager
	preflight *PreflightChecker
	journal   journal.Journal
	providers []ModelProvider
	logger    *slog.Logger
}

// NewDefaultManager creates a manager from its components.
//
// # Inputs
//
//   - deps: Component handles. Registry, Acquirer, Engines, Journal and at
//     least one provider are required.
//
// # Outputs
//
//   - *DefaultManager: Ready-to-use manager.
//   - error: Non-nil when a required dependency is missing.
func NewDefaultManager(deps ManagerDeps) (*DefaultManager, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Acquirer == nil {
		return nil, errors.New("acquirer is required")
	}
	if deps.Engines == nil {
		return nil, errors.New("engine manager is required")
	}
	if deps.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if len(deps.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &DefaultManager{
		registry:  deps.Registry,
		acquirer:  deps.Acquirer,
		engines:   deps.Engines,
		preflight: deps.Preflight,
		journal:   deps.Journal,
		providers: deps.Providers,
		logger:    deps.Logger,
	}, nil
}

// pullProvider returns the provider that serves pulls.
func (m *DefaultManager) pullProvider() ModelProvider {
	return m.providers[0]
}

// providerByName returns the named provider, falling back to the pull
// provider when the name is unknown or empty.
func (m *DefaultManager) providerByName(name string) ModelProvider {
	for _, p := range m.providers {
		if p.Name() == name {
			return p
		}
	}
	return m.pullProvider()
}

// record appends a history record, logging instead of failing: history is
// advisory and must never change an operation's outcome.
func (m *DefaultManager) record(ctx context.Context, rec journal.Record) {
	if err := m.journal.Append(ctx, rec); err != nil {
		m.logger.Warn("could not record history entry",
			slog.String("model", rec.ModelID),
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}
}

// outcomeFor classifies an operation error for the history record.
func outcomeFor(err error) journal.Outcome {
	switch {
	case err == nil:
		return journal.OutcomeSucceeded
	case IsCancelled(err):
		return journal.OutcomeCancelled
	default:
		return journal.OutcomeFailed
	}
}

// -----------------------------------------------------------------------------
// Catalog Operations
// -----------------------------------------------------------------------------

// List returns the merged model catalog, installed models first.
func (m *DefaultManager) List(ctx context.Context) ([]ModelDescriptor, error) {
	return m.registry.ListModels(ctx)
}

// InvalidateCatalog drops the cached catalog.
func (m *DefaultManager) InvalidateCatalog() {
	m.registry.Invalidate()
}

// -----------------------------------------------------------------------------
// Pull
// -----------------------------------------------------------------------------

// Pull acquires a model.
//
// # Description
//
// Runs the full acquisition flow: resolve the model against the catalog
// for a size estimate, refuse re-pulls of locally built models, run
// preflight checks, download through the acquirer, then update the
// catalog and append a history record. Every resolved acquisition lands
// in the journal whatever its outcome; only the in-flight rejection of a
// duplicate pull does not, because no acquisition ran.
//
// # Inputs
//
//   - ctx: Context for cancellation. Cancelling it cancels the download.
//   - modelRef: Model reference; normalized before use.
//   - onProgress: Per-record progress callback. May be nil.
//
// # Outputs
//
//   - error: nil on success, otherwise a *ModelError (preflight, in-flight,
//     cancelled or exhausted).
func (m *DefaultManager) Pull(ctx context.Context, modelRef string, onProgress ProgressFunc) error {
	key := NormalizeModelRef(modelRef)
	if key == "" {
		return &ModelError{
			Type:    ModelErrorNotFound,
			Message: "model reference is empty",
		}
	}

	provider := m.pullProvider()
	started := time.Now()

	if err := m.runPullPreflight(ctx, provider, key); err != nil {
		m.record(ctx, journal.Record{
			ModelID:    key,
			Provider:   provider.Name(),
			Action:     journal.ActionPull,
			Outcome:    journal.OutcomeFailed,
			Detail:     err.Error(),
			StartedAt:  started,
			FinishedAt: time.Now(),
		})
		return err
	}

	// Wrap the caller's callback to observe how many attempts ran; the
	// acquirer itself only reports the final outcome.
	attempts := &attemptCounter{}
	err := m.acquirer.Acquire(ctx, provider, key, attempts.wrap(onProgress))

	if IsInFlight(err) {
		// No acquisition ran, so no history record.
		return err
	}

	rec := journal.Record{
		ModelID:    key,
		Provider:   provider.Name(),
		Action:     journal.ActionPull,
		Outcome:    outcomeFor(err),
		Attempts:   attempts.max(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err != nil {
		rec.Detail = err.Error()
	}
	m.record(ctx, rec)

	if err != nil {
		return err
	}

	m.registry.MarkInstalled(key)
	return nil
}

// runPullPreflight checks the model and environment before downloading:
// re-pulls of locally built models are refused, then the preflight
// checker validates the provider and disk.
func (m *DefaultManager) runPullPreflight(ctx context.Context, provider ModelProvider, key string) error {
	// The catalog's size estimate makes the disk check meaningful; a
	// missing estimate degrades to a headroom-only check.
	var requiredBytes int64
	desc, found, err := m.registry.FindModel(ctx, key)
	switch {
	case err != nil:
		m.logger.Warn("catalog unavailable for preflight size estimate",
			slog.String("model", key),
			slog.String("error", err.Error()),
		)
	case found && desc.Installed:
		if err := m.refuseCustomModel(ctx, provider, key, desc); err != nil {
			return err
		}
	case found:
		requiredBytes = desc.SizeBytes
	}

	if m.preflight == nil {
		return nil
	}
	return m.preflight.Run(ctx, provider, requiredBytes)
}

// refuseCustomModel rejects re-pulling a model that was built locally
// from a Modelfile: no registry holds its layers, so the pull would fail
// only after exhausting every retry.
func (m *DefaultManager) refuseCustomModel(ctx context.Context, provider ModelProvider, key string, desc ModelDescriptor) error {
	if desc.Provider != provider.Name() {
		return nil
	}
	detector, ok := provider.(CustomModelDetector)
	if !ok {
		return nil
	}

	isCustom, err := detector.IsCustomModel(ctx, key)
	if err != nil {
		// Detection is advisory; a probe failure must not block a
		// legitimate re-pull.
		m.logger.Warn("could not check whether model is locally built",
			slog.String("model", key),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !isCustom {
		return nil
	}

	return &ModelError{
		Type:        ModelErrorNotSupported,
		Model:       key,
		Message:     fmt.Sprintf("model %s was built locally from a Modelfile", key),
		Remediation: "Registry pulls cannot update a locally built model. Rebuild it with `ollama create`, or delete it and pull a registry model.",
	}
}

// attemptCounter tracks the highest attempt number seen in progress
// updates so history records can report how many attempts a pull took.
type attemptCounter struct {
	mu sync.Mutex
	n  int
}

func (c *attemptCounter) wrap(next ProgressFunc) ProgressFunc {
	return func(u ProgressUpdate) {
		c.mu.Lock()
		if u.Attempt > c.n {
			c.n = u.Attempt
		}
		c.mu.Unlock()
		if next != nil {
			next(u)
		}
	}
}

// max returns the highest attempt observed, at least 1.
func (c *attemptCounter) max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n < 1 {
		return 1
	}
	return c.n
}

// CancelPull aborts the in-flight acquisition for modelRef.
func (m *DefaultManager) CancelPull(modelRef string) bool {
	return m.acquirer.Cancel(modelRef)
}

// Transfers snapshots all in-flight acquisitions.
func (m *DefaultManager) Transfers() []TransferSnapshot {
	return m.acquirer.Transfers()
}

// -----------------------------------------------------------------------------
// Delete
// -----------------------------------------------------------------------------

// Delete removes a model's data from its provider.
//
// # Description
//
// When the model is bound to the inference engine, the engine is torn
// down first so the provider does not delete weights out from under a
// loaded engine. The provider reports whether the model was present;
// deleting an absent model returns ModelErrorNotFound.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - modelRef: Model reference; normalized before use.
//
// # Outputs
//
//   - error: nil when the model was present and removed.
func (m *DefaultManager) Delete(ctx context.Context, modelRef string) error {
	key := NormalizeModelRef(modelRef)
	if key == "" {
		return &ModelError{
			Type:    ModelErrorNotFound,
			Message: "model reference is empty",
		}
	}

	if active, ok := m.engines.Active(); ok && active == key {
		m.logger.Info("Unbinding engine before delete", slog.String("model", key))
		m.engines.Teardown(ctx)
	}

	provider := m.deleteProvider(ctx, key)
	started := time.Now()

	found, err := provider.Delete(ctx, key)
	if err != nil {
		m.record(ctx, journal.Record{
			ModelID:    key,
			Provider:   provider.Name(),
			Action:     journal.ActionDelete,
			Outcome:    journal.OutcomeFailed,
			Detail:     err.Error(),
			StartedAt:  started,
			FinishedAt: time.Now(),
		})
		return err
	}

	if !found {
		return &ModelError{
			Type:        ModelErrorNotFound,
			Model:       key,
			Message:     fmt.Sprintf("model %s is not installed", key),
			Remediation: "Run `svalbard models list` to see installed models.",
		}
	}

	m.registry.MarkUninstalled(key)
	m.record(ctx, journal.Record{
		ModelID:    key,
		Provider:   provider.Name(),
		Action:     journal.ActionDelete,
		Outcome:    journal.OutcomeSucceeded,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})

	m.logger.Info("model deleted", slog.String("model", key), slog.String("provider", provider.Name()))
	return nil
}

// deleteProvider resolves which provider hosts the model, preferring the
// catalog's answer over the default pull provider.
func (m *DefaultManager) deleteProvider(ctx context.Context, key string) ModelProvider {
	desc, found, err := m.registry.FindModel(ctx, key)
	if err != nil || !found {
		return m.pullProvider()
	}
	return m.providerByName(desc.Provider)
}

// -----------------------------------------------------------------------------
// Activation
// -----------------------------------------------------------------------------

// Activate binds the inference engine to an installed model.
//
// # Description
//
// Gates activation on the catalog: a model that is not installed fails
// fast with a remediation hint instead of surfacing an engine error
// minutes into weight loading. When the catalog itself is unreachable the
// gate is skipped: a dead provider must not block activating weights
// that are already on disk.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - modelRef: Model reference; normalized before use.
//   - onProgress: Engine initialization progress callback. May be nil.
//
// # Outputs
//
//   - error: nil once the engine serves the model.
func (m *DefaultManager) Activate(ctx context.Context, modelRef string, onProgress EngineProgressFunc) error {
	key := NormalizeModelRef(modelRef)
	if key == "" {
		return &ModelError{
			Type:    ModelErrorNotFound,
			Message: "model reference is empty",
		}
	}

	desc, found, err := m.registry.FindModel(ctx, key)
	if err != nil {
		m.logger.Warn("catalog unavailable, attempting activation anyway",
			slog.String("model", key),
			slog.String("error", err.Error()),
		)
	} else if !found || !desc.Installed {
		return &ModelError{
			Type:        ModelErrorNotFound,
			Model:       key,
			Message:     fmt.Sprintf("model %s is not installed", key),
			Remediation: fmt.Sprintf("Pull it first: `svalbard models pull %s`.", key),
		}
	}

	started := time.Now()
	actErr := m.engines.Activate(ctx, key, onProgress)

	rec := journal.Record{
		ModelID:    key,
		Action:     journal.ActionActivate,
		Outcome:    outcomeFor(actErr),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if actErr != nil {
		rec.Detail = actErr.Error()
	}
	m.record(ctx, rec)

	return actErr
}

// Active reports the currently bound model, or false when unloaded.
func (m *DefaultManager) Active() (string, bool) {
	return m.engines.Active()
}

// -----------------------------------------------------------------------------
// History and Status
// -----------------------------------------------------------------------------

// History returns recent lifecycle records, newest first.
func (m *DefaultManager) History(ctx context.Context, limit int) ([]journal.Record, error) {
	return m.journal.Recent(ctx, limit)
}

// Status probes providers and summarizes subsystem state.
//
// # Description
//
// Health probes run in parallel, each bounded by healthProbeTimeout, so a
// dead provider delays the answer by at most one timeout. Status never
// fails: unreachable providers are reported, not propagated.
func (m *DefaultManager) Status(ctx context.Context) ManagerStatus {
	statuses := make([]ProviderStatus, len(m.providers))

	g, gCtx := errgroup.WithContext(ctx)
	for i, p := range m.providers {
		i, p := i, p // Capture loop variables
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gCtx, healthProbeTimeout)
			defer cancel()

			st := ProviderStatus{Name: p.Name()}
			if err := p.Health(probeCtx); err != nil {
				st.Error = err.Error()
			} else {
				st.Healthy = true
			}
			statuses[i] = st
			return nil
		})
	}
	// Probes record failures in their slot and never return an error.
	_ = g.Wait()

	status := ManagerStatus{
		Providers: statuses,
		Transfers: m.acquirer.Transfers(),
		Journal:   m.journal.Stats(),
	}
	if model, ok := m.engines.Active(); ok {
		status.ActiveModel = model
		status.EngineLoaded = true
	}
	return status
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

// Close tears down the engine and closes the journal.
func (m *DefaultManager) Close(ctx context.Context) error {
	m.engines.Teardown(ctx)

	if err := m.journal.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	m.logger.Info("model manager closed")
	return nil
}
