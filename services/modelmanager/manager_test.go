// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelmanager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/journal"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/pullstream"
)

// managerHarness wires a DefaultManager over real components and
// in-package mocks at the edges (provider, engine factory).
type managerHarness struct {
	provider ModelProvider
	factory  *mockEngineFactory
	jnl      *journal.BadgerJournal
	mgr      *DefaultManager
}

// testCatalog is the provider listing used by most manager tests:
// one installed chat model, one installable one.
func testCatalog() []ModelDescriptor {
	return []ModelDescriptor{
		{ID: "llama3:8b", Kind: KindChat, Provider: "ollama", Installed: true, SizeBytes: 4 << 30},
		{ID: "mistral:7b", Kind: KindChat, Provider: "ollama", Installed: false, SizeBytes: 5 << 30},
	}
}

// successLines scripts a complete single-layer pull.
func successLines() []string {
	return []string{
		`{"status":"pulling manifest"}`,
		`{"status":"pulling sha256:aaa","digest":"sha256:aaa","total":100,"completed":50}`,
		`{"status":"pulling sha256:aaa","digest":"sha256:aaa","total":100,"completed":100}`,
		`{"status":"verifying sha256 digest"}`,
		`{"status":"success"}`,
	}
}

// newTestManager builds a manager over the given provider. Acquisition
// retries run without real backoff; preflight may be nil.
func newTestManager(t *testing.T, provider ModelProvider, preflight *PreflightChecker) *managerHarness {
	t.Helper()

	registry := NewDefaultModelRegistry(DefaultRegistryConfig(), []ModelProvider{provider}, []ModelDescriptor{}, nil)

	// The stall timeout is generous: cancellation tests must observe the
	// cancel, never a stall racing it.
	acq := NewDefaultAcquirer(AcquirerConfig{MaxAttempts: 2, StallTimeout: 2 * time.Second}, nil)
	acq.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	factory := &mockEngineFactory{}
	engines := NewDefaultEngineManager(EngineManagerConfig{SettleDelay: time.Millisecond}, factory, nil)

	jnlCfg := journal.DefaultConfig()
	jnlCfg.InMemory = true
	jnlCfg.SyncWrites = false
	jnl, err := journal.NewBadgerJournal(jnlCfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })

	mgr, err := NewDefaultManager(ManagerDeps{
		Registry:  registry,
		Acquirer:  acq,
		Engines:   engines,
		Preflight: preflight,
		Journal:   jnl,
		Providers: []ModelProvider{provider},
	})
	if err != nil {
		t.Fatalf("NewDefaultManager: %v", err)
	}

	return &managerHarness{provider: provider, factory: factory, jnl: jnl, mgr: mgr}
}

// defaultProvider returns a healthy provider serving testCatalog whose
// pulls succeed on the first attempt.
func defaultProvider() *mockProvider {
	return &mockProvider{
		mockPullSource: mockPullSource{
			name: "ollama",
			PullStreamFunc: func(ctx context.Context, modelID string, opts ...pullstream.Option) (*pullstream.Stream, error) {
				return streamOf(ctx, opts, successLines()...), nil
			},
		},
		ListModelsFunc: func(ctx context.Context) ([]ModelDescriptor, error) {
			return testCatalog(), nil
		},
	}
}

// customAwareProvider adds the CustomModelDetector capability to a
// mockProvider. The base mock stays without it so tests of
// capability-free providers keep exercising the skipped gate.
type customAwareProvider struct {
	*mockProvider
	IsCustomModelFunc func(ctx context.Context, modelID string) (bool, error)
}

func (p *customAwareProvider) IsCustomModel(ctx context.Context, modelID string) (bool, error) {
	return p.IsCustomModelFunc(ctx, modelID)
}

// =============================================================================
// Constructor Tests
// =============================================================================

// TestNewDefaultManager_Validation tests required-dependency checks.
func TestNewDefaultManager_Validation(t *testing.T) {
	t.Parallel()

	h := newTestManager(t, defaultProvider(), nil)

	complete := ManagerDeps{
		Registry:  h.mgr.registry,
		Acquirer:  h.mgr.acquirer,
		Engines:   h.mgr.engines,
		Journal:   h.mgr.journal,
		Providers: h.mgr.providers,
	}

	cases := []struct {
		name  string
		strip func(d *ManagerDeps)
		want  string
	}{
		{"missing registry", func(d *ManagerDeps) { d.Registry = nil }, "registry"},
		{"missing acquirer", func(d *ManagerDeps) { d.Acquirer = nil }, "acquirer"},
		{"missing engines", func(d *ManagerDeps) { d.Engines = nil }, "engine manager"},
		{"missing journal", func(d *ManagerDeps) { d.Journal = nil }, "journal"},
		{"missing providers", func(d *ManagerDeps) { d.Providers = nil }, "provider"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			deps := complete
			tc.strip(&deps)
			_, err := NewDefaultManager(deps)
			if err == nil {
				t.Fatal("expected constructor error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should mention %q", err, tc.want)
			}
		})
	}

	if _, err := NewDefaultManager(complete); err != nil {
		t.Fatalf("complete deps should construct: %v", err)
	}
}

// =============================================================================
// Pull Tests
// =============================================================================

// TestDefaultManager_PullSuccess tests the happy acquisition path.
//
// # Description
//
// A successful pull marks the model installed in the catalog, records a
// succeeded pull in the history, and reports progress to the caller.
func TestDefaultManager_PullSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestManager(t, defaultProvider(), nil)

	catalog, err := h.mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if desc, ok := findByID(catalog, "mistral:7b"); !ok || desc.Installed {
		t.Fatalf("mistral:7b should start installable, got %+v (found=%v)", desc, ok)
	}

	rec := newProgressRecorder()
	if err := h.mgr.Pull(ctx, "MISTRAL:7b", rec.record); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	catalog, err = h.mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	desc, ok := findByID(catalog, "mistral:7b")
	if !ok || !desc.Installed {
		t.Fatalf("mistral:7b should be installed after pull, got %+v (found=%v)", desc, ok)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	got := history[0]
	if got.Action != journal.ActionPull || got.Outcome != journal.OutcomeSucceeded {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.ModelID != "mistral:7b" || got.Provider != "ollama" || got.Attempts != 1 {
		t.Fatalf("unexpected record fields %+v", got)
	}

	updates := rec.all()
	if len(updates) == 0 {
		t.Fatal("expected progress updates")
	}
	if last := updates[len(updates)-1]; last.Percent != 100 {
		t.Fatalf("final progress should be 100, got %d", last.Percent)
	}
}

// TestDefaultManager_PullFailureRecorded tests exhausted retries.
//
// # Description
//
// When every attempt fails, the pull error is exhausted, the history
// records a failed pull with the attempt count, and the catalog is not
// marked installed.
func TestDefaultManager_PullFailureRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider := defaultProvider()
	provider.PullStreamFunc = func(ctx context.Context, modelID string, opts ...pullstream.Option) (*pullstream.Stream, error) {
		return streamOf(ctx, opts,
			`{"status":"pulling manifest"}`,
			`{"error":"unexpected EOF while reading layer"}`,
		), nil
	}
	h := newTestManager(t, provider, nil)

	err := h.mgr.Pull(ctx, "mistral:7b", nil)
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted error, got %v", err)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	got := history[0]
	if got.Outcome != journal.OutcomeFailed || got.Attempts != 2 {
		t.Fatalf("unexpected record %+v", got)
	}
	if !strings.Contains(got.Detail, "giving up") {
		t.Fatalf("detail should carry the failure, got %q", got.Detail)
	}

	catalog, err := h.mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if desc, _ := findByID(catalog, "mistral:7b"); desc.Installed {
		t.Fatal("failed pull must not mark the model installed")
	}
}

// TestDefaultManager_PullPreflightFailure tests the disk gate.
//
// # Description
//
// A preflight failure aborts the pull before any transfer starts and
// still lands in the history so `models history` explains what happened.
func TestDefaultManager_PullPreflightFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider := defaultProvider()
	// 2 GiB free vs a 5 GiB model plus headroom
	checker := newTestChecker(t, 2<<30)
	h := newTestManager(t, provider, checker)

	err := h.mgr.Pull(ctx, "mistral:7b", nil)
	var me *ModelError
	if !errors.As(err, &me) || me.Type != ModelErrorPreflight {
		t.Fatalf("expected preflight error, got %v", err)
	}

	if got := provider.pullCount(); got != 0 {
		t.Fatalf("no transfer should start after preflight failure, got %d pulls", got)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	got := history[0]
	if got.Outcome != journal.OutcomeFailed || got.Attempts != 0 {
		t.Fatalf("unexpected record %+v", got)
	}
	if !strings.Contains(got.Detail, "disk space") {
		t.Fatalf("detail should name the disk check, got %q", got.Detail)
	}
}

// TestDefaultManager_PullRefusesCustomModel verifies that re-pulling a
// model built from a local Modelfile is refused before any download
// starts, and that the refusal lands in the history.
func TestDefaultManager_PullRefusesCustomModel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := defaultProvider()
	base.ListModelsFunc = func(ctx context.Context) ([]ModelDescriptor, error) {
		return []ModelDescriptor{
			{ID: "my-notes:latest", Kind: KindChat, Provider: "ollama", Installed: true},
		}, nil
	}
	provider := &customAwareProvider{
		mockProvider: base,
		IsCustomModelFunc: func(ctx context.Context, modelID string) (bool, error) {
			return true, nil
		},
	}
	h := newTestManager(t, provider, nil)

	err := h.mgr.Pull(ctx, "my-notes:latest", nil)
	if !IsNotSupported(err) {
		t.Fatalf("expected not-supported refusal, got %v", err)
	}
	if got := base.pullCount(); got != 0 {
		t.Fatalf("no transfer should start for a locally built model, got %d pulls", got)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != journal.OutcomeFailed {
		t.Fatalf("refusal should be recorded as a failed pull, got %+v", history)
	}
	if !strings.Contains(history[0].Detail, "Modelfile") {
		t.Fatalf("detail should name the local Modelfile, got %q", history[0].Detail)
	}
}

// TestDefaultManager_PullCustomProbeFailureProceeds verifies that a
// failing origin probe degrades to a normal pull instead of blocking it.
func TestDefaultManager_PullCustomProbeFailureProceeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := defaultProvider()
	provider := &customAwareProvider{
		mockProvider: base,
		IsCustomModelFunc: func(ctx context.Context, modelID string) (bool, error) {
			return false, errors.New("show endpoint is down")
		},
	}
	h := newTestManager(t, provider, nil)

	// llama3:8b is installed, so the pull takes the re-pull path where
	// the probe runs.
	if err := h.mgr.Pull(ctx, "llama3:8b", nil); err != nil {
		t.Fatalf("probe failure must not block the pull: %v", err)
	}
	if got := base.pullCount(); got != 1 {
		t.Fatalf("expected the download to run once, got %d pulls", got)
	}
}

// TestDefaultManager_PullCancelRecorded tests mid-transfer cancellation.
func TestDefaultManager_PullCancelRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider := defaultProvider()
	provider.PullStreamFunc = func(ctx context.Context, modelID string, opts ...pullstream.Option) (*pullstream.Stream, error) {
		return hangingStream(ctx, opts,
			`{"status":"pulling sha256:aaa","digest":"sha256:aaa","total":100,"completed":25}`,
		), nil
	}
	h := newTestManager(t, provider, nil)

	rec := newProgressRecorder()
	done := make(chan error, 1)
	go func() {
		done <- h.mgr.Pull(ctx, "mistral:7b", rec.record)
	}()

	<-rec.first
	if !h.mgr.CancelPull("MISTRAL:7B") {
		t.Fatal("cancel of a running pull should report true")
	}

	err := <-done
	if !IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != journal.OutcomeCancelled {
		t.Fatalf("expected one cancelled record, got %+v", history)
	}

	if h.mgr.CancelPull("mistral:7b") {
		t.Fatal("cancel after completion should report false")
	}
}

// TestDefaultManager_PullEmptyRef tests input validation.
func TestDefaultManager_PullEmptyRef(t *testing.T) {
	t.Parallel()

	h := newTestManager(t, defaultProvider(), nil)

	err := h.mgr.Pull(context.Background(), "  ", nil)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

// =============================================================================
// Delete Tests
// =============================================================================

// TestDefaultManager_DeleteFlow tests delete bookkeeping.
//
// # Description
//
// Deleting an installed model flips the catalog entry, records the
// delete, and reports not-found for models the provider does not hold.
func TestDefaultManager_DeleteFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider := defaultProvider()
	provider.DeleteFunc = func(ctx context.Context, modelID string) (bool, error) {
		return modelID == "llama3:8b", nil
	}
	h := newTestManager(t, provider, nil)

	// Warm the catalog so the delete has cached state to reflect into.
	if _, err := h.mgr.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}

	if err := h.mgr.Delete(ctx, "llama3:8b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	catalog, err := h.mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if desc, ok := findByID(catalog, "llama3:8b"); !ok || desc.Installed {
		t.Fatalf("llama3:8b should be uninstalled after delete, got %+v", desc)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	if got := history[0]; got.Action != journal.ActionDelete || got.Outcome != journal.OutcomeSucceeded {
		t.Fatalf("unexpected record %+v", got)
	}

	// Absent model: provider reports not present
	err = h.mgr.Delete(ctx, "no-such:1b")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	history, _ = h.mgr.History(ctx, 10)
	if len(history) != 1 {
		t.Fatalf("not-found delete must not add history records, got %d", len(history))
	}
}

// TestDefaultManager_DeleteActiveModelTearsDownEngine tests the unbind rule.
func TestDefaultManager_DeleteActiveModelTearsDownEngine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestManager(t, defaultProvider(), nil)

	if err := h.mgr.Activate(ctx, "llama3:8b", nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if model, ok := h.mgr.Active(); !ok || model != "llama3:8b" {
		t.Fatalf("expected llama3:8b active, got %q (%v)", model, ok)
	}

	if err := h.mgr.Delete(ctx, "LLAMA3:8B"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := h.mgr.Active(); ok {
		t.Fatal("engine should be unloaded after deleting the active model")
	}
	engine := h.factory.lastEngine()
	if engine == nil || engine.unloadCount() != 1 {
		t.Fatalf("expected exactly one engine unload, got %+v", engine)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected activate+delete records, got %d", len(history))
	}
	if history[0].Action != journal.ActionDelete || history[1].Action != journal.ActionActivate {
		t.Fatalf("unexpected history order %+v", history)
	}
}

// =============================================================================
// Activation Tests
// =============================================================================

// TestDefaultManager_ActivateGate tests the installed-model gate.
//
// # Description
//
// Activation of a model the catalog lists as not installed fails fast
// with a pull hint; after a successful pull the same activation works.
func TestDefaultManager_ActivateGate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestManager(t, defaultProvider(), nil)

	err := h.mgr.Activate(ctx, "mistral:7b", nil)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	var me *ModelError
	if !errors.As(err, &me) || !strings.Contains(me.Remediation, "pull") {
		t.Fatalf("remediation should point at pulling, got %+v", me)
	}
	if h.factory.newCount() != 0 {
		t.Fatal("gate must fire before engine creation")
	}

	if err := h.mgr.Pull(ctx, "mistral:7b", nil); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if err := h.mgr.Activate(ctx, "mistral:7b", nil); err != nil {
		t.Fatalf("Activate after pull: %v", err)
	}
	if model, ok := h.mgr.Active(); !ok || model != "mistral:7b" {
		t.Fatalf("expected mistral:7b active, got %q (%v)", model, ok)
	}

	history, err := h.mgr.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history[0].Action != journal.ActionActivate || history[0].Outcome != journal.OutcomeSucceeded {
		t.Fatalf("newest record should be the activation, got %+v", history[0])
	}
}

// =============================================================================
// Status Tests
// =============================================================================

// TestDefaultManager_Status tests the aggregate status view.
func TestDefaultManager_Status(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	healthy := defaultProvider()
	dead := &mockProvider{
		mockPullSource: mockPullSource{name: "backup"},
		ListModelsFunc: func(ctx context.Context) ([]ModelDescriptor, error) {
			return nil, errors.New("connection refused")
		},
		HealthFunc: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	}

	h := newTestManager(t, healthy, nil)
	h.mgr.providers = append(h.mgr.providers, dead)

	status := h.mgr.Status(ctx)
	if len(status.Providers) != 2 {
		t.Fatalf("expected 2 provider statuses, got %d", len(status.Providers))
	}
	if !status.Providers[0].Healthy || status.Providers[0].Name != "ollama" {
		t.Fatalf("primary provider should be healthy, got %+v", status.Providers[0])
	}
	if status.Providers[1].Healthy || status.Providers[1].Error == "" {
		t.Fatalf("dead provider should carry its probe error, got %+v", status.Providers[1])
	}
	if status.EngineLoaded || status.ActiveModel != "" {
		t.Fatalf("engine should start unloaded, got %+v", status)
	}
	if len(status.Transfers) != 0 {
		t.Fatalf("no transfers expected, got %+v", status.Transfers)
	}

	if err := h.mgr.Activate(ctx, "llama3:8b", nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	status = h.mgr.Status(ctx)
	if !status.EngineLoaded || status.ActiveModel != "llama3:8b" {
		t.Fatalf("status should report the active model, got %+v", status)
	}
	if status.Journal.LastSeq == 0 {
		t.Fatal("journal stats should reflect the recorded activation")
	}
}

// =============================================================================
// Shutdown Tests
// =============================================================================

// TestDefaultManager_Close tests teardown ordering.
func TestDefaultManager_Close(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestManager(t, defaultProvider(), nil)

	if err := h.mgr.Activate(ctx, "llama3:8b", nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := h.mgr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := h.mgr.Active(); ok {
		t.Fatal("engine should be unloaded after Close")
	}
	engine := h.factory.lastEngine()
	if engine == nil || engine.unloadCount() != 1 {
		t.Fatalf("expected exactly one engine unload, got %+v", engine)
	}

	// Journal is closed with the manager
	if err := h.jnl.Append(ctx, journal.Record{ModelID: "x:1b", Action: journal.ActionPull, Outcome: journal.OutcomeSucceeded}); !errors.Is(err, journal.ErrJournalClosed) {
		t.Fatalf("journal should be closed, got %v", err)
	}
}
