// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/pullstream"
)

var (
	tracer = otel.Tracer("svalbard.modelmanager")
	meter  = otel.Meter("svalbard.modelmanager")
)

// =============================================================================
// Acquirer Interface
// =============================================================================

// Acquirer downloads models with retry, cleanup and cancellation.
//
// # Description
//
// One Acquire call drives a full acquisition: up to MaxAttempts download
// attempts with exponential backoff between them, best-effort removal of
// partial downloads after each failed attempt, and per-model cancellation.
// Progress is reported through a callback; a fresh aggregator per attempt
// means a retry visibly restarts the percentage from zero.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Acquisitions for
// different models run in parallel; a second acquisition for a model that
// is already transferring is rejected.
type Acquirer interface {
	// Acquire downloads modelID from src, blocking until the transfer
	// succeeds, is cancelled, or retries are exhausted.
	Acquire(ctx context.Context, src PullSource, modelID string, onProgress ProgressFunc) error

	// Cancel aborts the in-flight acquisition for modelID. Returns false
	// when no acquisition for that model is running.
	Cancel(modelID string) bool

	// Transfers snapshots all in-flight acquisitions, oldest first.
	Transfers() []TransferSnapshot
}

// =============================================================================
// AcquirerConfig
// =============================================================================

// AcquirerConfig tunes retry and stall behavior.
type AcquirerConfig struct {
	// MaxAttempts is the total number of download attempts per
	// acquisition (default: 3).
	MaxAttempts int

	// StallTimeout is how long a pull stream may go without progress
	// before the attempt is failed (default: 30s).
	StallTimeout time.Duration
}

// DefaultAcquirerConfig returns the standard acquisition settings.
func DefaultAcquirerConfig() AcquirerConfig {
	return AcquirerConfig{
		MaxAttempts:  3,
		StallTimeout: pullstream.DefaultStallTimeout,
	}
}

// maxBackoff caps the delay between attempts for configurations with large
// attempt counts.
const maxBackoff = 2 * time.Minute

// backoffFor returns the delay after a failed attempt: 2s after the first,
// 4s after the second, doubling up to maxBackoff.
func backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// =============================================================================
// DefaultAcquirer
// =============================================================================

// transferState pairs the public snapshot of a transfer with its cancel
// switch. All access goes through DefaultAcquirer.mu.
type transferState struct {
	snapshot TransferSnapshot
	cancel   context.CancelFunc
}

// DefaultAcquirer implements Acquirer.
//
// # Thread Safety
//
// Safe for concurrent use. The inflight table enforces one transfer per
// model; each Acquire snapshots the config at entry, so Retune may run
// at any time without affecting transfers already underway.
type DefaultAcquirer struct {
	logger *slog.Logger

	// sleep is the backoff wait; swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error

	// Metrics (initialized lazily)
	metricsOnce  sync.Once
	pullLatency  metric.Float64Histogram
	pullAttempts metric.Int64Counter
	pullFailures metric.Int64Counter
	activePulls  metric.Int64UpDownCounter

	mu       sync.Mutex
	cfg      AcquirerConfig // replaced wholesale by Retune
	inflight map[string]*transferState
}

// NewDefaultAcquirer creates an acquirer with the given configuration.
//
// # Inputs
//
//   - cfg: Retry and stall settings; zero fields fall back to defaults.
//   - logger: Logger for transfer logs. If nil, uses slog.Default().
//
// # Outputs
//
//   - *DefaultAcquirer: Ready-to-use acquirer.
func NewDefaultAcquirer(cfg AcquirerConfig, logger *slog.Logger) *DefaultAcquirer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = pullstream.DefaultStallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultAcquirer{
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepWithContext,
		inflight: make(map[string]*transferState),
	}
}

// Retune replaces the retry and stall settings. Zero fields fall back
// to defaults exactly as in NewDefaultAcquirer.
//
// Acquisitions already running keep the settings they started with;
// the new values apply from the next Acquire call. This is what lets a
// config reload adjust pull behavior without restarting the gateway.
func (a *DefaultAcquirer) Retune(cfg AcquirerConfig) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = pullstream.DefaultStallTimeout
	}

	a.mu.Lock()
	changed := a.cfg != cfg
	a.cfg = cfg
	a.mu.Unlock()

	if changed {
		a.logger.Info("acquirer retuned",
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Duration("stall_timeout", cfg.StallTimeout),
		)
	}
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// initMetrics lazily initializes metrics.
// Logs failures but continues; acquisition never depends on observability.
func (a *DefaultAcquirer) initMetrics() {
	a.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		a.pullLatency, err = meter.Float64Histogram("model_pull_duration_seconds",
			metric.WithDescription("Wall time of a full model acquisition"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pull_latency: "+err.Error())
		}

		a.pullAttempts, err = meter.Int64Counter("model_pull_attempts_total",
			metric.WithDescription("Number of download attempts started"),
		)
		if err != nil {
			initErrors = append(initErrors, "pull_attempts: "+err.Error())
		}

		a.pullFailures, err = meter.Int64Counter("model_pull_failures_total",
			metric.WithDescription("Number of failed download attempts by reason"),
		)
		if err != nil {
			initErrors = append(initErrors, "pull_failures: "+err.Error())
		}

		a.activePulls, err = meter.Int64UpDownCounter("model_active_pulls",
			metric.WithDescription("Number of currently running acquisitions"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_pulls: "+err.Error())
		}

		if len(initErrors) > 0 {
			a.logger.Error("failed to initialize some pull metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// =============================================================================
// DefaultAcquirer - Acquire Method
// =============================================================================

// Acquire downloads modelID from src.
//
// # Description
//
// Runs the attempt loop: open a pull stream, fold its records into a fresh
// progress aggregator, and classify the outcome. Transport failures and
// stalls trigger best-effort cleanup of the partial download followed by an
// exponentially backed-off retry; cancellation aborts immediately with no
// cleanup and no retry. When every attempt has failed, the returned error
// has type ModelErrorExhausted and wraps the last attempt's failure.
//
// # Inputs
//
//   - ctx: Context for cancellation. Cancelling it has the same effect as
//     Cancel(modelID).
//   - src: Provider to download from.
//   - modelID: Model reference; normalized before use.
//   - onProgress: Per-record progress callback. May be nil. Called from
//     the acquiring goroutine, so it must not block for long.
//
// # Outputs
//
//   - error: nil on success, otherwise a *ModelError whose type is one of
//     ModelErrorInFlight, ModelErrorCancelled or ModelErrorExhausted.
//
// # Limitations
//
//   - A second Acquire for the same model is rejected while the first is
//     running; callers wanting to share one download must multiplex the
//     progress callback themselves.
func (a *DefaultAcquirer) Acquire(ctx context.Context, src PullSource, modelID string, onProgress ProgressFunc) error {
	key := NormalizeModelRef(modelID)
	if key == "" {
		return &ModelError{
			Type:    ModelErrorNotFound,
			Message: "model reference is empty",
		}
	}

	a.initMetrics()

	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now()
	st := &transferState{
		snapshot: TransferSnapshot{
			ID:        uuid.NewString(),
			ModelID:   key,
			Provider:  src.Name(),
			Phase:     PhasePending,
			StartedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}

	a.mu.Lock()
	if _, exists := a.inflight[key]; exists {
		a.mu.Unlock()
		return &ModelError{
			Type:        ModelErrorInFlight,
			Model:       key,
			Message:     fmt.Sprintf("an acquisition of %s is already running", key),
			Remediation: "Wait for the running transfer to finish, or cancel it first.",
		}
	}
	a.inflight[key] = st
	// Settings are captured here, once; a Retune mid-transfer affects
	// only later acquisitions.
	cfg := a.cfg
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.inflight, key)
		a.mu.Unlock()
	}()

	pullCtx, span := tracer.Start(pullCtx, "modelmanager.Acquire",
		trace.WithAttributes(
			attribute.String("model.id", key),
			attribute.String("model.provider", src.Name()),
		),
	)
	defer span.End()

	if a.activePulls != nil {
		a.activePulls.Add(pullCtx, 1)
		defer a.activePulls.Add(context.Background(), -1)
	}

	start := time.Now()
	provAttr := attribute.String("provider", src.Name())
	var lastErr *ModelError

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		a.beginAttempt(key, attempt)
		if a.pullAttempts != nil {
			a.pullAttempts.Add(pullCtx, 1, metric.WithAttributes(provAttr))
		}

		attemptErr := a.runAttempt(pullCtx, src, key, attempt, cfg.StallTimeout, onProgress)
		if attemptErr == nil {
			a.finishTransfer(key, PhaseSucceeded)
			duration := time.Since(start)
			if a.pullLatency != nil {
				a.pullLatency.Record(pullCtx, duration.Seconds(),
					metric.WithAttributes(provAttr, attribute.String("outcome", "success")),
				)
			}
			span.SetStatus(codes.Ok, "")
			a.logger.Info("model pull complete",
				slog.String("model", key),
				slog.String("provider", src.Name()),
				slog.Int("attempts", attempt),
				slog.Duration("duration", duration),
			)
			return nil
		}

		if attemptErr.Type == ModelErrorCancelled {
			a.finishTransfer(key, PhaseCancelled)
			span.RecordError(attemptErr)
			span.SetStatus(codes.Error, "cancelled")
			a.logger.Info("model pull cancelled",
				slog.String("model", key),
				slog.Int("attempt", attempt),
			)
			return attemptErr
		}

		lastErr = attemptErr
		if a.pullFailures != nil {
			a.pullFailures.Add(pullCtx, 1,
				metric.WithAttributes(provAttr, attribute.String("reason", attemptErr.Type.String())),
			)
		}
		a.logger.Warn("model pull attempt failed",
			slog.String("model", key),
			slog.Int("attempt", attempt),
			slog.String("reason", attemptErr.Type.String()),
			slog.String("error", attemptErr.Error()),
		)

		// Best-effort cleanup: drop whatever partial state the failed
		// attempt left behind so the retry starts clean. Cleanup failure
		// never changes the outcome.
		if _, err := src.Delete(pullCtx, key); err != nil {
			a.logger.Debug("cleanup after failed attempt did not complete",
				slog.String("model", key),
				slog.String("error", err.Error()),
			)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		backoff := backoffFor(attempt)
		a.logger.Info("retrying model pull",
			slog.String("model", key),
			slog.Duration("backoff", backoff),
			slog.Int("next_attempt", attempt+1),
		)
		if err := a.sleep(pullCtx, backoff); err != nil {
			a.finishTransfer(key, PhaseCancelled)
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return &ModelError{
				Type:    ModelErrorCancelled,
				Model:   key,
				Message: fmt.Sprintf("acquisition of %s cancelled during backoff", key),
				Err:     err,
			}
		}
	}

	a.finishTransfer(key, PhaseFailed)
	if a.pullLatency != nil {
		a.pullLatency.Record(pullCtx, time.Since(start).Seconds(),
			metric.WithAttributes(provAttr, attribute.String("outcome", "exhausted")),
		)
	}

	exhausted := &ModelError{
		Type:        ModelErrorExhausted,
		Model:       key,
		Message:     fmt.Sprintf("giving up on %s after %d attempts", key, cfg.MaxAttempts),
		Detail:      fmt.Sprintf("Last failure: %v", lastErr),
		Remediation: "Check that the model provider is reachable and the model name is correct, then retry the pull.",
		Err:         lastErr,
	}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "retries exhausted")
	a.logger.Error("model pull exhausted retries",
		slog.String("model", key),
		slog.Int("attempts", cfg.MaxAttempts),
		slog.String("last_error", lastErr.Error()),
	)
	return exhausted
}

// runAttempt performs a single download attempt against a fresh stream.
func (a *DefaultAcquirer) runAttempt(ctx context.Context, src PullSource, key string, attempt int, stall time.Duration, onProgress ProgressFunc) *ModelError {
	stream, err := src.PullStream(ctx, key,
		pullstream.WithStallTimeout(stall),
		pullstream.WithLogger(a.logger),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return a.cancelledError(key, err)
		}
		return &ModelError{
			Type:        ModelErrorConnectionFailed,
			Model:       key,
			Message:     fmt.Sprintf("could not open pull stream for %s", key),
			Detail:      err.Error(),
			Remediation: "Verify the provider is running and reachable at its configured URL.",
			Err:         err,
		}
	}

	// A fresh aggregator per attempt: a retried download restarts from
	// zero and its progress must say so.
	agg := NewProgressAggregator()

	for rec := range stream.Events() {
		agg.ObservePhase(rec.Status)
		if rec.Digest != "" || rec.Total > 0 || rec.Completed > 0 {
			agg.Observe(rec.Digest, rec.Completed, rec.Total)
		}

		update := ProgressUpdate{
			Phase:          phaseForStatus(rec.Status),
			Status:         rec.Status,
			LayerID:        rec.Digest,
			LayerCompleted: rec.Completed,
			LayerTotal:     rec.Total,
			Completed:      agg.Completed(),
			Total:          agg.Total(),
			Percent:        agg.Percent(),
			Attempt:        attempt,
		}
		a.recordProgress(key, update)
		if onProgress != nil {
			onProgress(update)
		}
	}

	return a.classifyStreamErr(key, stream.Err())
}

// classifyStreamErr maps a terminal stream error onto the model error
// taxonomy. A nil error is a successful attempt.
func (a *DefaultAcquirer) classifyStreamErr(key string, err error) *ModelError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return a.cancelledError(key, err)
	case pullstream.IsStall(err):
		return &ModelError{
			Type:        ModelErrorStall,
			Model:       key,
			Message:     fmt.Sprintf("download of %s stalled", key),
			Detail:      err.Error(),
			Remediation: "The provider stopped sending progress. Check its logs and your network link.",
			Err:         err,
		}
	default:
		return &ModelError{
			Type:        ModelErrorTransport,
			Model:       key,
			Message:     fmt.Sprintf("download of %s failed in transit", key),
			Detail:      err.Error(),
			Remediation: "Transient network and provider errors are retried automatically.",
			Err:         err,
		}
	}
}

func (a *DefaultAcquirer) cancelledError(key string, err error) *ModelError {
	return &ModelError{
		Type:    ModelErrorCancelled,
		Model:   key,
		Message: fmt.Sprintf("acquisition of %s was cancelled", key),
		Err:     err,
	}
}

// =============================================================================
// DefaultAcquirer - Cancel / Transfers Methods
// =============================================================================

// Cancel aborts the in-flight acquisition for modelID.
//
// # Description
//
// Flips the transfer's cancel switch: the pull stream is torn down, the
// connection released, and Acquire returns a ModelErrorCancelled error
// without cleanup or further attempts. Idempotent; cancelling a model with
// no running transfer returns false.
func (a *DefaultAcquirer) Cancel(modelID string) bool {
	key := NormalizeModelRef(modelID)

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.inflight[key]
	if !ok {
		return false
	}
	st.snapshot.CancelRequested = true
	st.snapshot.UpdatedAt = time.Now()
	st.cancel()
	return true
}

// Transfers snapshots all in-flight acquisitions, oldest first.
func (a *DefaultAcquirer) Transfers() []TransferSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]TransferSnapshot, 0, len(a.inflight))
	for _, st := range a.inflight {
		out = append(out, st.snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// =============================================================================
// DefaultAcquirer - Snapshot Helpers
// =============================================================================

// beginAttempt resets the snapshot for a new attempt. Progress counters
// restart because each attempt re-downloads from scratch.
func (a *DefaultAcquirer) beginAttempt(key string, attempt int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.inflight[key]
	if !ok {
		return
	}
	st.snapshot.Phase = PhasePending
	st.snapshot.Attempt = attempt
	st.snapshot.Completed = 0
	st.snapshot.Total = 0
	st.snapshot.Percent = 0
	st.snapshot.UpdatedAt = time.Now()
}

// recordProgress mirrors a progress update into the public snapshot.
func (a *DefaultAcquirer) recordProgress(key string, u ProgressUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.inflight[key]
	if !ok {
		return
	}
	st.snapshot.Phase = u.Phase
	st.snapshot.Completed = u.Completed
	st.snapshot.Total = u.Total
	st.snapshot.Percent = u.Percent
	st.snapshot.UpdatedAt = time.Now()
}

// finishTransfer stamps the terminal phase on the snapshot.
func (a *DefaultAcquirer) finishTransfer(key string, phase TransferPhase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.inflight[key]
	if !ok {
		return
	}
	st.snapshot.Phase = phase
	if phase == PhaseSucceeded {
		st.snapshot.Percent = 100
	}
	st.snapshot.UpdatedAt = time.Now()
}
