// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/observability"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// =============================================================================
// Progress Writer
// =============================================================================

// progressWriter emits PullEvent lines as NDJSON over an HTTP response.
//
// # Description
//
// Each event becomes one JSON object terminated by a newline, flushed
// immediately so clients render progress in real time. Response headers
// are deferred until the first line: a pull that fails before producing
// any progress can then still be answered with a real HTTP status code
// instead of a 200 stream whose only line is an error.
//
// # Thread Safety
//
// Thread-safe via mutex. The pull path writes from one goroutine, but
// the writer does not rely on that.
//
// # Limitations
//
//   - Requires an http.Flusher-capable ResponseWriter
//   - Cannot be reused across requests
type progressWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
	mu      sync.Mutex
	started bool
}

// newProgressWriter wraps w, rejecting ResponseWriters that cannot flush.
func newProgressWriter(w http.ResponseWriter) (*progressWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &progressWriter{
		writer:  w,
		flusher: flusher,
		enc:     json.NewEncoder(w),
	}, nil
}

// WriteEvent writes one NDJSON line and flushes it. The first call also
// commits the streaming headers and the 200 status.
func (w *progressWriter) WriteEvent(event datatypes.PullEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		header := w.writer.Header()
		header.Set("Content-Type", "application/x-ndjson")
		header.Set("Cache-Control", "no-cache")
		header.Set("X-Accel-Buffering", "no")
		w.writer.WriteHeader(http.StatusOK)
		w.started = true
	}

	// Encoder appends the newline that frames NDJSON lines.
	if err := w.enc.Encode(event); err != nil {
		return fmt.Errorf("write progress line: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// Started reports whether any line has been committed to the wire.
func (w *progressWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// =============================================================================
// Pull Accounting
// =============================================================================

// pullAccounting folds one pull's progress callbacks into metrics. Both
// transports (NDJSON and websocket) run the same accounting.
//
// Not safe for concurrent use; it lives on the goroutine running Pull.
type pullAccounting struct {
	metrics     *observability.ModelMetrics
	provider    string
	prevBytes   uint64
	prevAttempt int
}

func newPullAccounting(metrics *observability.ModelMetrics) *pullAccounting {
	return &pullAccounting{metrics: metrics, prevAttempt: 1}
}

// observe accounts one progress update: provider label resolution on
// first use, retry counting when the attempt number climbs, and byte
// deltas with a reset when a retry restarts the counters.
func (p *pullAccounting) observe(m modelmanager.Manager, ref string, u modelmanager.ProgressUpdate) {
	// The transfer registers before the first callback, so the owning
	// provider is resolvable by the time we get here.
	if p.provider == "" {
		p.provider = transferProvider(m, ref)
	}

	if p.metrics == nil {
		return
	}
	if u.Attempt > p.prevAttempt {
		p.metrics.RecordRetry(p.provider)
		p.prevAttempt = u.Attempt
		p.prevBytes = 0
	}
	if u.Completed < p.prevBytes {
		p.prevBytes = 0
	}
	p.metrics.AddPullBytes(p.provider, u.Completed-p.prevBytes)
	p.prevBytes = u.Completed
}

// providerLabel returns the resolved provider. Pulls that fail before the
// first progress callback never resolve one and report "unknown".
func (p *pullAccounting) providerLabel() string {
	if p.provider == "" {
		return "unknown"
	}
	return p.provider
}

// finish classifies the pull's outcome and records it with its duration.
func (p *pullAccounting) finish(err error, started time.Time) observability.Outcome {
	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeFailed
		if modelmanager.IsCancelled(err) {
			outcome = observability.OutcomeCancelled
		}
	}
	if p.metrics != nil {
		p.metrics.RecordPull(p.providerLabel(), outcome, time.Since(started).Seconds())
	}
	return outcome
}

// transferProvider resolves which provider owns the running transfer for
// ref. Used for metrics labels only; "unknown" when the snapshot is
// already gone.
func transferProvider(m modelmanager.Manager, ref string) string {
	want := modelmanager.NormalizeModelRef(ref)
	for _, t := range m.Transfers() {
		if modelmanager.NormalizeModelRef(t.ModelID) == want {
			return t.Provider
		}
	}
	return "unknown"
}

// =============================================================================
// Pull Handler
// =============================================================================

// PullModel acquires a model while streaming NDJSON progress lines.
//
// # Description
//
// POST /v1/models/pull {"model":"llama3:8b"}
//
// The response is application/x-ndjson: one JSON object per line, ending
// with either a "done" line or an "error" line. Pull blocks until the
// acquisition resolves and invokes the progress callback synchronously on
// this goroutine, so lines are written inline with no relay channel. A
// client that disconnects cancels the pull through the request context; a
// line that fails to write does the same through a derived context.
//
// Failures that precede the first progress line (duplicate pull, failed
// preflight, unreachable provider) are returned as plain JSON errors with
// the status statusForError assigns.
func PullModel(m modelmanager.Manager, metrics *observability.ModelMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PullRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(err))
			return
		}

		pw, err := newProgressWriter(c.Writer)
		if err != nil {
			slog.Error("progress stream unavailable", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Streaming not supported"})
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		if metrics != nil {
			metrics.StreamAttached(observability.TransportNDJSON)
			defer metrics.StreamDetached(observability.TransportNDJSON)
		}

		acct := newPullAccounting(metrics)
		disconnected := false
		start := time.Now()

		pullErr := m.Pull(ctx, req.Model, func(u modelmanager.ProgressUpdate) {
			acct.observe(m, req.Model, u)

			if werr := pw.WriteEvent(datatypes.ProgressEvent(u)); werr != nil && !disconnected {
				disconnected = true
				if metrics != nil {
					metrics.RecordClientDisconnect(observability.TransportNDJSON)
				}
				slog.Info("pull client went away", "model", req.Model)
				cancel()
			}
		})

		outcome := acct.finish(pullErr, start)

		if pullErr != nil {
			slog.Warn("model pull failed",
				"model", req.Model,
				"outcome", string(outcome),
				"error", pullErr,
			)
			if !pw.Started() {
				respondError(c, pullErr)
				return
			}
			// The stream is already committed; the error travels as the
			// final line.
			_ = pw.WriteEvent(datatypes.ErrorEvent(pullErr))
			return
		}

		slog.Info("model pull complete",
			"model", req.Model,
			"provider", acct.providerLabel(),
			"duration", time.Since(start),
		)
		_ = pw.WriteEvent(datatypes.DoneEvent())
	}
}
