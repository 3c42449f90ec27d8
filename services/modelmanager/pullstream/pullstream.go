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
Package pullstream decodes a streaming NDJSON model-pull response into
progress records with stall detection.

# Problem Statement

Model pulls are long-lived HTTP responses that stream one JSON object per
line for minutes. Three things go wrong in practice: the server wedges and
stops sending without closing the connection, the server reports a failure
inside the stream via an "error" field, and the user gives up mid-download.
A naive scanner loop blocks forever on the first case, misreads the second
as success, and leaks the connection on the third.

# Solution

Stream wraps the response body with two goroutines:

	┌──────────┐  lines   ┌─────────┐  Record   ┌──────────┐
	│   body   │────────► │ decode  │─────────► │ Events() │
	└──────────┘          └────┬────┘           └──────────┘
	      ▲                    │ liveness kick
	      │ Close() on         ▼
	      │ stall/cancel  ┌─────────┐
	      └───────────────│ watchdog│◄── ctx.Done / stall timer
	                      └─────────┘

The decode goroutine scans lines, skips malformed ones, and forwards valid
records. The watchdog resets a timer on every record; if the timer fires or
the context is cancelled it closes the body, which unblocks the scanner.
The first error wins and is readable via Err() once Events() is closed.
A clean EOF leaves Err() nil.

A Stream is single-shot. It cannot be restarted after any terminal
condition; callers open a fresh stream to retry.

# Usage

	stream := pullstream.New(ctx, resp.Body)
	for rec := range stream.Events() {
	    // feed rec into a progress aggregator
	}
	if err := stream.Err(); err != nil {
	    // stall, wire error, transport failure, or ctx.Err()
	}

# Thread Safety

Events() is meant for a single consumer. Err() may be called from any
goroutine but is only meaningful after Events() has closed.
*/
package pullstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultStallTimeout is how long the stream may go without a decodable
// record before the watchdog declares a stall.
const DefaultStallTimeout = 30 * time.Second

// Record is one line of the pull stream.
//
// Transfer records carry a layer digest and byte counters; lifecycle
// records ("pulling manifest", "verifying sha256 digest", "success") carry
// only a status. A non-empty Error field terminates the stream.
type Record struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Completed uint64 `json:"completed,omitempty"`
	Total     uint64 `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Option configures a Stream.
type Option func(*Stream)

// WithStallTimeout overrides DefaultStallTimeout. Values <= 0 are ignored.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.stallTimeout = d
		}
	}
}

// WithLogger sets the logger used for skipped-line diagnostics. If nil,
// slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stream decodes one NDJSON pull response. Construct with New.
type Stream struct {
	body         io.ReadCloser
	events       chan Record
	done         chan struct{}
	kick         chan struct{}
	stallTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// New starts decoding body. The Stream takes ownership of body and closes
// it on every exit path. Cancelling ctx aborts the stream and records
// ctx.Err() as its error.
func New(ctx context.Context, body io.ReadCloser, opts ...Option) *Stream {
	s := &Stream{
		body:         body,
		events:       make(chan Record, 16),
		done:         make(chan struct{}),
		kick:         make(chan struct{}, 1),
		stallTimeout: DefaultStallTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.watch(ctx)
	go s.decode(ctx)
	return s
}

// Events returns the record channel. It is closed when the stream ends for
// any reason; check Err() afterwards to distinguish success from failure.
func (s *Stream) Events() <-chan Record {
	return s.events
}

// Err returns the terminal error of the stream: nil after a clean EOF, a
// *StallError on watchdog timeout, a *WireError when the server reported
// failure in-band, the context error on cancellation, or a wrapped
// transport error otherwise.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// setErr records the first terminal error; later calls are no-ops.
func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// closeBody is idempotent. Closing the body is also how the watchdog
// unblocks a scanner stuck in Read.
func (s *Stream) closeBody() {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
	})
}

// decode scans the body line by line and forwards valid records.
func (s *Stream) decode(ctx context.Context) {
	defer close(s.events)
	defer close(s.done)
	defer s.closeBody()

	scanner := bufio.NewScanner(s.body)
	// Progress lines are small, but error payloads can embed server
	// detail; allow up to 1MB per line.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Debug("Skipping malformed progress line",
				"error", err)
			continue
		}

		// Any decodable record proves the server is alive.
		select {
		case s.kick <- struct{}{}:
		default:
		}

		if rec.Error != "" {
			s.setErr(&WireError{Message: rec.Error})
			return
		}

		select {
		case s.events <- rec:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}

	if err := scanner.Err(); err != nil {
		// The read may have been unblocked by our own watchdog or by the
		// HTTP transport reacting to ctx; prefer those causes over the
		// secondary "closed body" read error.
		if ctx.Err() != nil {
			s.setErr(ctx.Err())
		} else {
			s.setErr(fmt.Errorf("reading pull stream: %w", err))
		}
	}
}

// watch enforces the stall timeout and context cancellation.
func (s *Stream) watch(ctx context.Context) {
	timer := time.NewTimer(s.stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			s.closeBody()
			return
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.stallTimeout)
		case <-timer.C:
			s.setErr(&StallError{Timeout: s.stallTimeout})
			s.closeBody()
			return
		}
	}
}
