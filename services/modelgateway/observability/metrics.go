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
Package observability provides Prometheus metrics for the model
gateway.

# Description

The gateway answers two operational questions: are model downloads
healthy (rates, retries, durations, bytes) and are clients staying
attached to their progress streams. Metrics live behind typed label
constants so a dashboard never meets a misspelled label value.

# Usage

Call InitMetrics once at service startup; it registers with the default
Prometheus registry and a second call panics (promauto semantics).
Handlers record through the helper methods, never by touching the
vectors directly.
*/
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "svalbard"
	modelsSubsystem  = "models"
)

// Outcome labels how an operation ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Transport labels which streaming transport carried progress events.
type Transport string

const (
	TransportNDJSON    Transport = "ndjson"
	TransportWebsocket Transport = "websocket"
)

// ModelMetrics holds the gateway's Prometheus instruments.
type ModelMetrics struct {
	// PullsTotal counts finished pulls by provider and outcome.
	PullsTotal *prometheus.CounterVec

	// PullRetriesTotal counts retry attempts (attempt two onwards) by
	// provider.
	PullRetriesTotal *prometheus.CounterVec

	// PullBytesTotal counts downloaded bytes by provider, growing as
	// progress events arrive.
	PullBytesTotal *prometheus.CounterVec

	// PullDurationSeconds observes wall time of finished pulls by
	// provider and outcome. Buckets cover seconds to an hour; model
	// downloads are long.
	PullDurationSeconds *prometheus.HistogramVec

	// ActiveTransfers gauges acquisitions currently running.
	ActiveTransfers prometheus.Gauge

	// ActivationsTotal counts engine activations by outcome.
	ActivationsTotal *prometheus.CounterVec

	// StreamClientsActive gauges clients attached to a progress stream
	// by transport.
	StreamClientsActive *prometheus.GaugeVec

	// ClientDisconnectsTotal counts clients that dropped mid-stream by
	// transport.
	ClientDisconnectsTotal *prometheus.CounterVec

	// RateLimitedTotal counts requests rejected by the rate limiter,
	// by route.
	RateLimitedTotal *prometheus.CounterVec
}

// DefaultMetrics is the processwide instance set by InitMetrics.
var DefaultMetrics *ModelMetrics

// InitMetrics registers the gateway's metrics with the default
// Prometheus registry and stores the result in DefaultMetrics.
// Call it exactly once.
func InitMetrics() *ModelMetrics {
	m := &ModelMetrics{
		PullsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "pulls_total",
				Help:      "Finished model pulls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		PullRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "pull_retries_total",
				Help:      "Pull attempts beyond the first, by provider",
			},
			[]string{"provider"},
		),
		PullBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "pull_bytes_total",
				Help:      "Bytes downloaded during model pulls, by provider",
			},
			[]string{"provider"},
		),
		PullDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "pull_duration_seconds",
				Help:      "Wall time of finished model pulls",
				Buckets:   []float64{5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"provider", "outcome"},
		),
		ActiveTransfers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "active_transfers",
				Help:      "Model acquisitions currently running",
			},
		),
		ActivationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "activations_total",
				Help:      "Engine activations by outcome",
			},
			[]string{"outcome"},
		),
		StreamClientsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "stream_clients_active",
				Help:      "Clients attached to a pull progress stream, by transport",
			},
			[]string{"transport"},
		),
		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that dropped before their pull stream finished, by transport",
			},
			[]string{"transport"},
		),
		RateLimitedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter, by route",
			},
			[]string{"route"},
		),
	}

	DefaultMetrics = m
	return m
}

// RecordPull records a finished pull.
func (m *ModelMetrics) RecordPull(provider string, outcome Outcome, seconds float64) {
	m.PullsTotal.WithLabelValues(provider, string(outcome)).Inc()
	m.PullDurationSeconds.WithLabelValues(provider, string(outcome)).Observe(seconds)
}

// RecordRetry records one retry attempt.
func (m *ModelMetrics) RecordRetry(provider string) {
	m.PullRetriesTotal.WithLabelValues(provider).Inc()
}

// AddPullBytes adds newly downloaded bytes.
func (m *ModelMetrics) AddPullBytes(provider string, n uint64) {
	if n == 0 {
		return
	}
	m.PullBytesTotal.WithLabelValues(provider).Add(float64(n))
}

// TransferStarted marks an acquisition as running.
func (m *ModelMetrics) TransferStarted() {
	m.ActiveTransfers.Inc()
}

// TransferEnded marks an acquisition as finished.
func (m *ModelMetrics) TransferEnded() {
	m.ActiveTransfers.Dec()
}

// RecordActivation records an engine activation.
func (m *ModelMetrics) RecordActivation(outcome Outcome) {
	m.ActivationsTotal.WithLabelValues(string(outcome)).Inc()
}

// StreamAttached marks a progress stream client as connected.
func (m *ModelMetrics) StreamAttached(t Transport) {
	m.StreamClientsActive.WithLabelValues(string(t)).Inc()
}

// StreamDetached marks a progress stream client as gone.
func (m *ModelMetrics) StreamDetached(t Transport) {
	m.StreamClientsActive.WithLabelValues(string(t)).Dec()
}

// RecordClientDisconnect records a client dropping mid-stream.
func (m *ModelMetrics) RecordClientDisconnect(t Transport) {
	m.ClientDisconnectsTotal.WithLabelValues(string(t)).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *ModelMetrics) RecordRateLimited(route string) {
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}
