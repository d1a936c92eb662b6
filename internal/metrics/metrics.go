// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package metrics exposes self-diagnostics about the telemetry core's own health — never the
// monitored application's business metrics. These are the counters named in the core's error
// handling design: dropped events, circuit breaker transitions, flush outcomes, and maintenance
// activity, so an operator can tell the monitor itself is degraded without querying the database.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DroppedEvents counts events rejected by the Buffer once the hard cap (3x max_buffer_memory)
	// is exceeded.
	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_dropped_events_total",
			Help: "Total number of events dropped by the buffer hard cap.",
		},
	)

	// EventsRequeued counts events pushed back into the buffer after a failed flush cycle.
	EventsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_requeued_total",
			Help: "Total number of events re-queued into the buffer after a persist failure.",
		},
	)

	// CircuitOpens counts every closed->open or half_open->open transition of the DB circuit
	// breaker.
	CircuitOpens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_circuit_opens_total",
			Help: "Total number of times the persistence circuit breaker has opened.",
		},
	)

	// CircuitState reports the current breaker state as a gauge: 0=closed, 0.5=half_open, 1=open.
	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_circuit_state",
			Help: "Current state of the persistence circuit breaker (0=closed, 0.5=half_open, 1=open).",
		},
	)

	// Flushes counts every successfully committed flush cycle.
	Flushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_flushes_total",
			Help: "Total number of successfully committed flush cycles.",
		},
	)

	// FlushFailures counts flush cycles that failed to commit.
	FlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_flush_failures_total",
			Help: "Total number of flush cycles that failed to commit.",
		},
	)

	// FlushDuration records wall time spent inside FlushCycle, including aggregation and persist.
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_flush_duration_seconds",
			Help:    "Duration of a single flush cycle in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BufferBytes reports the buffer's current estimated byte usage.
	BufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_buffer_bytes",
			Help: "Current estimated byte size of the in-memory event buffer.",
		},
	)

	// BufferSize reports the buffer's current event count.
	BufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_buffer_size",
			Help: "Current number of events held in the in-memory buffer.",
		},
	)

	// DownsampleRowsMerged counts bucket rows collapsed by a downsampling tier.
	DownsampleRowsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_downsample_rows_merged_total",
			Help: "Total number of bucket rows merged away by a downsampling tier.",
		},
		[]string{"tier"},
	)

	// RetentionRowsDeleted counts rows deleted by age-based retention, by table.
	RetentionRowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_retention_rows_deleted_total",
			Help: "Total number of rows deleted by retention, labeled by table.",
		},
		[]string{"table"},
	)
)

// StateClosed, StateHalfOpen and StateOpen are the gauge values reported on CircuitState.
const (
	StateClosed   = 0.0
	StateHalfOpen = 0.5
	StateOpen     = 1.0
)
