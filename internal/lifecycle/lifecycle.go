// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package lifecycle wires every subsystem into one process-wide singleton and supervises the
// background Flusher under a thejerf/suture tree, so a panic mid-cycle restarts the scheduler
// with backoff instead of crashing the host application. It is the one place in the module that
// constructs things; every other package takes its dependencies by parameter.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/beaconapm/beacon/internal/aggregator"
	"github.com/beaconapm/beacon/internal/apperr"
	"github.com/beaconapm/beacon/internal/breaker"
	"github.com/beaconapm/beacon/internal/buffer"
	"github.com/beaconapm/beacon/internal/collector"
	"github.com/beaconapm/beacon/internal/config"
	"github.com/beaconapm/beacon/internal/events"
	"github.com/beaconapm/beacon/internal/flusher"
	"github.com/beaconapm/beacon/internal/logging"
	"github.com/beaconapm/beacon/internal/metrics"
	"github.com/beaconapm/beacon/internal/persistence"
	"github.com/beaconapm/beacon/internal/persistence/postgres"
	"github.com/beaconapm/beacon/internal/persistence/sqlite"
	"github.com/beaconapm/beacon/internal/span"
)

// Stats is a point-in-time read of the counters named in the error handling design: dropped
// events, circuit opens, committed flushes, and re-queued events. It mirrors the same values
// exposed through internal/metrics, for hosts that want them without scraping Prometheus.
type Stats struct {
	DroppedEvents  float64
	EventsRequeued float64
	CircuitOpens   float64
	Flushes        float64
}

// Core owns every subsystem instance for one process: the Buffer, Collector, EventsPath,
// Aggregator, persistence Adapter, CircuitBreaker, Flusher, and the Tracer built on top of them.
// It replaces the source runtime's module-level singletons with an explicit, dependency-injected
// struct: tests construct their own Core, and a package-level Default accessor exists only for
// convenience call sites that don't carry one through explicitly.
type Core struct {
	cfg *config.Config

	buf        *buffer.Buffer
	collector  *collector.Collector
	eventsPath *events.Path
	aggregator *aggregator.Aggregator
	adapter    persistence.Adapter
	circuit    *breaker.CircuitBreaker
	flusher    *flusher.Flusher
	tracer     *span.Tracer

	supervisor      *suture.Supervisor
	flusherToken    suture.ServiceToken
	shutdownTimeout time.Duration
}

var defaultCore atomic.Pointer[Core]

// Default returns the process-wide Core installed by SetDefault, or nil if none has been
// installed. Prefer threading a *Core through explicitly; this exists for integration shims
// that cannot take a constructor parameter.
func Default() *Core {
	return defaultCore.Load()
}

// SetDefault installs c as the process-wide Core returned by Default.
func SetDefault(c *Core) {
	defaultCore.Store(c)
}

// New wires every subsystem from cfg and opens the configured persistence adapter. The returned
// Core is not yet running its background Flusher; call Start to begin supervision.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	adapter, err := openAdapter(ctx, cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	buf := buffer.New(cfg.Buffer.MaxBytes)
	col := collector.New(collector.Config{
		SlowThreshold:                 cfg.Collector.SlowThreshold,
		SlowThresholdPerKind:          cfg.Collector.SlowThresholdPerKind,
		RandomSampleRate:              cfg.Collector.RandomSampleRate,
		MaxRandomSamplesPerEndpoint:   cfg.Collector.MaxRandomSamplesPerEndpoint,
		MaxSlowSamplesPerEndpoint:     cfg.Collector.MaxSlowSamplesPerEndpoint,
		MaxErrorSamplesPerFingerprint: cfg.Collector.MaxErrorSamplesPerFingerprint,
		IgnoredTargets:                cfg.Collector.IgnoredTargets,
		FilterParameters:              cfg.Collector.FilterParameters,
	}, buf)

	eventsPath := events.New(cfg.Events.Enabled, cfg.Events.MaxSamplesPerName, cfg.Collector.RandomSampleRate)
	agg := aggregator.New(0, cfg.Aggregator.MaxErrorContexts)
	circuit := breaker.New(breaker.Config{
		Name:             "persistence",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})

	errorHandler := func(err error) {
		logging.Error().Err(err).Msg("lifecycle: flush cycle error")
	}
	fl := flusher.New(cfg.Flusher, buf, eventsPath, agg, adapter, circuit, errorHandler)

	tracer := span.New(col, cfg.Segment.MaxSegments, cfg.Segment.SourceThreshold, cfg.Segment.MemoryLimit)

	handler := &sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}
	sup := suture.New("beacon", suture.Spec{
		EventHook: handler.MustHook(),
		Timeout:   cfg.Lifecycle.ShutdownTimeout,
	})

	return &Core{
		cfg:             cfg,
		buf:             buf,
		collector:       col,
		eventsPath:      eventsPath,
		aggregator:      agg,
		adapter:         adapter,
		circuit:         circuit,
		flusher:         fl,
		tracer:          tracer,
		supervisor:      sup,
		shutdownTimeout: cfg.Lifecycle.ShutdownTimeout,
	}, nil
}

func openAdapter(ctx context.Context, cfg config.PersistenceConfig) (persistence.Adapter, error) {
	switch cfg.Adapter {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, cfg.BatchSize)
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN, 5*time.Second)
	default:
		return nil, fmt.Errorf("%w: %q", apperr.ErrAdapterUnsupported, cfg.Adapter)
	}
}

// Start adds the Flusher to the supervisor tree and begins serving it in the background. ctx
// governs the supervisor's lifetime: canceling it triggers the Flusher's final-flush shutdown
// path bounded by shutdown_timeout.
func (c *Core) Start(ctx context.Context) {
	c.flusherToken = c.supervisor.Add(c.flusher)
	go c.supervisor.Serve(ctx)
}

// EnsureRunning re-adds the Flusher to the supervisor tree if the process has forked since Start
// (or the last EnsureRunning) was called — the Flusher's own scheduling goroutine does not
// survive a fork(2), but the Buffer is plain memory and needs no recovery. It is cheap to call
// on every request if a host cannot reliably hook into its own fork point.
func (c *Core) EnsureRunning() {
	if c.flusher.EnsureRunning() {
		return
	}
	logging.Warn().Msg("lifecycle: detected fork, restarting flusher under supervisor")
	c.flusher = flusher.New(c.cfg.Flusher, c.buf, c.eventsPath, c.aggregator, c.adapter, c.circuit, func(err error) {
		logging.Error().Err(err).Msg("lifecycle: flush cycle error")
	})
	c.flusherToken = c.supervisor.Add(c.flusher)
}

// Shutdown removes the Flusher from the supervisor tree, waiting up to shutdown_timeout for its
// final flush to complete, then closes the persistence adapter.
func (c *Core) Shutdown(ctx context.Context) error {
	if err := c.supervisor.RemoveAndWait(c.flusherToken, c.shutdownTimeout); err != nil {
		logging.Warn().Err(err).Msg("lifecycle: flusher did not stop cleanly within shutdown_timeout")
	}
	c.adapter.Close()
	return nil
}

// Collector returns the process's Collector, for hosts that want the lower-level Process*
// methods directly instead of going through Tracer.
func (c *Core) Collector() *collector.Collector { return c.collector }

// Tracer returns the process's SpanAPI entry point.
func (c *Core) Tracer() *span.Tracer { return c.tracer }

// Buffer returns the process's event buffer, primarily for metrics/diagnostics wiring.
func (c *Core) Buffer() *buffer.Buffer { return c.buf }

// Stats returns a point-in-time snapshot of the core's own health counters, read directly off the
// same promauto collectors internal/metrics exposes via /metrics.
func (c *Core) Stats() Stats {
	return Stats{
		DroppedEvents:  testutil.ToFloat64(metrics.DroppedEvents),
		EventsRequeued: testutil.ToFloat64(metrics.EventsRequeued),
		CircuitOpens:   testutil.ToFloat64(metrics.CircuitOpens),
		Flushes:        testutil.ToFloat64(metrics.Flushes),
	}
}
