// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/beaconapm/beacon/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Beacon: config.BeaconConfig{Enabled: true},
		Buffer: config.BufferConfig{MaxBytes: 1 << 20},
		Collector: config.CollectorConfig{
			SlowThreshold:               2 * time.Second,
			RandomSampleRate:            100,
			MaxRandomSamplesPerEndpoint: 5,
			MaxSlowSamplesPerEndpoint:   5,
		},
		Segment: config.SegmentConfig{
			MaxSegments:     100,
			SourceThreshold: 50 * time.Millisecond,
		},
		Aggregator: config.AggregatorConfig{MaxErrorContexts: 10},
		Flusher: config.FlusherConfig{
			Interval:         50 * time.Millisecond,
			Jitter:           5 * time.Millisecond,
			RetentionPeriod:  90 * 24 * time.Hour,
			CleanupInterval:  time.Hour,
			CleanupBatchSize: 500,
			RequeueOnFailure: true,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
		Events:  config.EventsConfig{Enabled: true, MaxSamplesPerName: 10},
		Lifecycle: config.LifecycleConfig{
			ShutdownTimeout: 2 * time.Second,
		},
		Persistence: config.PersistenceConfig{
			Adapter:   "sqlite",
			DSN:       "file::memory:?cache=shared",
			BatchSize: 500,
		},
		Log:     config.LogConfig{Level: "disabled", Format: "json"},
		Metrics: config.MetricsConfig{Enabled: false, ListenAddr: "127.0.0.1:0"},
	}
}

func TestNewWiresEverySubsystem(t *testing.T) {
	cfg := testConfig(t)
	core, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if core.Collector() == nil || core.Tracer() == nil || core.Buffer() == nil {
		t.Fatal("expected Collector, Tracer and Buffer to be wired")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persistence.Adapter = "oracle"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unsupported adapter")
	}
}

func TestStartAndShutdownStopsTheSupervisedFlusher(t *testing.T) {
	cfg := testConfig(t)
	core, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	core.Start(ctx)
	time.Sleep(20 * time.Millisecond) // let the supervisor actually schedule the Flusher

	if err := core.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	cancel()
}

func TestEnsureRunningIsNoopWithoutFork(t *testing.T) {
	cfg := testConfig(t)
	core, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := core.flusher
	core.EnsureRunning()
	if core.flusher != before {
		t.Error("EnsureRunning replaced the Flusher despite no fork having occurred")
	}
}

func TestDefaultAccessorRoundTrips(t *testing.T) {
	cfg := testConfig(t)
	core, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	SetDefault(core)
	if Default() != core {
		t.Fatal("Default() did not return the Core installed by SetDefault")
	}
}

func TestStatsReturnsNonNegativeCounters(t *testing.T) {
	cfg := testConfig(t)
	core, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stats := core.Stats()
	if stats.DroppedEvents < 0 || stats.Flushes < 0 || stats.CircuitOpens < 0 || stats.EventsRequeued < 0 {
		t.Errorf("expected non-negative counters, got %+v", stats)
	}
}
