// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package config loads and validates the telemetry core's configuration surface: the buffer's
// memory ceiling, the collector's sampling knobs, the flusher's schedule and retention tiers, the
// circuit breaker's thresholds, and the chosen persistence adapter.
package config

import (
	"fmt"
	"time"

	"github.com/beaconapm/beacon/internal/validation"
)

// Config is the root configuration for the telemetry core.
type Config struct {
	Beacon      BeaconConfig      `koanf:"beacon" validate:"required"`
	Buffer      BufferConfig      `koanf:"buffer" validate:"required"`
	Collector   CollectorConfig   `koanf:"collector" validate:"required"`
	Segment     SegmentConfig     `koanf:"segment" validate:"required"`
	Aggregator  AggregatorConfig  `koanf:"aggregator" validate:"required"`
	Flusher     FlusherConfig     `koanf:"flusher" validate:"required"`
	Breaker     BreakerConfig     `koanf:"breaker" validate:"required"`
	Events      EventsConfig      `koanf:"events" validate:"required"`
	Lifecycle   LifecycleConfig   `koanf:"lifecycle" validate:"required"`
	Persistence PersistenceConfig `koanf:"persistence" validate:"required"`
	Log         LogConfig         `koanf:"log" validate:"required"`
	Metrics     MetricsConfig     `koanf:"metrics" validate:"required"`
}

// BeaconConfig holds the master switch.
type BeaconConfig struct {
	Enabled bool `koanf:"enabled"`
}

// BufferConfig tunes the in-memory event buffer.
type BufferConfig struct {
	MaxBytes int64 `koanf:"max_bytes" validate:"gt=0"`
}

// CollectorConfig tunes sampling and filtering in the Collector.
type CollectorConfig struct {
	SlowThreshold                 time.Duration            `koanf:"slow_threshold" validate:"gt=0"`
	SlowThresholdPerKind          map[string]time.Duration `koanf:"slow_threshold_per_kind"`
	RandomSampleRate              int                      `koanf:"random_sample_rate" validate:"gt=0"`
	MaxRandomSamplesPerEndpoint   int                      `koanf:"max_random_samples_per_endpoint" validate:"gte=0"`
	MaxSlowSamplesPerEndpoint     int                      `koanf:"max_slow_samples_per_endpoint" validate:"gte=0"`
	MaxErrorSamplesPerFingerprint int                      `koanf:"max_error_samples_per_fingerprint" validate:"gte=0"`
	IgnoredTargets                []string                 `koanf:"ignored_targets"`
	FilterParameters              []string                 `koanf:"filter_parameters"`
}

// SamplerConfig tunes the optional stack sampler.
type SamplerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	HardCap  int           `koanf:"hard_cap" validate:"gt=0"`
}

// SegmentConfig tunes the per-request SegmentCollector.
type SegmentConfig struct {
	MaxSegments     int           `koanf:"max_segments" validate:"gt=0"`
	SourceThreshold time.Duration `koanf:"source_threshold" validate:"gte=0"`
	MemoryLimit     int64         `koanf:"memory_limit" validate:"gte=0"`
	Sampler         SamplerConfig `koanf:"sampler"`
}

// AggregatorConfig tunes flush-time aggregation.
type AggregatorConfig struct {
	MaxErrorContexts int `koanf:"max_error_contexts" validate:"gt=0"`
}

// DownsampleTier defines one roll-up tier: buckets older than AgeThreshold are re-aligned to
// TargetInterval.
type DownsampleTier struct {
	TargetInterval time.Duration `koanf:"target_interval" validate:"gt=0"`
	AgeThreshold   time.Duration `koanf:"age_threshold" validate:"gt=0"`
}

// FlusherConfig tunes the background flush/maintenance scheduler.
type FlusherConfig struct {
	Interval         time.Duration    `koanf:"interval" validate:"gt=0"`
	Jitter           time.Duration    `koanf:"jitter" validate:"gte=0"`
	RetentionPeriod  time.Duration    `koanf:"retention_period" validate:"gt=0"`
	CleanupInterval  time.Duration    `koanf:"cleanup_interval" validate:"gt=0"`
	CleanupBatchSize int              `koanf:"cleanup_batch_size" validate:"gt=0"`
	RequeueOnFailure bool             `koanf:"requeue_on_failure"`
	DownsampleTiers  []DownsampleTier `koanf:"downsample_tiers"`
}

// BreakerConfig tunes the DB-health circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gt=0"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout" validate:"gt=0"`
}

// EventsConfig tunes the counter-style business events pipeline.
type EventsConfig struct {
	Enabled           bool `koanf:"enabled"`
	MaxSamplesPerName int  `koanf:"max_samples_per_name" validate:"gte=0"`
}

// LifecycleConfig tunes process-wide startup/shutdown.
type LifecycleConfig struct {
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// PersistenceConfig selects and configures the persistence adapter.
type PersistenceConfig struct {
	Adapter   string `koanf:"adapter" validate:"required,oneof=postgres sqlite"`
	DSN       string `koanf:"dsn" validate:"required"`
	BatchSize int    `koanf:"batch_size" validate:"gt=0"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// MetricsConfig configures the self-diagnostics HTTP exposition.
type MetricsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr"`
}

// Validate checks the configuration for structural and semantic errors using struct tags, then
// applies the cross-field invariants the tags can't express.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil && len(verr.Errors()) > 0 {
		return fmt.Errorf("config: %w", verr)
	}

	if c.Buffer.MaxBytes <= 0 {
		return fmt.Errorf("config: buffer.max_bytes must be positive")
	}
	for _, tier := range c.Flusher.DownsampleTiers {
		if tier.TargetInterval <= 0 || tier.AgeThreshold <= 0 {
			return fmt.Errorf("config: downsample tier must have positive target_interval and age_threshold")
		}
	}
	if !c.Persistence.validAdapter() {
		return fmt.Errorf("config: unsupported persistence adapter %q", c.Persistence.Adapter)
	}
	return nil
}

func (p PersistenceConfig) validAdapter() bool {
	switch p.Adapter {
	case "postgres", "sqlite":
		return true
	default:
		return false
	}
}
