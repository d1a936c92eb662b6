// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"beacon.yaml",
	"beacon.yml",
	"/etc/beacon/beacon.yaml",
	"/etc/beacon/beacon.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "BEACON_CONFIG_PATH"

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Beacon: BeaconConfig{
			Enabled: true,
		},
		Buffer: BufferConfig{
			MaxBytes: 8 << 20, // 8MB soft ceiling; hard cap is 3x this
		},
		Collector: CollectorConfig{
			SlowThreshold:                2 * time.Second,
			SlowThresholdPerKind:         map[string]time.Duration{},
			RandomSampleRate:             100,
			MaxRandomSamplesPerEndpoint:  5,
			MaxSlowSamplesPerEndpoint:    5,
			MaxErrorSamplesPerFingerprint: 3,
			IgnoredTargets:               []string{},
			FilterParameters:             []string{"password", "secret", "token", "authorization"},
		},
		Segment: SegmentConfig{
			MaxSegments:      1000,
			SourceThreshold:  50 * time.Millisecond,
			Sampler: SamplerConfig{
				Enabled:  false,
				Interval: 5 * time.Millisecond,
				HardCap:  2000,
			},
		},
		Aggregator: AggregatorConfig{
			MaxErrorContexts: 10,
		},
		Flusher: FlusherConfig{
			Interval:           15 * time.Second,
			Jitter:             3 * time.Second,
			RetentionPeriod:    90 * 24 * time.Hour,
			CleanupInterval:    1 * time.Hour,
			CleanupBatchSize:   500,
			RequeueOnFailure:   true,
			DownsampleTiers: []DownsampleTier{
				{TargetInterval: 5 * time.Minute, AgeThreshold: 1 * time.Hour},
				{TargetInterval: 1 * time.Hour, AgeThreshold: 24 * time.Hour},
				{TargetInterval: 24 * time.Hour, AgeThreshold: 7 * 24 * time.Hour},
				{TargetInterval: 7 * 24 * time.Hour, AgeThreshold: 90 * 24 * time.Hour},
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Events: EventsConfig{
			Enabled:               true,
			MaxSamplesPerName:     10,
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Persistence: PersistenceConfig{
			Adapter:   "sqlite",
			DSN:       "beacon.db",
			BatchSize: 500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// This function is the preferred way to load configuration and provides:
//   - Type-safe configuration unmarshaling
//   - Clear precedence: ENV > File > Defaults
//   - Support for nested configuration via koanf struct tags
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	// Transform legacy environment variable names to koanf dot-paths, e.g.
	// BEACON_FLUSH_INTERVAL -> flusher.interval
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
// when they arrive as environment variable strings.
var sliceConfigPaths = []string{
	"collector.ignored_targets",
	"collector.filter_parameters",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths, preserving the
// legacy-flat-env-var convention (BEACON_FLUSH_INTERVAL) over a nested structure.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"beacon_enabled": "beacon.enabled",

		"beacon_max_buffer_memory": "buffer.max_bytes",

		"beacon_slow_threshold":                    "collector.slow_threshold",
		"beacon_random_sample_rate":                "collector.random_sample_rate",
		"beacon_max_random_samples_per_endpoint":    "collector.max_random_samples_per_endpoint",
		"beacon_max_slow_samples_per_endpoint":      "collector.max_slow_samples_per_endpoint",
		"beacon_max_error_samples_per_fingerprint":  "collector.max_error_samples_per_fingerprint",
		"beacon_ignored_targets":                    "collector.ignored_targets",
		"beacon_filter_parameters":                  "collector.filter_parameters",

		"beacon_max_segments_per_request":  "segment.max_segments",
		"beacon_segment_source_threshold":  "segment.source_threshold",
		"beacon_stack_sampler_enabled":     "segment.sampler.enabled",
		"beacon_stack_sampler_interval":    "segment.sampler.interval",
		"beacon_stack_sampler_hard_cap":    "segment.sampler.hard_cap",

		"beacon_max_error_contexts": "aggregator.max_error_contexts",

		"beacon_flush_interval":           "flusher.interval",
		"beacon_flush_jitter":             "flusher.jitter",
		"beacon_retention_period":         "flusher.retention_period",
		"beacon_cleanup_interval":         "flusher.cleanup_interval",
		"beacon_cleanup_batch_size":       "flusher.cleanup_batch_size",
		"beacon_requeue_on_persist_failure": "flusher.requeue_on_failure",

		"beacon_circuit_breaker_failure_threshold": "breaker.failure_threshold",
		"beacon_circuit_breaker_recovery_timeout":  "breaker.recovery_timeout",

		"beacon_events_enabled":                 "events.enabled",
		"beacon_events_max_samples_per_name":     "events.max_samples_per_name",

		"beacon_shutdown_timeout": "lifecycle.shutdown_timeout",

		"beacon_adapter":                 "persistence.adapter",
		"beacon_dsn":                     "persistence.dsn",
		"beacon_persistence_batch_size":  "persistence.batch_size",

		"beacon_log_level":  "log.level",
		"beacon_log_format": "log.format",

		"beacon_metrics_enabled":      "metrics.enabled",
		"beacon_metrics_listen_addr":  "metrics.listen_addr",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	return ""
}

// GetKoanfInstance returns a new Koanf instance for advanced usage, e.g. hot-reload scenarios or
// tests that need custom configuration sources.
func GetKoanfInstance() *koanf.Koanf {
	return koanf.New(".")
}

// WatchConfigFile sets up a file watcher for hot-reload capability. Only tunables safe to hot-swap
// (sampling rates, thresholds) should be re-read on callback; structural settings such as the
// persistence adapter and DSN require a process restart. The caller is responsible for mutex
// protection when accessing configuration during reloads.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
