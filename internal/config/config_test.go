// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return defaultConfig()
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsZeroBufferBytes(t *testing.T) {
	cfg := validConfig()
	cfg.Buffer.MaxBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero buffer.max_bytes")
	}
}

func TestValidateRejectsUnsupportedAdapter(t *testing.T) {
	cfg := validConfig()
	cfg.Persistence.Adapter = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported persistence adapter")
	}
}

func TestValidateRejectsBadDownsampleTier(t *testing.T) {
	cfg := validConfig()
	cfg.Flusher.DownsampleTiers = []DownsampleTier{{TargetInterval: 0, AgeThreshold: time.Hour}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a downsample tier with a zero target_interval")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for an unrecognized log level")
	}
}

func TestLoadWithKoanfAppliesDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf: %v", err)
	}
	if cfg.Buffer.MaxBytes != 8<<20 {
		t.Errorf("buffer.max_bytes = %d, want default 8MB", cfg.Buffer.MaxBytes)
	}
	if cfg.Persistence.Adapter != "sqlite" {
		t.Errorf("persistence.adapter = %q, want sqlite default", cfg.Persistence.Adapter)
	}
}

func TestLoadWithKoanfLegacyEnvOverride(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("BEACON_MAX_BUFFER_MEMORY", "1048576")
	t.Setenv("BEACON_RANDOM_SAMPLE_RATE", "50")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf: %v", err)
	}
	if cfg.Buffer.MaxBytes != 1048576 {
		t.Errorf("buffer.max_bytes = %d, want 1048576 from legacy env override", cfg.Buffer.MaxBytes)
	}
	if cfg.Collector.RandomSampleRate != 50 {
		t.Errorf("collector.random_sample_rate = %d, want 50 from legacy env override", cfg.Collector.RandomSampleRate)
	}
}

func TestLoadWithKoanfCommaSeparatedSlices(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("BEACON_IGNORED_TARGETS", " /healthz , /metrics ,")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf: %v", err)
	}
	want := []string{"/healthz", "/metrics"}
	if len(cfg.Collector.IgnoredTargets) != len(want) {
		t.Fatalf("ignored_targets = %v, want %v", cfg.Collector.IgnoredTargets, want)
	}
	for i, v := range want {
		if cfg.Collector.IgnoredTargets[i] != v {
			t.Errorf("ignored_targets[%d] = %q, want %q", i, cfg.Collector.IgnoredTargets[i], v)
		}
	}
}

func TestLoadWithKoanfConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.yaml")
	if err := os.WriteFile(path, []byte("persistence:\n  adapter: postgres\n  dsn: postgres://x\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf: %v", err)
	}
	if cfg.Persistence.Adapter != "postgres" {
		t.Errorf("persistence.adapter = %q, want postgres from config file", cfg.Persistence.Adapter)
	}
}
