// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"github.com/beaconapm/beacon/internal/config"
)

// ensureSchema issues migration-free CREATE TABLE IF NOT EXISTS statements for the persisted
// schema. Real migration tooling is out of scope for this module; a host application embedding
// Beacon against its own database is expected to either run this once at startup (as the demo
// does) or fold the same five tables into its own migration set.
func ensureSchema(ctx context.Context, cfg config.PersistenceConfig) error {
	if cfg.Adapter == "postgres" {
		return ensurePostgresSchema(ctx, cfg.DSN)
	}
	return ensureSQLiteSchema(ctx, cfg.DSN)
}

func ensureSQLiteSchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("beacond: open sqlite for schema: %w", err)
	}
	defer db.Close()

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("beacond: apply sqlite schema: %w", err)
		}
	}
	return nil
}

func ensurePostgresSchema(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("beacond: open postgres for schema: %w", err)
	}
	defer pool.Close()

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("beacond: apply postgres schema: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		operation TEXT NOT NULL,
		bucket_start DATETIME NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		duration_sum REAL NOT NULL DEFAULT 0,
		duration_max REAL NOT NULL DEFAULT 0,
		duration_min REAL NOT NULL DEFAULT 0,
		metadata_sum TEXT NOT NULL DEFAULT '{}',
		p95_digest BLOB,
		UNIQUE(kind, target, operation, bucket_start)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_bucket_start ON buckets(bucket_start)`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_kind_bucket_start ON buckets(kind, bucket_start)`,

	`CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		sample_type TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		duration REAL NOT NULL,
		context TEXT,
		error_fingerprint TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_recorded_at ON samples(recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_kind_recorded_at ON samples(kind, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_error_fingerprint ON samples(error_fingerprint)`,

	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		error_class TEXT NOT NULL,
		message TEXT NOT NULL,
		occurrences_count INTEGER NOT NULL DEFAULT 0,
		first_occurred_at DATETIME NOT NULL,
		last_occurred_at DATETIME NOT NULL,
		contexts TEXT NOT NULL DEFAULT '[]',
		occurrence_buckets TEXT NOT NULL DEFAULT '{}',
		resolved_at DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS event_buckets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		bucket_start DATETIME NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(name, bucket_start)
	)`,

	`CREATE TABLE IF NOT EXISTS event_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		payload TEXT,
		recorded_at DATETIME NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		operation TEXT NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		success_count BIGINT NOT NULL DEFAULT 0,
		failure_count BIGINT NOT NULL DEFAULT 0,
		duration_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_max DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_min DOUBLE PRECISION NOT NULL DEFAULT 0,
		metadata_sum JSONB NOT NULL DEFAULT '{}',
		p95_digest BYTEA,
		UNIQUE(kind, target, operation, bucket_start)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_bucket_start ON buckets(bucket_start)`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_kind_bucket_start ON buckets(kind, bucket_start)`,

	`CREATE TABLE IF NOT EXISTS samples (
		id BIGSERIAL PRIMARY KEY,
		bucket_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		sample_type TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		context JSONB,
		error_fingerprint TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_recorded_at ON samples(recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_kind_recorded_at ON samples(kind, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_error_fingerprint ON samples(error_fingerprint)`,

	`CREATE TABLE IF NOT EXISTS errors (
		id BIGSERIAL PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		error_class TEXT NOT NULL,
		message TEXT NOT NULL,
		occurrences_count BIGINT NOT NULL DEFAULT 0,
		first_occurred_at TIMESTAMPTZ NOT NULL,
		last_occurred_at TIMESTAMPTZ NOT NULL,
		contexts JSONB NOT NULL DEFAULT '[]',
		occurrence_buckets JSONB NOT NULL DEFAULT '{}',
		resolved_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS event_buckets (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		UNIQUE(name, bucket_start)
	)`,

	`CREATE TABLE IF NOT EXISTS event_samples (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		payload JSONB,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
}
