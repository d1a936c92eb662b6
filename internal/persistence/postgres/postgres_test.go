// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/beaconapm/beacon/internal/model"
	"github.com/beaconapm/beacon/internal/testinfra"
)

const schema = `
CREATE TABLE buckets (
	id BIGSERIAL,
	kind TEXT, target TEXT, operation TEXT, bucket_start TIMESTAMPTZ,
	count BIGINT, success_count BIGINT, failure_count BIGINT,
	duration_sum DOUBLE PRECISION, duration_max DOUBLE PRECISION, duration_min DOUBLE PRECISION,
	metadata_sum JSONB, p95_digest BYTEA,
	PRIMARY KEY (kind, target, operation, bucket_start)
);
CREATE TABLE samples (
	id BIGSERIAL PRIMARY KEY,
	bucket_id BIGINT, kind TEXT, sample_type TEXT, recorded_at TIMESTAMPTZ,
	duration DOUBLE PRECISION, context JSONB, error_fingerprint TEXT
);
CREATE TABLE errors (
	fingerprint TEXT PRIMARY KEY, kind TEXT, error_class TEXT, message TEXT,
	occurrences_count BIGINT, first_occurred_at TIMESTAMPTZ, last_occurred_at TIMESTAMPTZ,
	contexts JSONB, occurrence_buckets JSONB
);
CREATE TABLE event_buckets (
	name TEXT, bucket_start TIMESTAMPTZ, count BIGINT,
	PRIMARY KEY (name, bucket_start)
);
CREATE TABLE event_samples (
	id BIGSERIAL PRIMARY KEY,
	name TEXT, payload JSONB, recorded_at TIMESTAMPTZ
);
`

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	testinfra.SkipIfNoDocker(t)

	ctx := context.Background()
	pg, err := testinfra.NewPostgresContainer(ctx, t)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { testinfra.CleanupContainer(t, ctx, pg.Container) })

	a, err := Open(ctx, pg.DSN, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestPersistBucketsInsertsThenMerges(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	start := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	b := model.Bucket{
		Key:          model.BucketKey{Kind: model.KindHTTP, Target: "/orders", Operation: "GET", BucketStart: start},
		Count:        5, SuccessCount: 5, DurationSum: 50, DurationMax: 20, DurationMin: 5,
		MetadataSum: map[string]float64{"rows": 10},
	}
	ids, err := a.PersistBuckets(ctx, []model.Bucket{b})
	if err != nil {
		t.Fatalf("first persist: %v", err)
	}
	if ids[b.Key] == 0 {
		t.Error("expected a nonzero bucket ID for the inserted row")
	}

	b2 := b
	b2.Count, b2.SuccessCount, b2.DurationSum, b2.DurationMax, b2.DurationMin = 3, 3, 21, 25, 3
	b2.MetadataSum = map[string]float64{"rows": 4}
	ids2, err := a.PersistBuckets(ctx, []model.Bucket{b2})
	if err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if ids2[b2.Key] != ids[b.Key] {
		t.Errorf("bucket ID changed across merge: %d vs %d", ids2[b2.Key], ids[b.Key])
	}

	var count int64
	var durationMax, durationMin float64
	row := a.pool.QueryRow(ctx, "SELECT count, duration_max, duration_min FROM buckets WHERE kind=$1 AND target=$2", model.KindHTTP, "/orders")
	if err := row.Scan(&count, &durationMax, &durationMin); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 8 {
		t.Errorf("count = %d, want 8", count)
	}
	if durationMax != 25 {
		t.Errorf("duration_max = %v, want 25", durationMax)
	}
	if durationMin != 3 {
		t.Errorf("duration_min = %v, want 3", durationMin)
	}
}

func TestPersistSamplesSkipsZeroBucketID(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	samples := []model.Sample{
		{BucketID: 0, Kind: model.KindHTTP, RecordedAt: time.Now()},
		{BucketID: 1, Kind: model.KindHTTP, RecordedAt: time.Now(), SampleType: model.SampleSlow},
	}
	if err := a.PersistSamples(ctx, samples); err != nil {
		t.Fatalf("PersistSamples: %v", err)
	}

	var n int
	if err := a.pool.QueryRow(ctx, "SELECT count(*) FROM samples").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("rows inserted = %d, want 1 (zero-bucket sample must be skipped)", n)
	}
}

func TestPersistErrorsMergesOccurrences(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	now := time.Now()

	e := model.ErrorRecord{
		Fingerprint: "abc123", Kind: model.KindHTTP, ErrorClass: "TypeError", Message: "boom",
		OccurrencesCount: 1, FirstOccurredAt: now, LastOccurredAt: now,
		Contexts: [][]byte{[]byte(`{"a":1}`)},
	}
	if err := a.PersistErrors(ctx, []model.ErrorRecord{e}); err != nil {
		t.Fatalf("first persist: %v", err)
	}

	later := now.Add(time.Minute)
	e2 := e
	e2.OccurrencesCount = 2
	e2.LastOccurredAt = later
	e2.Contexts = [][]byte{[]byte(`{"a":2}`)}
	if err := a.PersistErrors(ctx, []model.ErrorRecord{e2}); err != nil {
		t.Fatalf("second persist: %v", err)
	}

	var occurrences int64
	if err := a.pool.QueryRow(ctx, "SELECT occurrences_count FROM errors WHERE fingerprint=$1", "abc123").Scan(&occurrences); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if occurrences != 2 {
		t.Errorf("occurrences_count = %d, want 2", occurrences)
	}
}

func TestDownsampleMergesOlderBuckets(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	buckets := []model.Bucket{
		{Key: model.BucketKey{Kind: model.KindHTTP, Target: "/x", Operation: "GET", BucketStart: base}, Count: 1, SuccessCount: 1, DurationSum: 10, DurationMax: 10, DurationMin: 10},
		{Key: model.BucketKey{Kind: model.KindHTTP, Target: "/x", Operation: "GET", BucketStart: base.Add(time.Minute)}, Count: 1, SuccessCount: 1, DurationSum: 20, DurationMax: 20, DurationMin: 20},
	}
	if _, err := a.PersistBuckets(ctx, buckets); err != nil {
		t.Fatalf("persist: %v", err)
	}

	merged, err := a.Downsample(ctx, 5*time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Downsample: %v", err)
	}
	if merged == 0 {
		t.Error("expected downsample to merge at least one row")
	}
}
