// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/beaconapm/beacon/internal/model"
)

const schema = `
CREATE TABLE buckets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT, target TEXT, operation TEXT, bucket_start DATETIME,
	count INTEGER, success_count INTEGER, failure_count INTEGER,
	duration_sum REAL, duration_max REAL, duration_min REAL,
	metadata_sum BLOB, p95_digest BLOB,
	UNIQUE (kind, target, operation, bucket_start)
);
CREATE TABLE samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bucket_id INTEGER, kind TEXT, sample_type TEXT, recorded_at DATETIME,
	duration REAL, context BLOB, error_fingerprint TEXT
);
CREATE TABLE errors (
	fingerprint TEXT PRIMARY KEY, kind TEXT, error_class TEXT, message TEXT,
	occurrences_count INTEGER, first_occurred_at DATETIME, last_occurred_at DATETIME,
	contexts BLOB, occurrence_buckets BLOB
);
CREATE TABLE event_buckets (
	name TEXT, bucket_start DATETIME, count INTEGER,
	PRIMARY KEY (name, bucket_start)
);
CREATE TABLE event_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT, payload BLOB, recorded_at DATETIME
);
`

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	ctx := context.Background()
	a, err := Open(ctx, "file::memory:?cache=shared", time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
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
	row := a.db.QueryRowContext(ctx, "SELECT count, duration_max, duration_min FROM buckets WHERE kind=? AND target=?", model.KindHTTP, "/orders")
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
	if err := a.db.QueryRowContext(ctx, "SELECT count(*) FROM samples").Scan(&n); err != nil {
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
	if err := a.db.QueryRowContext(ctx, "SELECT occurrences_count FROM errors WHERE fingerprint=?", "abc123").Scan(&occurrences); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if occurrences != 3 {
		t.Errorf("occurrences_count = %d, want 3", occurrences)
	}
}

func TestPersistEventBucketsAccumulates(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	start := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	eb := model.EventBucket{Name: "signup", BucketStart: start, Count: 4}
	if err := a.PersistEventBuckets(ctx, []model.EventBucket{eb}); err != nil {
		t.Fatalf("first: %v", err)
	}
	eb.Count = 6
	if err := a.PersistEventBuckets(ctx, []model.EventBucket{eb}); err != nil {
		t.Fatalf("second: %v", err)
	}

	var count int64
	if err := a.db.QueryRowContext(ctx, "SELECT count FROM event_buckets WHERE name=?", "signup").Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
}

func TestDeleteOlderThanUsesCorrectColumnPerTable(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	if _, err := a.db.ExecContext(ctx, `INSERT INTO errors (fingerprint, last_occurred_at, occurrences_count) VALUES (?,?,1)`,
		"old", cutoff.Add(-time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := a.db.ExecContext(ctx, `INSERT INTO errors (fingerprint, last_occurred_at, occurrences_count) VALUES (?,?,1)`,
		"new", cutoff.Add(time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deleted, err := a.DeleteOlderThan(ctx, "errors", cutoff, 500)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestDeleteOlderThanRespectsLimit(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if _, err := a.db.ExecContext(ctx, `INSERT INTO errors (fingerprint, last_occurred_at, occurrences_count) VALUES (?,?,1)`,
			fmt.Sprintf("old-%d", i), cutoff.Add(-time.Duration(i+1)*time.Hour)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	deleted, err := a.DeleteOlderThan(ctx, "errors", cutoff, 2)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2 (bounded by limit)", deleted)
	}
}

func TestPingSucceeds(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
