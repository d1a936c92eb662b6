// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package persistence defines the narrow storage contract the Flusher depends on, plus the
// back-end-agnostic merge helpers (digest union, metadata sum, context ring, occurrence
// histogram) shared by the postgres and sqlite adapters so neither reimplements the merge
// semantics independently.
package persistence

import (
	"context"
	"time"

	"github.com/beaconapm/beacon/internal/digest"
	"github.com/beaconapm/beacon/internal/model"
)

// Adapter is the storage contract consumed by the Flusher. Both reference back ends
// (postgres, sqlite) implement it; the Aggregator and Flusher are adapter-agnostic.
type Adapter interface {
	// PersistBuckets upserts buckets and returns the persisted row ID of each, keyed by its
	// BucketKey, so the caller can link samples to their owning bucket before PersistSamples.
	PersistBuckets(ctx context.Context, buckets []model.Bucket) (map[model.BucketKey]int64, error)
	PersistSamples(ctx context.Context, samples []model.Sample) error
	PersistErrors(ctx context.Context, errors []model.ErrorRecord) error
	PersistEventBuckets(ctx context.Context, buckets []model.EventBucket) error
	PersistEventSamples(ctx context.Context, samples []model.EventSample) error

	Downsample(ctx context.Context, targetInterval time.Duration, olderThan time.Time) (int64, error)

	// DeleteOlderThan removes at most limit rows older than cutoff from table in one statement,
	// returning the number actually removed; the Flusher loops until a call returns fewer than
	// limit, bounding how long any single delete holds a lock.
	DeleteOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) (int64, error)

	// ModuloBucketSQL returns the back-end SQL expression that aligns a bucket_start column to
	// interval boundaries, used by Downsample's re-grouping query.
	ModuloBucketSQL(interval time.Duration) string

	Ping(ctx context.Context) error
	Close()
}

// MergeMetadataSum additively merges two metadata maps, used when a concurrent flusher updates
// the same bucket.
func MergeMetadataSum(a, b map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		out[k] += v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

// MergeDigest unions two serialized TDigest sketches, used by both adapters' read-modify-write
// path for the p95_digest column.
func MergeDigest(a, b []byte) ([]byte, error) {
	return digest.MergeSerialized(a, b)
}

// MergeContexts appends next's entries to existing and trims to the most recent cap entries
// (FIFO), used for both Sample context retention and ErrorRecord.Contexts.
func MergeContexts(existing [][]byte, next [][]byte, cap int) [][]byte {
	merged := append(append([][]byte{}, existing...), next...)
	if cap <= 0 || len(merged) <= cap {
		return merged
	}
	return merged[len(merged)-cap:]
}

// MergeOccurrenceBuckets folds newTimes into an existing occurrence histogram and prunes entries
// past the retention tiers (48h for minute buckets, 90d for hour buckets, 2y for day buckets).
func MergeOccurrenceBuckets(existing model.OccurrenceHistogram, newTimes []time.Time) model.OccurrenceHistogram {
	if existing.Minute == nil {
		existing.Minute = make(map[int64]int64)
	}
	if existing.Hour == nil {
		existing.Hour = make(map[int64]int64)
	}
	if existing.Day == nil {
		existing.Day = make(map[int64]int64)
	}

	now := time.Now()
	for _, t := range newTimes {
		existing.Minute[t.Truncate(time.Minute).Unix()]++
		existing.Hour[t.Truncate(time.Hour).Unix()]++
		existing.Day[t.Truncate(24*time.Hour).Unix()]++
	}

	pruneBefore(existing.Minute, now.Add(-48*time.Hour))
	pruneBefore(existing.Hour, now.Add(-90*24*time.Hour))
	pruneBefore(existing.Day, now.Add(-2*365*24*time.Hour))
	return existing
}

func pruneBefore(buckets map[int64]int64, cutoff time.Time) {
	cutoffUnix := cutoff.Unix()
	for k := range buckets {
		if k < cutoffUnix {
			delete(buckets, k)
		}
	}
}

// BucketRowKey is the hashable identity of a bucket row, used to derive a Postgres advisory-lock
// key for per-row read-modify-write serialization.
type BucketRowKey struct {
	Kind        model.Kind
	Target      string
	Operation   string
	BucketStart time.Time
}

// String renders the row key deterministically for hashing (e.g. via hashtext() server-side).
func (k BucketRowKey) String() string {
	return string(k.Kind) + "|" + k.Target + "|" + k.Operation + "|" + k.BucketStart.UTC().Format(time.RFC3339)
}
