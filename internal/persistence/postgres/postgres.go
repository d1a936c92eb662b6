// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package postgres implements persistence.Adapter against a host application's existing Postgres
// database via pgxpool. Scalar additive fields are added server-side by an ON CONFLICT upsert
// issued once per row; non-trivial merges (metadata_sum, p95_digest, contexts, occurrence
// histogram) go through a read-modify-write guarded by a per-row advisory lock so two flushers
// serialize on the same row without contending on unrelated rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconapm/beacon/internal/logging"
	"github.com/beaconapm/beacon/internal/model"
	"github.com/beaconapm/beacon/internal/persistence"
)

// Adapter persists telemetry data to Postgres.
type Adapter struct {
	pool      *pgxpool.Pool
	batchSize int
}

// Open connects to dsn and verifies connectivity.
func Open(ctx context.Context, dsn string, batchSize int) (*Adapter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Adapter{pool: pool, batchSize: batchSize}, nil
}

func (a *Adapter) Ping(ctx context.Context) error { return a.pool.Ping(ctx) }
func (a *Adapter) Close()                         { a.pool.Close() }

// ModuloBucketSQL returns the Postgres expression that aligns a timestamp column to interval
// boundaries using to_timestamp(floor(extract(epoch from ...) / n) * n).
func (a *Adapter) ModuloBucketSQL(interval time.Duration) string {
	seconds := int64(interval.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	return fmt.Sprintf("to_timestamp(floor(extract(epoch from bucket_start) / %d) * %d)", seconds, seconds)
}

// advisoryLockKey derives a stable int64 key from a row identity for pg_advisory_xact_lock.
func advisoryLockKey(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

// PersistBuckets writes buckets in chunks of batchSize, one transaction per chunk. For each row it
// takes an advisory lock, reads and merges metadata_sum/p95_digest in Go, then issues one upsert
// that adds the scalar fields server-side and stores the merged values. The returned map
// carries each upserted row's ID, keyed by its BucketKey, so the Flusher can link samples to their
// owning bucket.
func (a *Adapter) PersistBuckets(ctx context.Context, buckets []model.Bucket) (map[model.BucketKey]int64, error) {
	ids := make(map[model.BucketKey]int64, len(buckets))
	for start := 0; start < len(buckets); start += a.batchSize {
		end := min(start+a.batchSize, len(buckets))
		if err := a.persistBucketChunk(ctx, buckets[start:end], ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (a *Adapter) persistBucketChunk(ctx context.Context, buckets []model.Bucket, ids map[model.BucketKey]int64) error {
	return withRetry(ctx, func() error {
		tx, err := a.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, b := range buckets {
			key := persistence.BucketRowKey{Kind: b.Key.Kind, Target: b.Key.Target, Operation: b.Key.Operation, BucketStart: b.Key.BucketStart}
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey(key.String())); err != nil {
				return fmt.Errorf("postgres: advisory lock: %w", err)
			}

			var existingMetadata []byte
			var existingDigest []byte
			err := tx.QueryRow(ctx,
				`SELECT metadata_sum, p95_digest FROM buckets
				 WHERE kind=$1 AND target=$2 AND operation=$3 AND bucket_start=$4`,
				b.Key.Kind, b.Key.Target, b.Key.Operation, b.Key.BucketStart,
			).Scan(&existingMetadata, &existingDigest)

			var mergedMetadata map[string]float64
			var mergedDigest []byte
			if err == pgx.ErrNoRows {
				mergedMetadata = b.MetadataSum
				mergedDigest = b.P95Digest
			} else if err != nil {
				return fmt.Errorf("postgres: select bucket: %w", err)
			} else {
				var existing map[string]float64
				if len(existingMetadata) > 0 {
					_ = json.Unmarshal(existingMetadata, &existing)
				}
				mergedMetadata = persistence.MergeMetadataSum(existing, b.MetadataSum)
				mergedDigest, err = persistence.MergeDigest(existingDigest, b.P95Digest)
				if err != nil {
					return fmt.Errorf("postgres: merge digest: %w", err)
				}
			}

			metadataJSON, err := json.Marshal(mergedMetadata)
			if err != nil {
				return fmt.Errorf("postgres: marshal metadata_sum: %w", err)
			}

			var id int64
			err = tx.QueryRow(ctx, `
				INSERT INTO buckets (kind, target, operation, bucket_start, count, success_count,
					failure_count, duration_sum, duration_max, duration_min, metadata_sum, p95_digest)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
				ON CONFLICT (kind, target, operation, bucket_start) DO UPDATE SET
					count = buckets.count + EXCLUDED.count,
					success_count = buckets.success_count + EXCLUDED.success_count,
					failure_count = buckets.failure_count + EXCLUDED.failure_count,
					duration_sum = buckets.duration_sum + EXCLUDED.duration_sum,
					duration_max = GREATEST(buckets.duration_max, EXCLUDED.duration_max),
					duration_min = LEAST(buckets.duration_min, EXCLUDED.duration_min),
					metadata_sum = EXCLUDED.metadata_sum,
					p95_digest = EXCLUDED.p95_digest
				RETURNING id`,
				b.Key.Kind, b.Key.Target, b.Key.Operation, b.Key.BucketStart,
				b.Count, b.SuccessCount, b.FailureCount, b.DurationSum, b.DurationMax, b.DurationMin,
				metadataJSON, mergedDigest,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("postgres: upsert bucket: %w", err)
			}
			ids[b.Key] = id
		}
		return tx.Commit(ctx)
	})
}

// PersistSamples bulk-inserts samples via a single batch, skipping any whose bucket cannot be
// resolved.
func (a *Adapter) PersistSamples(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		batch := &pgx.Batch{}
		for _, s := range samples {
			if s.BucketID == 0 {
				continue
			}
			batch.Queue(
				`INSERT INTO samples (bucket_id, kind, sample_type, recorded_at, duration, context, error_fingerprint)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				s.BucketID, s.Kind, s.SampleType, s.RecordedAt, s.Duration, s.Context, nullIfEmpty(s.ErrorFingerprint),
			)
		}
		br := a.pool.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("postgres: insert sample: %w", err)
			}
		}
		return nil
	})
}

// PersistErrors upserts by fingerprint, merging contexts and the occurrence histogram under the
// same advisory-lock pattern as PersistBuckets.
func (a *Adapter) PersistErrors(ctx context.Context, errs []model.ErrorRecord) error {
	return withRetry(ctx, func() error {
		tx, err := a.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, e := range errs {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey(e.Fingerprint)); err != nil {
				return fmt.Errorf("postgres: advisory lock: %w", err)
			}

			var existingContexts, existingBuckets []byte
			err := tx.QueryRow(ctx, `SELECT contexts, occurrence_buckets FROM errors WHERE fingerprint=$1`, e.Fingerprint).
				Scan(&existingContexts, &existingBuckets)

			var mergedContexts [][]byte
			var histogram model.OccurrenceHistogram
			if err == pgx.ErrNoRows {
				mergedContexts = e.Contexts
				histogram = e.OccurrenceBuckets
			} else if err != nil {
				return fmt.Errorf("postgres: select error: %w", err)
			} else {
				var prevContexts [][]byte
				if len(existingContexts) > 0 {
					_ = json.Unmarshal(existingContexts, &prevContexts)
				}
				mergedContexts = persistence.MergeContexts(prevContexts, e.Contexts, 10)

				var prevHistogram model.OccurrenceHistogram
				if len(existingBuckets) > 0 {
					_ = json.Unmarshal(existingBuckets, &prevHistogram)
				}
				histogram = persistence.MergeOccurrenceBuckets(prevHistogram, occurrenceTimes(e))
			}

			contextsJSON, _ := json.Marshal(mergedContexts)
			histogramJSON, _ := json.Marshal(histogram)

			_, err = tx.Exec(ctx, `
				INSERT INTO errors (fingerprint, kind, error_class, message, occurrences_count,
					first_occurred_at, last_occurred_at, contexts, occurrence_buckets)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (fingerprint) DO UPDATE SET
					occurrences_count = errors.occurrences_count + EXCLUDED.occurrences_count,
					last_occurred_at = GREATEST(errors.last_occurred_at, EXCLUDED.last_occurred_at),
					first_occurred_at = LEAST(errors.first_occurred_at, EXCLUDED.first_occurred_at),
					contexts = EXCLUDED.contexts,
					occurrence_buckets = EXCLUDED.occurrence_buckets`,
				e.Fingerprint, e.Kind, e.ErrorClass, e.Message, e.OccurrencesCount,
				e.FirstOccurredAt, e.LastOccurredAt, contextsJSON, histogramJSON,
			)
			if err != nil {
				return fmt.Errorf("postgres: upsert error: %w", err)
			}
		}
		return tx.Commit(ctx)
	})
}

func occurrenceTimes(e model.ErrorRecord) []time.Time {
	if e.OccurrencesCount <= 0 {
		return nil
	}
	return []time.Time{e.LastOccurredAt}
}

// PersistEventBuckets upserts counter buckets by (name, bucket_start).
func (a *Adapter) PersistEventBuckets(ctx context.Context, buckets []model.EventBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		batch := &pgx.Batch{}
		for _, b := range buckets {
			batch.Queue(`
				INSERT INTO event_buckets (name, bucket_start, count) VALUES ($1,$2,$3)
				ON CONFLICT (name, bucket_start) DO UPDATE SET count = event_buckets.count + EXCLUDED.count`,
				b.Name, b.BucketStart, b.Count)
		}
		br := a.pool.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("postgres: upsert event bucket: %w", err)
			}
		}
		return nil
	})
}

// PersistEventSamples inserts counter-pipeline samples verbatim (rotation is applied by the
// Flusher before calling this).
func (a *Adapter) PersistEventSamples(ctx context.Context, samples []model.EventSample) error {
	if len(samples) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		batch := &pgx.Batch{}
		for _, s := range samples {
			batch.Queue(`INSERT INTO event_samples (name, payload, recorded_at) VALUES ($1,$2,$3)`,
				s.Name, s.Payload, s.RecordedAt)
		}
		br := a.pool.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("postgres: insert event sample: %w", err)
			}
		}
		return nil
	})
}

// Downsample re-aligns bucket rows older than olderThan onto targetInterval boundaries: groups
// that land on the same new boundary are summed into one row (extrema widened via
// GREATEST/LEAST, p95_digest left to the existing row since merging sketches server-side would
// need a user-defined aggregate; the newest row's sketch is kept as an approximation), the
// original fine-grained rows are deleted, and the number of source rows collapsed is returned.
func (a *Adapter) Downsample(ctx context.Context, targetInterval time.Duration, olderThan time.Time) (int64, error) {
	var collapsed int64
	err := withRetry(ctx, func() error {
		expr := a.ModuloBucketSQL(targetInterval)
		tx, err := a.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, fmt.Sprintf(`
			SELECT kind, target, operation, %s AS aligned,
				sum(count), sum(success_count), sum(failure_count),
				sum(duration_sum), max(duration_max), min(duration_min), count(*) AS n,
				(array_agg(p95_digest ORDER BY bucket_start DESC))[1]
			FROM buckets
			WHERE bucket_start < $1
			GROUP BY kind, target, operation, aligned`, expr), olderThan)
		if err != nil {
			return fmt.Errorf("postgres: downsample group query: %w", err)
		}

		type rollup struct {
			kind, target, op                        string
			aligned                                  time.Time
			count, success, failure                  int64
			durationSum, durationMax, durationMin    float64
			n                                        int64
			digest                                   []byte
		}
		var rollups []rollup
		for rows.Next() {
			var r rollup
			if err := rows.Scan(&r.kind, &r.target, &r.op, &r.aligned, &r.count, &r.success, &r.failure,
				&r.durationSum, &r.durationMax, &r.durationMin, &r.n, &r.digest); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: scan downsample row: %w", err)
			}
			rollups = append(rollups, r)
		}
		rows.Close()

		if _, err := tx.Exec(ctx, "DELETE FROM buckets WHERE bucket_start < $1", olderThan); err != nil {
			return fmt.Errorf("postgres: delete pre-downsample rows: %w", err)
		}

		for _, r := range rollups {
			_, err := tx.Exec(ctx, `
				INSERT INTO buckets (kind, target, operation, bucket_start, count, success_count,
					failure_count, duration_sum, duration_max, duration_min, metadata_sum, p95_digest)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'{}'::jsonb,$11)
				ON CONFLICT (kind, target, operation, bucket_start) DO UPDATE SET
					count = buckets.count + EXCLUDED.count,
					success_count = buckets.success_count + EXCLUDED.success_count,
					failure_count = buckets.failure_count + EXCLUDED.failure_count,
					duration_sum = buckets.duration_sum + EXCLUDED.duration_sum,
					duration_max = GREATEST(buckets.duration_max, EXCLUDED.duration_max),
					duration_min = LEAST(buckets.duration_min, EXCLUDED.duration_min)`,
				r.kind, r.target, r.op, r.aligned, r.count, r.success, r.failure,
				r.durationSum, r.durationMax, r.durationMin, r.digest)
			if err != nil {
				return fmt.Errorf("postgres: insert downsampled row: %w", err)
			}
			collapsed += r.n
		}
		return tx.Commit(ctx)
	})
	return collapsed, err
}

// DeleteOlderThan removes at most limit rows from table whose bucket_start/recorded_at predates
// cutoff, via a LIMIT subquery against ctid so a single call can't hold a table-wide lock.
func (a *Adapter) DeleteOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) (int64, error) {
	column := "bucket_start"
	switch table {
	case "samples", "event_samples":
		column = "recorded_at"
	case "errors":
		column = "last_occurred_at"
	}
	if limit <= 0 {
		limit = 500
	}
	ident := pgx.Identifier{table}.Sanitize()

	var deleted int64
	err := withRetry(ctx, func() error {
		tag, err := a.pool.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE ctid IN (
				SELECT ctid FROM %s WHERE %s < $1 LIMIT $2
			)`, ident, ident, column), cutoff, limit)
		if err != nil {
			return fmt.Errorf("postgres: delete older than: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isRetriable reports whether a Postgres error is a transient serialization/deadlock conflict
// that is safe to retry.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	default:
		return false
	}
}

// withRetry retries fn on transient Postgres errors with jittered exponential backoff, grounded
// on the same serialization/deadlock retry pattern used elsewhere in the example corpus.
func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 5
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
		logging.Warn().Err(err).Int("attempt", attempt+1).Msg("postgres: retrying after transient error")
	}
	return err
}
