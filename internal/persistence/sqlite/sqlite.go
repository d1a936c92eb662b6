// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package sqlite implements persistence.Adapter against a host application's existing SQLite
// database via modernc.org/sqlite. SQLite allows only one writer at a time, so every persist
// operation opens a single write transaction guarded by PRAGMA busy_timeout rather than the
// per-row advisory locks the Postgres adapter uses; the Flusher offsets contention with other
// writers in the host process by jittering its flush interval.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/beaconapm/beacon/internal/model"
	"github.com/beaconapm/beacon/internal/persistence"
)

// Adapter persists telemetry data to SQLite.
type Adapter struct {
	db *sql.DB
}

// Open connects to dsn (a file path or "file::memory:?cache=shared") and configures the
// single-writer pragmas.
func Open(ctx context.Context, dsn string, busyTimeout time.Duration) (*Adapter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite tolerates exactly one writer at a time.

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set journal_mode: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Adapter{db: db}, nil
}

func (a *Adapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }
func (a *Adapter) Close()                         { a.db.Close() }

// ModuloBucketSQL returns the SQLite expression that aligns a bucket_start column to interval
// boundaries using strftime + integer division on the unix epoch.
func (a *Adapter) ModuloBucketSQL(interval time.Duration) string {
	seconds := int64(interval.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	return fmt.Sprintf("datetime((strftime('%%s', bucket_start) / %d) * %d, 'unixepoch')", seconds, seconds)
}

// PersistBuckets performs a read-modify-write for every bucket inside one write transaction.
// The returned map carries
// each row's ID, keyed by its BucketKey, so the Flusher can link samples to their owning bucket.
func (a *Adapter) PersistBuckets(ctx context.Context, buckets []model.Bucket) (map[model.BucketKey]int64, error) {
	ids := make(map[model.BucketKey]int64, len(buckets))
	if len(buckets) == 0 {
		return ids, nil
	}
	err := a.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, b := range buckets {
			var id, existingCount, existingSuccess, existingFailure int64
			var existingDurationSum, existingDurationMax, existingDurationMin float64
			var existingMetadata, existingDigest []byte

			row := tx.QueryRowContext(ctx, `
				SELECT id, count, success_count, failure_count, duration_sum, duration_max, duration_min, metadata_sum, p95_digest
				FROM buckets WHERE kind=? AND target=? AND operation=? AND bucket_start=?`,
				b.Key.Kind, b.Key.Target, b.Key.Operation, b.Key.BucketStart)
			err := row.Scan(&id, &existingCount, &existingSuccess, &existingFailure, &existingDurationSum,
				&existingDurationMax, &existingDurationMin, &existingMetadata, &existingDigest)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				metadataJSON, _ := json.Marshal(b.MetadataSum)
				res, err := tx.ExecContext(ctx, `
					INSERT INTO buckets (kind, target, operation, bucket_start, count, success_count,
						failure_count, duration_sum, duration_max, duration_min, metadata_sum, p95_digest)
					VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
					b.Key.Kind, b.Key.Target, b.Key.Operation, b.Key.BucketStart,
					b.Count, b.SuccessCount, b.FailureCount, b.DurationSum, b.DurationMax, b.DurationMin,
					metadataJSON, b.P95Digest)
				if err != nil {
					return fmt.Errorf("sqlite: insert bucket: %w", err)
				}
				insertedID, err := res.LastInsertId()
				if err != nil {
					return fmt.Errorf("sqlite: last insert id: %w", err)
				}
				ids[b.Key] = insertedID
			case err != nil:
				return fmt.Errorf("sqlite: select bucket: %w", err)
			default:
				var existingMeta map[string]float64
				if len(existingMetadata) > 0 {
					_ = json.Unmarshal(existingMetadata, &existingMeta)
				}
				mergedMeta := persistence.MergeMetadataSum(existingMeta, b.MetadataSum)
				mergedDigest, err := persistence.MergeDigest(existingDigest, b.P95Digest)
				if err != nil {
					return fmt.Errorf("sqlite: merge digest: %w", err)
				}
				metadataJSON, _ := json.Marshal(mergedMeta)

				durationMax := max(existingDurationMax, b.DurationMax)
				durationMin := min(existingDurationMin, b.DurationMin)

				_, err = tx.ExecContext(ctx, `
					UPDATE buckets SET count=?, success_count=?, failure_count=?, duration_sum=?,
						duration_max=?, duration_min=?, metadata_sum=?, p95_digest=?
					WHERE kind=? AND target=? AND operation=? AND bucket_start=?`,
					existingCount+b.Count, existingSuccess+b.SuccessCount, existingFailure+b.FailureCount,
					existingDurationSum+b.DurationSum, durationMax, durationMin, metadataJSON, mergedDigest,
					b.Key.Kind, b.Key.Target, b.Key.Operation, b.Key.BucketStart)
				if err != nil {
					return fmt.Errorf("sqlite: update bucket: %w", err)
				}
				ids[b.Key] = id
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PersistSamples bulk-inserts samples, skipping any whose bucket is missing.
func (a *Adapter) PersistSamples(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return a.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO samples (bucket_id, kind, sample_type, recorded_at, duration, context, error_fingerprint)
			VALUES (?,?,?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("sqlite: prepare sample insert: %w", err)
		}
		defer stmt.Close()

		for _, s := range samples {
			if s.BucketID == 0 {
				continue
			}
			if _, err := stmt.ExecContext(ctx, s.BucketID, s.Kind, s.SampleType, s.RecordedAt, s.Duration, s.Context, nullIfEmpty(s.ErrorFingerprint)); err != nil {
				return fmt.Errorf("sqlite: insert sample: %w", err)
			}
		}
		return nil
	})
}

// PersistErrors upserts by fingerprint, merging contexts and the occurrence histogram.
func (a *Adapter) PersistErrors(ctx context.Context, errs []model.ErrorRecord) error {
	if len(errs) == 0 {
		return nil
	}
	return a.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, e := range errs {
			var existingCount int64
			var existingFirst, existingLast time.Time
			var existingContexts, existingBuckets []byte

			row := tx.QueryRowContext(ctx,
				`SELECT occurrences_count, first_occurred_at, last_occurred_at, contexts, occurrence_buckets
				 FROM errors WHERE fingerprint=?`, e.Fingerprint)
			err := row.Scan(&existingCount, &existingFirst, &existingLast, &existingContexts, &existingBuckets)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				contextsJSON, _ := json.Marshal(e.Contexts)
				histogramJSON, _ := json.Marshal(e.OccurrenceBuckets)
				_, err = tx.ExecContext(ctx, `
					INSERT INTO errors (fingerprint, kind, error_class, message, occurrences_count,
						first_occurred_at, last_occurred_at, contexts, occurrence_buckets)
					VALUES (?,?,?,?,?,?,?,?,?)`,
					e.Fingerprint, e.Kind, e.ErrorClass, e.Message, e.OccurrencesCount,
					e.FirstOccurredAt, e.LastOccurredAt, contextsJSON, histogramJSON)
				if err != nil {
					return fmt.Errorf("sqlite: insert error: %w", err)
				}
			case err != nil:
				return fmt.Errorf("sqlite: select error: %w", err)
			default:
				var prevContexts [][]byte
				if len(existingContexts) > 0 {
					_ = json.Unmarshal(existingContexts, &prevContexts)
				}
				mergedContexts := persistence.MergeContexts(prevContexts, e.Contexts, 10)

				var prevHistogram model.OccurrenceHistogram
				if len(existingBuckets) > 0 {
					_ = json.Unmarshal(existingBuckets, &prevHistogram)
				}
				histogram := persistence.MergeOccurrenceBuckets(prevHistogram, []time.Time{e.LastOccurredAt})

				contextsJSON, _ := json.Marshal(mergedContexts)
				histogramJSON, _ := json.Marshal(histogram)

				first := existingFirst
				if e.FirstOccurredAt.Before(first) {
					first = e.FirstOccurredAt
				}
				last := existingLast
				if e.LastOccurredAt.After(last) {
					last = e.LastOccurredAt
				}

				_, err = tx.ExecContext(ctx, `
					UPDATE errors SET occurrences_count=?, first_occurred_at=?, last_occurred_at=?,
						contexts=?, occurrence_buckets=? WHERE fingerprint=?`,
					existingCount+e.OccurrencesCount, first, last, contextsJSON, histogramJSON, e.Fingerprint)
				if err != nil {
					return fmt.Errorf("sqlite: update error: %w", err)
				}
			}
		}
		return nil
	})
}

// PersistEventBuckets upserts counter buckets by (name, bucket_start).
func (a *Adapter) PersistEventBuckets(ctx context.Context, buckets []model.EventBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	return a.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, b := range buckets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO event_buckets (name, bucket_start, count) VALUES (?,?,?)
				ON CONFLICT (name, bucket_start) DO UPDATE SET count = count + excluded.count`,
				b.Name, b.BucketStart, b.Count)
			if err != nil {
				return fmt.Errorf("sqlite: upsert event bucket: %w", err)
			}
		}
		return nil
	})
}

// PersistEventSamples inserts counter-pipeline samples verbatim.
func (a *Adapter) PersistEventSamples(ctx context.Context, samples []model.EventSample) error {
	if len(samples) == 0 {
		return nil
	}
	return a.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO event_samples (name, payload, recorded_at) VALUES (?,?,?)`)
		if err != nil {
			return fmt.Errorf("sqlite: prepare event sample insert: %w", err)
		}
		defer stmt.Close()
		for _, s := range samples {
			if _, err := stmt.ExecContext(ctx, s.Name, s.Payload, s.RecordedAt); err != nil {
				return fmt.Errorf("sqlite: insert event sample: %w", err)
			}
		}
		return nil
	})
}

// Downsample re-aligns bucket rows older than olderThan onto targetInterval boundaries.
func (a *Adapter) Downsample(ctx context.Context, targetInterval time.Duration, olderThan time.Time) (int64, error) {
	var collapsed int64
	err := a.withWriteTx(ctx, func(tx *sql.Tx) error {
		expr := a.ModuloBucketSQL(targetInterval)
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT kind, target, operation, %s AS aligned,
				sum(count), sum(success_count), sum(failure_count),
				sum(duration_sum), max(duration_max), min(duration_min), count(*)
			FROM buckets
			WHERE bucket_start < ?
			GROUP BY kind, target, operation, aligned`, expr), olderThan)
		if err != nil {
			return fmt.Errorf("sqlite: downsample group query: %w", err)
		}

		type rollup struct {
			kind, target, op                     string
			aligned                               time.Time
			count, success, failure              int64
			durationSum, durationMax, durationMin float64
			n                                     int64
		}
		var rollups []rollup
		for rows.Next() {
			var r rollup
			if err := rows.Scan(&r.kind, &r.target, &r.op, &r.aligned, &r.count, &r.success, &r.failure,
				&r.durationSum, &r.durationMax, &r.durationMin, &r.n); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: scan downsample row: %w", err)
			}
			rollups = append(rollups, r)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE bucket_start < ?", olderThan); err != nil {
			return fmt.Errorf("sqlite: delete pre-downsample rows: %w", err)
		}

		for _, r := range rollups {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO buckets (kind, target, operation, bucket_start, count, success_count,
					failure_count, duration_sum, duration_max, duration_min, metadata_sum, p95_digest)
				VALUES (?,?,?,?,?,?,?,?,?,?,'{}','')
				ON CONFLICT (kind, target, operation, bucket_start) DO UPDATE SET
					count = count + excluded.count,
					success_count = success_count + excluded.success_count,
					failure_count = failure_count + excluded.failure_count,
					duration_sum = duration_sum + excluded.duration_sum,
					duration_max = MAX(duration_max, excluded.duration_max),
					duration_min = MIN(duration_min, excluded.duration_min)`,
				r.kind, r.target, r.op, r.aligned, r.count, r.success, r.failure,
				r.durationSum, r.durationMax, r.durationMin)
			if err != nil {
				return fmt.Errorf("sqlite: insert downsampled row: %w", err)
			}
			collapsed += r.n
		}
		return nil
	})
	return collapsed, err
}

// DeleteOlderThan removes at most limit rows from table whose bucket_start/recorded_at predates
// cutoff, via a LIMIT subquery against rowid so a single call can't hold the write lock for the
// whole table.
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

	var deleted int64
	err := a.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE rowid IN (
				SELECT rowid FROM %s WHERE %s < ? LIMIT ?
			)`, table, table, column), cutoff, limit)
		if err != nil {
			return fmt.Errorf("sqlite: delete older than: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// withWriteTx opens a write transaction (SQLite allows exactly one at a time; PRAGMA
// busy_timeout governs how long Begin waits for the lock before returning a retryable error).
func (a *Adapter) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
