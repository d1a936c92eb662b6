// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package flusher

import (
	"context"
	"time"

	"github.com/beaconapm/beacon/internal/metrics"
	"github.com/beaconapm/beacon/internal/persistence"
)

// retainedTables lists every table subject to age-based retention, in an order that respects
// the buckets -> samples/errors foreign-key direction (deleting a bucket's children first would
// leave nothing to reference, but each table here is pruned independently by its own age column,
// so the order only matters for how quickly dangling rows disappear).
var retainedTables = []string{"buckets", "samples", "errors", "event_buckets", "event_samples"}

// runRetention deletes rows older than retentionPeriod from every retained table, batched by
// batchSize to avoid holding long locks on the host's database.
func runRetention(ctx context.Context, adapter persistence.Adapter, retentionPeriod time.Duration, batchSize int) error {
	if retentionPeriod <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retentionPeriod)

	for _, table := range retainedTables {
		for {
			deleted, err := adapter.DeleteOlderThan(ctx, table, cutoff, batchSize)
			if err != nil {
				return err
			}
			if deleted > 0 {
				metrics.RetentionRowsDeleted.WithLabelValues(table).Add(float64(deleted))
			}
			if deleted < int64(batchSize) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
	return nil
}
