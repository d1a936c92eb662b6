// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package flusher

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beaconapm/beacon/internal/config"
	"github.com/beaconapm/beacon/internal/metrics"
	"github.com/beaconapm/beacon/internal/persistence"
)

// runDownsampleTiers re-aligns bucket rows older than each tier's age threshold onto its target
// interval. Tiers touch disjoint age ranges by construction (each config.DownsampleTier names a
// distinct age_threshold), so they run concurrently, one goroutine per tier, the direct
// generalization of a tiered keep-set/rollup algorithm where survivors are additively merged
// instead of kept-newest.
func runDownsampleTiers(ctx context.Context, adapter persistence.Adapter, tiers []config.DownsampleTier) error {
	if len(tiers) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range tiers {
		tier := tier
		g.Go(func() error {
			olderThan := time.Now().Add(-tier.AgeThreshold)
			collapsed, err := adapter.Downsample(gctx, tier.TargetInterval, olderThan)
			if err != nil {
				return err
			}
			if collapsed > 0 {
				metrics.DownsampleRowsMerged.WithLabelValues(tier.TargetInterval.String()).Add(float64(collapsed))
			}
			return nil
		})
	}
	return g.Wait()
}
