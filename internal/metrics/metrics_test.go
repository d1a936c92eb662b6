// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDroppedEventsCounts(t *testing.T) {
	before := testutil.ToFloat64(DroppedEvents)
	DroppedEvents.Inc()
	if got := testutil.ToFloat64(DroppedEvents); got != before+1 {
		t.Errorf("DroppedEvents = %v, want %v", got, before+1)
	}
}

func TestCircuitStateGaugeReflectsConstants(t *testing.T) {
	CircuitState.Set(StateOpen)
	if got := testutil.ToFloat64(CircuitState); got != 1.0 {
		t.Errorf("CircuitState = %v, want %v (StateOpen)", got, StateOpen)
	}

	CircuitState.Set(StateHalfOpen)
	if got := testutil.ToFloat64(CircuitState); got != 0.5 {
		t.Errorf("CircuitState = %v, want %v (StateHalfOpen)", got, StateHalfOpen)
	}

	CircuitState.Set(StateClosed)
	if got := testutil.ToFloat64(CircuitState); got != 0.0 {
		t.Errorf("CircuitState = %v, want %v (StateClosed)", got, StateClosed)
	}
}

func TestDownsampleRowsMergedLabeledByTier(t *testing.T) {
	DownsampleRowsMerged.WithLabelValues("5m").Add(3)
	DownsampleRowsMerged.WithLabelValues("1h").Add(1)

	if got := testutil.ToFloat64(DownsampleRowsMerged.WithLabelValues("5m")); got != 3 {
		t.Errorf("DownsampleRowsMerged{tier=5m} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(DownsampleRowsMerged.WithLabelValues("1h")); got != 1 {
		t.Errorf("DownsampleRowsMerged{tier=1h} = %v, want 1", got)
	}
}

func TestRetentionRowsDeletedLabeledByTable(t *testing.T) {
	before := testutil.ToFloat64(RetentionRowsDeleted.WithLabelValues("samples"))
	RetentionRowsDeleted.WithLabelValues("samples").Inc()
	if got := testutil.ToFloat64(RetentionRowsDeleted.WithLabelValues("samples")); got != before+1 {
		t.Errorf("RetentionRowsDeleted{table=samples} = %v, want %v", got, before+1)
	}
}

func TestFlushDurationObserves(t *testing.T) {
	before := testutil.CollectAndCount(FlushDuration)
	FlushDuration.Observe(0.25)
	if got := testutil.CollectAndCount(FlushDuration); got != before {
		t.Errorf("FlushDuration collector count changed from %d to %d after Observe", before, got)
	}
}
