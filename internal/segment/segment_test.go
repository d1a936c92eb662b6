// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package segment

import (
	"context"
	"testing"
	"time"
)

func TestAddWithinCapacity(t *testing.T) {
	c := New(5, time.Hour, 0)
	for i := 0; i < 5; i++ {
		c.Add("sql", time.Duration(i+1)*time.Millisecond, "SELECT 1")
	}
	segs := c.Segments()
	if len(segs) != 5 {
		t.Fatalf("len(segments) = %d, want 5", len(segs))
	}
}

func TestTrimAfterInsertReplacesMinimum(t *testing.T) {
	c := New(3, time.Hour, 0)
	c.Add("sql", 1*time.Millisecond, "a")
	c.Add("sql", 2*time.Millisecond, "b")
	c.Add("sql", 3*time.Millisecond, "c")

	// At capacity; a 10ms segment should evict the 1ms minimum.
	c.Add("sql", 10*time.Millisecond, "d")

	segs := c.Segments()
	if len(segs) != 3 {
		t.Fatalf("len(segments) = %d, want 3 (capacity preserved)", len(segs))
	}
	var foundLong, foundShort bool
	for _, s := range segs {
		if s.Detail == "d" {
			foundLong = true
		}
		if s.Detail == "a" {
			foundShort = true
		}
	}
	if !foundLong {
		t.Error("expected the longer incoming segment to be retained")
	}
	if foundShort {
		t.Error("expected the shortest resident segment to have been evicted")
	}

	summary := c.ToSummary()
	if !summary.Overflowed {
		t.Error("expected Overflowed=true once capacity was exceeded")
	}
	// Summary counters must reflect every Add call, regardless of eviction.
	if summary.Counts["sql"] != 4 {
		t.Errorf("summary count = %d, want 4", summary.Counts["sql"])
	}
}

func TestShorterSegmentDoesNotEvict(t *testing.T) {
	c := New(2, time.Hour, 0)
	c.Add("sql", 10*time.Millisecond, "a")
	c.Add("sql", 5*time.Millisecond, "b")
	c.Add("sql", 1*time.Millisecond, "c") // shorter than both residents

	segs := c.Segments()
	var foundC bool
	for _, s := range segs {
		if s.Detail == "c" {
			foundC = true
		}
	}
	if foundC {
		t.Error("a segment shorter than every resident must not be inserted")
	}
}

func TestPushPopSpan(t *testing.T) {
	c := New(5, time.Hour, 0)
	idx := c.PushSpan("view", "render")
	if idx < 0 {
		t.Fatal("expected a valid span index under capacity")
	}
	time.Sleep(time.Millisecond)
	c.PopSpan(idx)

	segs := c.Segments()
	if len(segs) != 1 {
		t.Fatalf("len(segments) = %d, want 1", len(segs))
	}
	if segs[0].Duration <= 0 {
		t.Error("expected PopSpan to fill a positive duration")
	}
}

func TestPushSpanAtCapacityReturnsNegativeOne(t *testing.T) {
	c := New(1, time.Hour, 0)
	c.Add("sql", time.Millisecond, "a")
	idx := c.PushSpan("view", "render")
	if idx != -1 {
		t.Fatalf("PushSpan at capacity = %d, want -1", idx)
	}
	// Must tolerate PopSpan(-1) as a no-op.
	c.PopSpan(idx)
}

func TestContextRoundTrip(t *testing.T) {
	c := New(5, time.Hour, 0)
	ctx := WithContext(context.Background(), c)
	got, ok := FromContext(ctx)
	if !ok || got != c {
		t.Fatal("expected FromContext to recover the same Collector")
	}
}

func TestCheckpointFiresAndResets(t *testing.T) {
	c := New(100, time.Hour, 1) // 1-byte budget: every Add triggers a checkpoint
	var fired int
	c.SetOnCheckpoint(func(snap CheckpointSnapshot) {
		fired++
		if snap.CheckpointNumber != fired {
			t.Errorf("checkpoint number = %d, want %d", snap.CheckpointNumber, fired)
		}
	})

	c.Add("sql", time.Millisecond, "a")
	c.Add("sql", time.Millisecond, "b")

	if fired < 2 {
		t.Fatalf("fired = %d, want >= 2", fired)
	}
	// Segments reset after each checkpoint, so only the post-checkpoint residue remains.
	if len(c.Segments()) > 1 {
		t.Errorf("expected segment state to reset after checkpoint, got %d", len(c.Segments()))
	}
}

func TestWithRootShiftsParentIndices(t *testing.T) {
	c := New(5, time.Hour, 0)
	c.Add("sql", time.Millisecond, "a")
	segs := c.Segments()

	withRoot := WithRoot(segs, 10*time.Millisecond)
	if len(withRoot) != len(segs)+1 {
		t.Fatalf("len = %d, want %d", len(withRoot), len(segs)+1)
	}
	if withRoot[0].Type != "request" {
		t.Fatalf("root type = %q, want %q", withRoot[0].Type, "request")
	}
	if withRoot[1].ParentIndex != 0 {
		t.Errorf("child ParentIndex = %d, want 0 (root)", withRoot[1].ParentIndex)
	}
}

func TestReleaseClearsState(t *testing.T) {
	c := New(5, time.Hour, 0)
	c.Add("sql", time.Millisecond, "a")
	c.Release()
	if len(c.Segments()) != 0 {
		t.Error("expected Release to clear segments")
	}
}
