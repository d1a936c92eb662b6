// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package digest

import (
	"math"
	"testing"
)

func TestQuantileAccuracyUniform(t *testing.T) {
	d := New(DefaultCompression)
	for i := 1; i <= 1000; i++ {
		d.Add(float64(i))
	}

	checks := []struct {
		q          float64
		lo, hi     float64
	}{
		{0.50, 485, 515},
		{0.95, 935, 965},
		{0.99, 975, 1005},
	}
	for _, c := range checks {
		got := d.Quantile(c.q)
		if got < c.lo || got > c.hi {
			t.Errorf("P%v = %v, want within [%v, %v]", c.q*100, got, c.lo, c.hi)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	d := New(DefaultCompression)
	for i := 1; i <= 2000; i++ {
		d.Add(float64(i) * 1.37)
	}

	data := d.Serialize()
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	for _, q := range []float64{0.1, 0.5, 0.9, 0.99} {
		want := d.Quantile(q)
		have := got.Quantile(q)
		if math.Abs(want-have) > math.Abs(want)*0.01+1e-6 {
			t.Errorf("quantile %v drifted after round-trip: want %v, got %v", q, want, have)
		}
	}
	if got.Count() != d.Count() {
		t.Errorf("count mismatch after round-trip: want %d got %d", d.Count(), got.Count())
	}
}

func TestMergeAssociative(t *testing.T) {
	build := func(from, to int) *TDigest {
		d := New(DefaultCompression)
		for i := from; i < to; i++ {
			d.Add(float64(i))
		}
		return d
	}

	a, b, c := build(0, 300), build(300, 700), build(700, 1000)

	left := New(DefaultCompression)
	left.Merge(a)
	bc := New(DefaultCompression)
	bc.Merge(b)
	bc.Merge(c)
	left.Merge(bc)

	right := New(DefaultCompression)
	ab := New(DefaultCompression)
	ab.Merge(a)
	ab.Merge(b)
	right.Merge(ab)
	right.Merge(c)

	if left.Count() != right.Count() {
		t.Fatalf("count mismatch: left=%d right=%d", left.Count(), right.Count())
	}
	for _, q := range []float64{0.25, 0.5, 0.75, 0.95} {
		lv, rv := left.Quantile(q), right.Quantile(q)
		if math.Abs(lv-rv) > 30 { // sketch compression means this isn't exact, just close
			t.Errorf("quantile %v diverged under different merge order: left=%v right=%v", q, lv, rv)
		}
	}
}

func TestDeserializeCorrupt(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for truncated buffer")
	}
}

func TestEmptyDigestQuantile(t *testing.T) {
	d := New(DefaultCompression)
	if got := d.Quantile(0.5); got != 0 {
		t.Errorf("empty digest quantile = %v, want 0", got)
	}
}
