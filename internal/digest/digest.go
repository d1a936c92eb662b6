// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package digest implements a mergeable streaming quantile sketch (a t-digest variant) used to
// estimate percentiles of request duration without retaining every raw sample. Centroids are
// merged by weight-proportional averaging and the whole sketch can be serialized to a compact
// binary form for storage in a Bucket's p95_digest column.
package digest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/beaconapm/beacon/internal/apperr"
)

// DefaultCompression bounds the number of centroids retained; higher values trade memory for
// accuracy.
const DefaultCompression = 100.0

// Centroid is one weighted mean in the sketch.
type Centroid struct {
	Mean   float64
	Weight uint32
}

// TDigest is a mergeable streaming quantile sketch.
type TDigest struct {
	compression float64
	centroids   []Centroid
	count       uint64
	min         float64
	max         float64
}

// New creates an empty digest with the given compression factor. A non-positive compression uses
// DefaultCompression.
func New(compression float64) *TDigest {
	if compression <= 0 {
		compression = DefaultCompression
	}
	return &TDigest{
		compression: compression,
		min:         math.Inf(1),
		max:         math.Inf(-1),
	}
}

// Count returns the total number of values absorbed into the digest (across all centroids).
func (d *TDigest) Count() uint64 { return d.count }

// Add absorbs one observed value into the digest.
func (d *TDigest) Add(value float64) {
	d.AddWeighted(value, 1)
}

// AddWeighted absorbs a value with an explicit weight, used when merging pre-aggregated data.
func (d *TDigest) AddWeighted(value float64, weight uint32) {
	if weight == 0 {
		return
	}
	if value < d.min {
		d.min = value
	}
	if value > d.max {
		d.max = value
	}
	d.count += uint64(weight)

	// Find the centroid with the nearest mean and fold the value in if doing so keeps the
	// centroid's weight within the size bound implied by the compression factor.
	idx, found := d.nearest(value)
	if found {
		c := &d.centroids[idx]
		maxWeight := d.maxCentroidWeight(idx)
		if uint64(c.Weight)+uint64(weight) <= maxWeight {
			newWeight := c.Weight + weight
			c.Mean += (value - c.Mean) * float64(weight) / float64(newWeight)
			c.Weight = newWeight
			return
		}
	}

	d.centroids = append(d.centroids, Centroid{Mean: value, Weight: weight})
	sort.Slice(d.centroids, func(i, j int) bool { return d.centroids[i].Mean < d.centroids[j].Mean })
	d.compress()
}

// nearest finds the index of the centroid whose mean is closest to value.
func (d *TDigest) nearest(value float64) (int, bool) {
	if len(d.centroids) == 0 {
		return 0, false
	}
	i := sort.Search(len(d.centroids), func(i int) bool { return d.centroids[i].Mean >= value })
	switch {
	case i == 0:
		return 0, true
	case i == len(d.centroids):
		return len(d.centroids) - 1, true
	default:
		before := d.centroids[i-1]
		after := d.centroids[i]
		if value-before.Mean <= after.Mean-value {
			return i - 1, true
		}
		return i, true
	}
}

// maxCentroidWeight bounds a centroid's weight proportionally to its quantile position, giving
// the classic t-digest shape (small centroids at the tails, large ones in the middle).
func (d *TDigest) maxCentroidWeight(idx int) uint64 {
	if d.count == 0 {
		return math.MaxUint64
	}
	q := float64(idx) / float64(len(d.centroids))
	bound := 4.0 * float64(d.count) * q * (1 - q) / d.compression
	if bound < 1 {
		bound = 1
	}
	return uint64(bound)
}

// compress merges adjacent centroids greedily while the number of centroids exceeds the bound
// implied by the compression factor, keeping the sketch's memory footprint stable as values
// stream in.
func (d *TDigest) compress() {
	limit := int(d.compression) * 2
	if limit < 4 {
		limit = 4
	}
	if len(d.centroids) <= limit {
		return
	}

	merged := make([]Centroid, 0, limit)
	merged = append(merged, d.centroids[0])
	for _, c := range d.centroids[1:] {
		last := &merged[len(merged)-1]
		combined := uint64(last.Weight) + uint64(c.Weight)
		maxW := d.maxCentroidWeight(len(merged) - 1)
		if combined <= maxW || len(merged) >= limit {
			last.Mean += (c.Mean - last.Mean) * float64(c.Weight) / float64(combined)
			last.Weight = uint32(combined)
			continue
		}
		merged = append(merged, c)
	}
	d.centroids = merged
}

// Quantile returns the estimated value at quantile q (0 <= q <= 1) via linear interpolation
// between the cumulative weights of adjacent centroids.
func (d *TDigest) Quantile(q float64) float64 {
	if len(d.centroids) == 0 || d.count == 0 {
		return 0
	}
	if q <= 0 {
		return d.min
	}
	if q >= 1 {
		return d.max
	}

	target := q * float64(d.count)
	var cumulative float64
	for i, c := range d.centroids {
		next := cumulative + float64(c.Weight)
		if target <= next {
			if len(d.centroids) == 1 {
				return c.Mean
			}
			// Interpolate within this centroid's span toward its neighbor.
			var lo, hi float64
			var loMean, hiMean float64
			if i == 0 {
				lo, hi = 0, next
				loMean, hiMean = d.min, c.Mean
			} else {
				lo, hi = cumulative, next
				loMean, hiMean = d.centroids[i-1].Mean, c.Mean
			}
			if hi == lo {
				return c.Mean
			}
			frac := (target - lo) / (hi - lo)
			return loMean + frac*(hiMean-loMean)
		}
		cumulative = next
	}
	return d.max
}

// Merge folds another digest's centroids into this one, preserving total weight (associative:
// Merge(a, Merge(b,c)) == Merge(Merge(a,b), c) up to the lossy compression both sides already
// apply).
func (d *TDigest) Merge(other *TDigest) {
	if other == nil || other.count == 0 {
		return
	}
	if other.min < d.min {
		d.min = other.min
	}
	if other.max > d.max {
		d.max = other.max
	}
	for _, c := range other.centroids {
		d.AddWeighted(c.Mean, c.Weight)
	}
}

// Serialize encodes the digest per the wire format:
// little-endian compression:f64 | count:u64 | n_centroids:u32 | min:f64 | max:f64 |
// n x (mean:f64, weight:u32).
func (d *TDigest) Serialize() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d.compression)
	binary.Write(buf, binary.LittleEndian, d.count)
	binary.Write(buf, binary.LittleEndian, uint32(len(d.centroids)))
	min, max := d.min, d.max
	if len(d.centroids) == 0 {
		min, max = 0, 0
	}
	binary.Write(buf, binary.LittleEndian, min)
	binary.Write(buf, binary.LittleEndian, max)
	for _, c := range d.centroids {
		binary.Write(buf, binary.LittleEndian, c.Mean)
		binary.Write(buf, binary.LittleEndian, c.Weight)
	}
	return buf.Bytes()
}

// Deserialize decodes a digest previously produced by Serialize. A truncated or malformed buffer
// returns apperr.ErrDigestCorrupt; callers should treat that as an empty digest per the error
// handling design.
func Deserialize(data []byte) (*TDigest, error) {
	r := bytes.NewReader(data)
	d := &TDigest{}

	if err := binary.Read(r, binary.LittleEndian, &d.compression); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDigestCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.count); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDigestCorrupt, err)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDigestCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.min); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDigestCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.max); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDigestCorrupt, err)
	}

	d.centroids = make([]Centroid, 0, n)
	for i := uint32(0); i < n; i++ {
		var c Centroid
		if err := binary.Read(r, binary.LittleEndian, &c.Mean); err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrDigestCorrupt, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &c.Weight); err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrDigestCorrupt, err)
		}
		d.centroids = append(d.centroids, c)
	}
	return d, nil
}

// MergeSerialized unions two serialized digests and returns the re-serialized union. Used by the
// persistence adapters' MergeDigest operation. An input that fails to deserialize is replaced by
// an empty digest; the error is neither returned nor logged.
func MergeSerialized(a, b []byte) ([]byte, error) {
	da, err := Deserialize(a)
	if err != nil {
		da = New(DefaultCompression)
	}
	db, err := Deserialize(b)
	if err != nil {
		db = New(DefaultCompression)
	}
	da.Merge(db)
	return da.Serialize(), nil
}
