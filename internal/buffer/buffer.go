// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package buffer implements the bounded, thread-safe event queue shared between request
// goroutines and the Flusher. Push never blocks and never allocates more than a slice append;
// load shedding (dropping events) is preferred over latency inflation on the hot path.
package buffer

import (
	"sync"
	"time"

	"github.com/beaconapm/beacon/internal/cache"
	"github.com/beaconapm/beacon/internal/metrics"
	"github.com/beaconapm/beacon/internal/model"
)

// Outcome reports what Push did with an event.
type Outcome int

const (
	Accepted Outcome = iota
	Dropped
)

// hardCapMultiplier is the factor over MaxBytes the buffer tolerates before refusing events
// outright.
const hardCapMultiplier = 3

// Buffer is the exclusive owner of the live event list.
type Buffer struct {
	mu sync.Mutex

	maxBytes     int64
	currentBytes int64
	events       []model.Event

	flushSignal func()

	// dropRate tracks a rolling count of dropped events for local diagnostics without a metrics
	// scrape round-trip.
	dropRate *cache.SlidingWindowCounter
}

// New creates a Buffer with the given soft byte ceiling (hard cap is 3x this value).
func New(maxBytes int64) *Buffer {
	return &Buffer{
		maxBytes: maxBytes,
		dropRate: cache.NewSlidingWindowCounter(time.Minute, 12),
	}
}

// SetFlushSignal installs a hook invoked by every Push that finds the buffer over its soft
// ceiling, so the Flusher can schedule an emergency cycle. The hook must not block.
func (b *Buffer) SetFlushSignal(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushSignal = fn
}

// Push estimates the event's byte footprint and appends it if capacity allows, applying the
// soft/hard cap policy described in the component design. It is non-blocking and O(1).
func (b *Buffer) Push(e model.Event) Outcome {
	if e.EstimatedBytes == 0 {
		e.EstimatedBytes = EstimateBytes(e)
	}

	b.mu.Lock()
	withinSoft := b.currentBytes+e.EstimatedBytes <= b.maxBytes
	withinHard := b.currentBytes < hardCapMultiplier*b.maxBytes

	var signal func()
	if !withinSoft {
		signal = b.flushSignal
	}

	if withinSoft || withinHard {
		b.events = append(b.events, e)
		b.currentBytes += e.EstimatedBytes
		size := len(b.events)
		bytesNow := b.currentBytes
		b.mu.Unlock()

		metrics.BufferSize.Set(float64(size))
		metrics.BufferBytes.Set(float64(bytesNow))
		if signal != nil {
			signal()
		}
		return Accepted
	}
	b.mu.Unlock()

	metrics.DroppedEvents.Inc()
	b.dropRate.Increment(1)
	if signal != nil {
		signal()
	}
	return Dropped
}

// Drain atomically swaps the internal slice with an empty one and resets the byte counter.
func (b *Buffer) Drain() []model.Event {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.currentBytes = 0
	b.mu.Unlock()

	metrics.BufferSize.Set(0)
	metrics.BufferBytes.Set(0)
	return events
}

// Size returns the current number of buffered events.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// CurrentBytes returns the current estimated byte usage.
func (b *Buffer) CurrentBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentBytes
}

// Reset discards all buffered events without returning them, used during shutdown cleanup in
// tests.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.events = nil
	b.currentBytes = 0
	b.mu.Unlock()
}

// DropRate returns the number of drops recorded in the last window, a cheap local diagnostic
// independent of the Prometheus scrape cycle.
func (b *Buffer) DropRate() int64 {
	return b.dropRate.Count()
}

const objectHeaderBytes = 64

// EstimateBytes approximates an event's footprint: a constant object-header cost, the byte
// length of its strings, a JSON-length estimate for metadata, and a per-segment cost for any
// attached context.
func EstimateBytes(e model.Event) int64 {
	total := int64(objectHeaderBytes)
	total += int64(len(e.Target) + len(e.Operation) + len(e.ErrorClass) + len(e.ErrorMessage))
	for k := range e.Metadata {
		total += int64(len(k)) + 16 // key bytes + float64 + separators
	}
	for _, frame := range e.Backtrace {
		total += int64(len(frame)) + 8
	}
	if e.Context != nil {
		for k, v := range e.Context.Params {
			total += int64(len(k) + len(v))
		}
		for _, seg := range e.Context.Segments {
			total += int64(len(seg.Type)+len(seg.Detail)+len(seg.Source)) + 48
		}
	}
	return total
}
