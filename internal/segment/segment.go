// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package segment implements the per-request segment tree: the SQL queries, view renders, and
// outbound calls that make up one instrumented operation. It is a per-goroutine object threaded
// through context.Context, never a package-global, and is built around a trim-after-insert
// capacity policy so a pathological request with thousands of sub-operations cannot blow the
// per-request memory budget.
package segment

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/beaconapm/beacon/internal/cache"
	"github.com/beaconapm/beacon/internal/model"
)

type contextKey struct{}

// summaryAccumulator tracks the running count/duration for one segment type.
type summaryAccumulator struct {
	count    int64
	duration time.Duration
}

// CheckpointSnapshot is delivered to OnCheckpoint when the memory budget is exceeded mid-request.
type CheckpointSnapshot struct {
	Segments         []model.Segment
	Summary          model.SegmentSummary
	CheckpointNumber int
}

// Collector accumulates segments for a single in-flight operation.
type Collector struct {
	maxSegments     int
	sourceThreshold time.Duration
	memoryLimit     int64
	onCheckpoint    func(CheckpointSnapshot)

	requestStart time.Time

	segments  []model.Segment
	spanStack []int
	summary   map[string]*summaryAccumulator
	overflowed bool

	durationHeap *cache.MinHeap[int]
	checkpointN  int
	bytesSinceCheckpoint int64
}

// Option configures a single Add call.
type SegmentOption func(*model.Segment)

// WithSource attaches an explicit "path:line" instead of deriving one from the call stack.
func WithSource(source string) SegmentOption {
	return func(s *model.Segment) { s.Source = source }
}

// New creates a Collector with the given capacity, source-capture threshold, and optional
// memory budget (0 disables checkpointing).
func New(maxSegments int, sourceThreshold time.Duration, memoryLimit int64) *Collector {
	if maxSegments <= 0 {
		maxSegments = 1
	}
	return &Collector{
		maxSegments:     maxSegments,
		sourceThreshold: sourceThreshold,
		memoryLimit:     memoryLimit,
		requestStart:    time.Now(),
		summary:         make(map[string]*summaryAccumulator),
		durationHeap:    cache.NewMinHeap[int](maxSegments),
	}
}

// SetOnCheckpoint installs the hook invoked when the memory budget is exceeded.
func (c *Collector) SetOnCheckpoint(fn func(CheckpointSnapshot)) {
	c.onCheckpoint = fn
}

// WithContext returns a derived context carrying this Collector.
func WithContext(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext retrieves the Collector previously attached with WithContext, if any.
func FromContext(ctx context.Context) (*Collector, bool) {
	c, ok := ctx.Value(contextKey{}).(*Collector)
	return c, ok
}

// Add records a completed segment, applying the trim-after-insert capacity policy.
func (c *Collector) Add(typ string, duration time.Duration, detail string, opts ...SegmentOption) {
	parent := -1
	if n := len(c.spanStack); n > 0 {
		parent = c.spanStack[n-1]
	}

	seg := model.Segment{
		Type:        typ,
		Duration:    duration,
		Detail:      detail,
		Offset:      time.Since(c.requestStart) - duration,
		ParentIndex: parent,
	}
	for _, opt := range opts {
		opt(&seg)
	}
	if seg.Source == "" && duration > c.sourceThreshold && c.sourceThreshold > 0 {
		seg.Source = captureSource()
	}

	c.updateSummary(typ, duration)
	c.insert(seg)
	c.maybeCheckpoint(seg)
}

// insert appends the segment unconditionally if under capacity, otherwise replaces the
// minimum-duration resident when the incoming segment is strictly longer.
func (c *Collector) insert(seg model.Segment) {
	if len(c.segments) < c.maxSegments {
		idx := len(c.segments)
		c.segments = append(c.segments, seg)
		// Timestamp surrogate: segments ordered by duration, not wall time.
		c.durationHeap.Push(strconv.Itoa(idx), idx, durationAsTimestamp(seg.Duration))
		return
	}

	c.overflowed = true
	min := c.durationHeap.Peek()
	if min == nil {
		return
	}
	minIdx := min.Value
	if seg.Duration <= c.segments[minIdx].Duration {
		return
	}
	c.segments[minIdx] = seg
	c.durationHeap.Remove(strconv.Itoa(minIdx))
	c.durationHeap.Push(strconv.Itoa(minIdx), minIdx, durationAsTimestamp(seg.Duration))
}

func durationAsTimestamp(d time.Duration) time.Time {
	return time.Unix(0, int64(d))
}

func (c *Collector) updateSummary(typ string, duration time.Duration) {
	acc, ok := c.summary[typ]
	if !ok {
		acc = &summaryAccumulator{}
		c.summary[typ] = acc
	}
	acc.count++
	acc.duration += duration
}

// PushSpan opens a new span of the given type and returns its index into the segment slice, or
// -1 if the collector is already at capacity and the caller must tolerate an untracked span.
func (c *Collector) PushSpan(typ, detail string) int {
	if len(c.segments) >= c.maxSegments {
		return -1
	}
	parent := -1
	if n := len(c.spanStack); n > 0 {
		parent = c.spanStack[n-1]
	}
	idx := len(c.segments)
	c.segments = append(c.segments, model.Segment{
		Type:        typ,
		Detail:      detail,
		Offset:      time.Since(c.requestStart),
		ParentIndex: parent,
	})
	c.durationHeap.Push(strconv.Itoa(idx), idx, durationAsTimestamp(0))
	c.spanStack = append(c.spanStack, idx)
	return idx
}

// PopSpan closes the span opened at index i, filling its duration and folding its totals into
// the summary. i == -1 is a no-op, tolerating a PushSpan that failed under capacity.
func (c *Collector) PopSpan(i int) {
	if i < 0 || i >= len(c.segments) {
		return
	}
	if n := len(c.spanStack); n > 0 && c.spanStack[n-1] == i {
		c.spanStack = c.spanStack[:n-1]
	}
	seg := &c.segments[i]
	seg.Duration = time.Since(c.requestStart) - seg.Offset
	c.updateSummary(seg.Type, seg.Duration)
}

// maybeCheckpoint fires OnCheckpoint once accumulated segment bytes cross the memory budget,
// then resets the segment/summary state while preserving open spans.
func (c *Collector) maybeCheckpoint(seg model.Segment) {
	if c.memoryLimit <= 0 || c.onCheckpoint == nil {
		return
	}
	c.bytesSinceCheckpoint += int64(len(seg.Type) + len(seg.Detail) + len(seg.Source) + 48)
	if c.bytesSinceCheckpoint < c.memoryLimit {
		return
	}

	c.checkpointN++
	snapshot := CheckpointSnapshot{
		Segments:         c.Segments(),
		Summary:          c.ToSummary(),
		CheckpointNumber: c.checkpointN,
	}
	c.onCheckpoint(snapshot)

	c.segments = nil
	c.summary = make(map[string]*summaryAccumulator)
	c.durationHeap = cache.NewMinHeap[int](c.maxSegments)
	c.bytesSinceCheckpoint = 0
	c.overflowed = false
	// Span stack intentionally survives: open spans continue accumulating after the checkpoint.
}

// ToSummary flattens the dynamic per-type accumulators into the persisted SegmentSummary shape.
func (c *Collector) ToSummary() model.SegmentSummary {
	counts := make(map[string]int64, len(c.summary))
	durations := make(map[string]time.Duration, len(c.summary))
	for typ, acc := range c.summary {
		counts[typ] = acc.count
		durations[typ] = acc.duration
	}
	return model.SegmentSummary{
		Counts:     counts,
		Durations:  durations,
		Overflowed: c.overflowed,
	}
}

// Segments returns a copy of the retained segment slice.
func (c *Collector) Segments() []model.Segment {
	out := make([]model.Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

// Release clears the collector's state; call when an operation completes and its Collector will
// not be reused.
func (c *Collector) Release() {
	c.segments = nil
	c.spanStack = nil
	c.summary = make(map[string]*summaryAccumulator)
	c.durationHeap = cache.NewMinHeap[int](c.maxSegments)
	c.overflowed = false
	c.bytesSinceCheckpoint = 0
}

// WithRoot prepends a synthetic "request" root segment and shifts every existing ParentIndex by
// +1 so orphaned segments become children of the root, used when embedding a Collector's output
// into a persisted Context.
func WithRoot(segments []model.Segment, rootDuration time.Duration) []model.Segment {
	out := make([]model.Segment, 0, len(segments)+1)
	out = append(out, model.Segment{Type: "request", Duration: rootDuration, ParentIndex: -1})
	for _, s := range segments {
		if s.ParentIndex == -1 {
			s.ParentIndex = 0
		} else {
			s.ParentIndex++
		}
		out = append(out, s)
	}
	return out
}

// FillGaps distributes an "Untracked" label across the timeline gaps between top-level tracked
// segments, used when no StackSampler is attached so a request's time is still fully accounted
// for in the rendered timeline.
func FillGaps(segments []model.Segment, totalDuration time.Duration) []model.Segment {
	if len(segments) == 0 {
		if totalDuration > 0 {
			return []model.Segment{{Type: "Untracked", Duration: totalDuration, ParentIndex: -1}}
		}
		return segments
	}

	topLevel := make([]model.Segment, 0, len(segments))
	for _, s := range segments {
		if s.ParentIndex == -1 {
			topLevel = append(topLevel, s)
		}
	}
	sortByOffset(topLevel)

	out := make([]model.Segment, 0, len(segments)+len(topLevel)+1)
	out = append(out, segments...)

	var cursor time.Duration
	for _, s := range topLevel {
		if gap := s.Offset - cursor; gap > 0 {
			out = append(out, model.Segment{Type: "Untracked", Duration: gap, Offset: cursor, ParentIndex: -1})
		}
		cursor = s.Offset + s.Duration
	}
	if tail := totalDuration - cursor; tail > 0 {
		out = append(out, model.Segment{Type: "Untracked", Duration: tail, Offset: cursor, ParentIndex: -1})
	}
	return out
}

func sortByOffset(segs []model.Segment) {
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j].Offset < segs[j-1].Offset; j-- {
			segs[j], segs[j-1] = segs[j-1], segs[j]
		}
	}
}

// captureSource walks the call stack once to find the nearest frame outside this package and the
// runtime, returning "path:line".
func captureSource() string {
	var pcs [16]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "/internal/segment/") && !strings.Contains(frame.File, "/runtime/") {
			return fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return ""
}
