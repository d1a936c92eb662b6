// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package collector is the language-neutral entry point instrumentation calls into: it normalizes
// identifiers, filters ignored targets, makes the early sampling decision, and — only when an
// event is actually sampled — builds the request context before handing an Event to the buffer.
package collector

import (
	"math/rand/v2"
	"time"

	"github.com/beaconapm/beacon/internal/buffer"
	"github.com/beaconapm/beacon/internal/cache"
	"github.com/beaconapm/beacon/internal/model"
	"github.com/beaconapm/beacon/internal/segment"
)

// Config mirrors config.CollectorConfig, kept narrow so this package doesn't import the config
// package directly (it is constructed once at startup by internal/lifecycle).
type Config struct {
	SlowThreshold                 time.Duration
	SlowThresholdPerKind          map[string]time.Duration
	RandomSampleRate              int
	MaxRandomSamplesPerEndpoint   int
	MaxSlowSamplesPerEndpoint     int
	MaxErrorSamplesPerFingerprint int
	IgnoredTargets                []string
	FilterParameters              []string
}

// ParamFilter scrubs sensitive request parameters before they are retained in a sample's context.
// The default redacts any key in the configured FilterParameters list.
type ParamFilter func(params map[string]string) map[string]string

// Input describes one completed operation, built by the caller (an HTTP middleware, a job
// wrapper, or a direct ProcessCustom call) from whatever language-specific request object it has.
type Input struct {
	Kind       model.Kind
	Target     string
	Operation  string
	StartedAt  time.Time
	Duration   time.Duration
	Status     *int
	ErrorClass string
	ErrorMsg   string
	Backtrace  []string
	Metadata   map[string]float64
	Params     map[string]string
	Segments   *segment.Collector
}

// Collector decides which operations to sample and builds their detailed context.
type Collector struct {
	cfg    Config
	buf    *buffer.Buffer
	ignore *ignoreMatcher

	randomSamples *cache.LRUCache // endpoint -> last filling-phase random-sample time (recorded only)
	promoted      *cache.LRUCache // endpoint -> time the one-shot force-instrument flag was set

	paramFilter ParamFilter

	endpointRandomCounts map[string]int
}

// New constructs a Collector writing accepted events to buf.
func New(cfg Config, buf *buffer.Buffer) *Collector {
	return &Collector{
		cfg:                  cfg,
		buf:                  buf,
		ignore:               newIgnoreMatcher(cfg.IgnoredTargets),
		randomSamples:        cache.NewLRUCache(4096, 24*time.Hour),
		promoted:             cache.NewLRUCache(4096, time.Hour),
		paramFilter:          defaultParamFilter(cfg.FilterParameters),
		endpointRandomCounts: make(map[string]int),
	}
}

func defaultParamFilter(blocked []string) ParamFilter {
	set := make(map[string]struct{}, len(blocked))
	for _, k := range blocked {
		set[k] = struct{}{}
	}
	return func(params map[string]string) map[string]string {
		if len(params) == 0 {
			return params
		}
		out := make(map[string]string, len(params))
		for k, v := range params {
			if _, blocked := set[k]; blocked {
				out[k] = "[FILTERED]"
				continue
			}
			out[k] = v
		}
		return out
	}
}

// ProcessHTTP records one completed HTTP request.
func (c *Collector) ProcessHTTP(in Input) {
	in.Kind = model.KindHTTP
	c.process(in)
}

// ProcessJob records one completed background job execution.
func (c *Collector) ProcessJob(in Input) {
	in.Kind = model.KindJob
	c.process(in)
}

// ProcessCustom records one completed operation of caller-defined shape, bypassing HTTP/job
// specific normalization.
func (c *Collector) ProcessCustom(in Input) {
	in.Kind = model.KindCustom
	c.process(in)
}

func (c *Collector) process(in Input) {
	target := normalize(in.Target)
	operation := normalize(in.Operation)
	if c.ignore.Matches(target) {
		return
	}

	isError := in.ErrorClass != ""
	sampleType := c.earlySample(in.Kind, target, in.Duration, isError)
	if in.Segments == nil {
		c.trackSlowSpike(in.Kind, target, in.Duration, isError)
	}

	event := model.Event{
		Kind:         in.Kind,
		Target:       target,
		Operation:    operation,
		DurationMS:   float64(in.Duration.Microseconds()) / 1000.0,
		StartedAt:    in.StartedAt,
		Status:       in.Status,
		Metadata:     in.Metadata,
		SampleType:   sampleType,
		ErrorClass:   in.ErrorClass,
		ErrorMessage: in.ErrorMsg,
		Backtrace:    in.Backtrace,
	}

	if sampleType != model.SampleNone {
		event.Context = c.buildContext(in)
	}

	c.buf.Push(event)
}

// Eligible reports whether target is worth materializing a segment.Collector for before an
// operation even starts, so TrackRequest can skip the allocation for most calls. It mirrors
// earlySample's promoted/filling-phase/random-tail heuristic but without duration or error
// information, which are only known once the operation completes; the authoritative sampling
// decision still happens in process via earlySample regardless of what Eligible returned.
func (c *Collector) Eligible(target string) bool {
	target = normalize(target)
	if c.ignore.Matches(target) {
		return false
	}
	if c.promoted.Contains(target) {
		return true
	}
	if c.endpointRandomCounts[target] < c.cfg.MaxRandomSamplesPerEndpoint {
		return true
	}
	rate := c.cfg.RandomSampleRate
	if rate <= 0 {
		rate = 1
	}
	return rand.IntN(rate) == 0
}

// Checkpoint pushes a partial event straight to the buffer, bypassing the normal sampling
// decision: a checkpoint is only emitted for an operation TrackRequest already decided to track,
// so there is no fresh duration/error verdict to make. Used for long-running operations whose
// segment.Collector hit its memory budget mid-flight.
func (c *Collector) Checkpoint(kind model.Kind, target, operation string, snapshot segment.CheckpointSnapshot) {
	c.buf.Push(model.Event{
		Kind:       kind,
		Target:     normalize(target),
		Operation:  normalize(operation),
		StartedAt:  time.Now(),
		SampleType: model.SampleRandom,
		Context: &model.Context{
			Segments: snapshot.Segments,
			Summary:  snapshot.Summary,
			Partial:  true,
		},
	})
}

// earlySample decides SampleType before any context is built, so non-sampled events never pay
// the cost of segment collapsing or parameter scrubbing.
func (c *Collector) earlySample(kind model.Kind, target string, duration time.Duration, isError bool) model.SampleType {
	if isError {
		return model.SampleError
	}
	if duration >= c.slowThresholdFor(kind) {
		return model.SampleSlow
	}
	if c.promoted.Contains(target) {
		c.promoted.Remove(target) // one-shot
		return model.SampleRandom
	}

	count := c.endpointRandomCounts[target]
	if count < c.cfg.MaxRandomSamplesPerEndpoint {
		c.endpointRandomCounts[target] = count + 1
		c.randomSamples.Add(target, time.Now())
		return model.SampleRandom
	}

	rate := c.cfg.RandomSampleRate
	if rate <= 0 {
		rate = 1
	}
	if rand.IntN(rate) == 0 {
		return model.SampleRandom
	}
	return model.SampleNone
}

// slowThresholdFor looks up the configured cutoff for kind (http/job/custom), falling back to the
// single global SlowThreshold when no per-kind override is configured.
func (c *Collector) slowThresholdFor(kind model.Kind) time.Duration {
	if per, ok := c.cfg.SlowThresholdPerKind[string(kind)]; ok {
		return per
	}
	return c.cfg.SlowThreshold
}

// trackSlowSpike flags the given endpoint for one-shot forced instrumentation on its next request
// when an un-instrumented call turns out slow or errored.
func (c *Collector) trackSlowSpike(kind model.Kind, target string, duration time.Duration, isError bool) {
	if isError || duration >= c.slowThresholdFor(kind) {
		c.promoted.Add(target, time.Now())
	}
}

// buildContext assembles the sampled-event detail: scrubbed parameters, the segment tree (with a
// synthetic root and, where applicable, a middleware-overhead segment), and near-zero-duration
// wrapper-span collapsing.
func (c *Collector) buildContext(in Input) *model.Context {
	ctx := &model.Context{
		Params: c.paramFilter(in.Params),
	}

	if in.Segments == nil {
		ctx.Summary = model.SegmentSummary{}
		return ctx
	}

	segs := in.Segments.Segments()
	segs = collapseWrapperSpans(segs)

	if n := len(segs); n > 0 {
		firstStart := segs[0].Offset
		if firstStart > time.Millisecond {
			segs = append([]model.Segment{{
				Type:     "middleware",
				Duration: firstStart,
			}}, segs...)
			for i := 1; i < len(segs); i++ {
				if segs[i].ParentIndex >= 0 {
					segs[i].ParentIndex++
				}
			}
		}
	}

	ctx.Segments = segment.WithRoot(segs, in.Duration)
	ctx.Summary = in.Segments.ToSummary()

	if in.ErrorClass != "" {
		ctx.Segments = append(ctx.Segments, model.Segment{
			Type:   "error",
			Detail: in.ErrorClass,
		})
	}
	return ctx
}

// collapseWrapperSpans removes near-zero-duration "code" segments that merely wrap a single child
// span, re-parenting that child and re-indexing everything after it.
func collapseWrapperSpans(segs []model.Segment) []model.Segment {
	const negligible = 10 * time.Microsecond

	changed := true
	for changed {
		changed = false
		for i, s := range segs {
			if s.Type != "code" || s.Duration > negligible {
				continue
			}
			children := childIndices(segs, i)
			if len(children) != 1 {
				continue
			}
			segs = removeAndReparent(segs, i, children[0])
			changed = true
			break
		}
	}
	return segs
}

func childIndices(segs []model.Segment, parent int) []int {
	var out []int
	for i, s := range segs {
		if s.ParentIndex == parent {
			out = append(out, i)
		}
	}
	return out
}

// removeAndReparent deletes segment at idx, re-parenting its single child onto idx's own parent
// and fixing up every ParentIndex reference shifted by the deletion.
func removeAndReparent(segs []model.Segment, idx, child int) []model.Segment {
	grandparent := segs[idx].ParentIndex
	segs[child].ParentIndex = grandparent

	out := make([]model.Segment, 0, len(segs)-1)
	for i, s := range segs {
		if i == idx {
			continue
		}
		if s.ParentIndex > idx {
			s.ParentIndex--
		}
		out = append(out, s)
	}
	return out
}

func normalize(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
