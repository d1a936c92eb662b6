// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package span is the user-facing instrumentation surface: four shapes (Trace, StartTrace/Finish,
// WithSpan, TrackRequest) that all degrade gracefully to a standalone custom event when called
// outside an active segment.Collector, so callers never need to check "am I inside a request"
// before instrumenting something.
package span

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/beaconapm/beacon/internal/collector"
	"github.com/beaconapm/beacon/internal/logging"
	"github.com/beaconapm/beacon/internal/model"
	"github.com/beaconapm/beacon/internal/segment"
)

// Tracer is the entry point for all four span shapes. It is safe for concurrent use and is
// typically constructed once at startup and threaded through the host application (or stashed in
// a package-level variable by the integration shim that owns process wiring).
type Tracer struct {
	collector *collector.Collector

	maxSegments     int
	sourceThreshold time.Duration
	memoryLimit     int64
}

// New creates a Tracer that records standalone events through c and, for TrackRequest, builds
// segment.Collectors with the given per-request capacity settings.
func New(c *collector.Collector, maxSegments int, sourceThreshold time.Duration, memoryLimit int64) *Tracer {
	return &Tracer{
		collector:       c,
		maxSegments:     maxSegments,
		sourceThreshold: sourceThreshold,
		memoryLimit:     memoryLimit,
	}
}

// Trace runs fn as a span named name. If ctx carries an active segment.Collector, it becomes a
// nested span; otherwise it is recorded as a standalone custom-kind event. The user's error is
// always returned, and duration is always recorded regardless of outcome.
func (t *Tracer) Trace(ctx context.Context, name string, metadata map[string]float64, fn func(context.Context) error) error {
	if sc, ok := segment.FromContext(ctx); ok {
		idx := sc.PushSpan("custom", name)
		err := fn(ctx)
		sc.PopSpan(idx)
		return err
	}

	start := time.Now()
	err := fn(ctx)
	in := collector.Input{
		Target:    name,
		Operation: name,
		StartedAt: start,
		Duration:  time.Since(start),
		Metadata:  metadata,
	}
	if err != nil {
		in.ErrorClass = "error"
		in.ErrorMsg = err.Error()
	}
	t.collector.ProcessCustom(in)
	return err
}

// WithSpan is Trace without a metadata map, for the common case of a manually nested span whose
// parent linkage comes entirely from the current span stack.
func (t *Tracer) WithSpan(ctx context.Context, name string, fn func(context.Context) error) error {
	return t.Trace(ctx, name, nil, fn)
}

// Span is a manually-managed open span returned by StartTrace.
type Span struct {
	tracer *Tracer
	name   string
	start  time.Time

	collector *segment.Collector // non-nil if this span nested into an active segment tree
	index     int

	finished atomic.Bool
}

// StartTrace opens a span named name, returning it for a later, manual Finish call. If ctx
// carries an active segment.Collector the span nests into it; otherwise Finish records a
// standalone custom event.
func (t *Tracer) StartTrace(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{tracer: t, name: name, start: time.Now(), index: -1}
	if sc, ok := segment.FromContext(ctx); ok {
		s.collector = sc
		s.index = sc.PushSpan("custom", name)
	}
	return ctx, s
}

// Finish closes the span, recording its duration and err. A second Finish call is a no-op, logged
// once at debug level — instrumentation code that double-closes a span should not crash the host
// application over it.
func (s *Span) Finish(err error) {
	if !s.finished.CompareAndSwap(false, true) {
		logging.Debug().Str("span", s.name).Msg("span: Finish called more than once, ignoring")
		return
	}

	if s.collector != nil {
		s.collector.PopSpan(s.index)
		return
	}

	in := collector.Input{
		Target:    s.name,
		Operation: s.name,
		StartedAt: s.start,
		Duration:  time.Since(s.start),
	}
	if err != nil {
		in.ErrorClass = "error"
		in.ErrorMsg = err.Error()
	}
	s.tracer.collector.ProcessCustom(in)
}

// TrackRequest wraps an arbitrary non-HTTP operation (a webhook handler, a scheduled task) with
// pre-sampling: a segment.Collector is only materialized when the Collector judges the target
// eligible for a sample, so the common case of an untracked call pays no allocation cost. Eligible
// operations get a checkpoint callback so a pathological long-running call still emits partial
// events instead of silently exceeding its memory budget with nothing persisted.
func (t *Tracer) TrackRequest(ctx context.Context, kind model.Kind, target, operation string, fn func(context.Context) error) error {
	start := time.Now()

	if !t.collector.Eligible(target) {
		err := fn(ctx)
		in := collector.Input{Target: target, Operation: operation, StartedAt: start, Duration: time.Since(start)}
		if err != nil {
			in.ErrorClass = "error"
			in.ErrorMsg = err.Error()
		}
		switch kind {
		case model.KindJob:
			t.collector.ProcessJob(in)
		default:
			t.collector.ProcessCustom(in)
		}
		return err
	}

	sc := segment.New(t.maxSegments, t.sourceThreshold, t.memoryLimit)
	sc.SetOnCheckpoint(func(snapshot segment.CheckpointSnapshot) {
		t.collector.Checkpoint(kind, target, operation, snapshot)
	})
	defer sc.Release()

	tracedCtx := segment.WithContext(ctx, sc)
	err := fn(tracedCtx)

	in := collector.Input{
		Target:    target,
		Operation: operation,
		StartedAt: start,
		Duration:  time.Since(start),
		Segments:  sc,
	}
	if err != nil {
		in.ErrorClass = "error"
		in.ErrorMsg = err.Error()
	}
	switch kind {
	case model.KindJob:
		t.collector.ProcessJob(in)
	default:
		t.collector.ProcessCustom(in)
	}
	return err
}
