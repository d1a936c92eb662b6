// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package flusher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beaconapm/beacon/internal/aggregator"
	"github.com/beaconapm/beacon/internal/breaker"
	"github.com/beaconapm/beacon/internal/buffer"
	"github.com/beaconapm/beacon/internal/config"
	"github.com/beaconapm/beacon/internal/events"
	"github.com/beaconapm/beacon/internal/model"
)

// fakeAdapter is an in-memory persistence.Adapter stand-in for exercising FlushCycle without a
// real database.
type fakeAdapter struct {
	mu sync.Mutex

	failPersist     bool
	persistCalls    int
	nextBucketID    int64
	buckets         []model.Bucket
	samples         []model.Sample
	errorsPersisted []model.ErrorRecord
	eventBuckets    []model.EventBucket
	eventSamples    []model.EventSample
}

func (f *fakeAdapter) PersistBuckets(ctx context.Context, buckets []model.Bucket) (map[model.BucketKey]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls++
	if f.failPersist {
		return nil, errors.New("persist failure")
	}
	ids := make(map[model.BucketKey]int64, len(buckets))
	for _, b := range buckets {
		f.buckets = append(f.buckets, b)
		f.nextBucketID++
		ids[b.Key] = f.nextBucketID
	}
	return ids, nil
}

func (f *fakeAdapter) PersistSamples(ctx context.Context, samples []model.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPersist {
		return errors.New("persist failure")
	}
	f.samples = append(f.samples, samples...)
	return nil
}

func (f *fakeAdapter) PersistErrors(ctx context.Context, errs []model.ErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPersist {
		return errors.New("persist failure")
	}
	f.errorsPersisted = append(f.errorsPersisted, errs...)
	return nil
}

func (f *fakeAdapter) PersistEventBuckets(ctx context.Context, buckets []model.EventBucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventBuckets = append(f.eventBuckets, buckets...)
	return nil
}

func (f *fakeAdapter) PersistEventSamples(ctx context.Context, samples []model.EventSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventSamples = append(f.eventSamples, samples...)
	return nil
}

func (f *fakeAdapter) Downsample(ctx context.Context, targetInterval time.Duration, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeAdapter) DeleteOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

func (f *fakeAdapter) ModuloBucketSQL(interval time.Duration) string { return "" }
func (f *fakeAdapter) Ping(ctx context.Context) error                { return nil }
func (f *fakeAdapter) Close()                                        {}

func (f *fakeAdapter) bucketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets)
}

func (f *fakeAdapter) persistedSamples() []model.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Sample, len(f.samples))
	copy(out, f.samples)
	return out
}

func newTestFlusher(adapter *fakeAdapter) (*Flusher, *buffer.Buffer, *events.Path) {
	buf := buffer.New(1 << 20)
	eventsPath := events.New(true, 10, 10)
	agg := aggregator.New(100, 10)
	cb := breaker.New(breaker.Config{Name: "test", FailureThreshold: 100, RecoveryTimeout: time.Minute})
	cfg := config.FlusherConfig{
		Interval:         time.Hour,
		RetentionPeriod:  0,
		CleanupInterval:  time.Hour,
		CleanupBatchSize: 100,
		RequeueOnFailure: true,
	}
	f := New(cfg, buf, eventsPath, agg, adapter, cb, nil)
	return f, buf, eventsPath
}

func TestFlushCycleNoopOnEmptyBuffer(t *testing.T) {
	adapter := &fakeAdapter{}
	f, _, _ := newTestFlusher(adapter)
	if err := f.FlushCycle(context.Background()); err != nil {
		t.Fatalf("FlushCycle: %v", err)
	}
	if adapter.bucketCount() != 0 {
		t.Error("expected no persist calls on an empty buffer")
	}
}

func TestFlushCyclePersistsDrainedEvents(t *testing.T) {
	adapter := &fakeAdapter{}
	f, buf, _ := newTestFlusher(adapter)

	buf.Push(model.Event{Kind: model.KindHTTP, Target: "/orders", Operation: "GET", DurationMS: 10, StartedAt: time.Now()})
	if err := f.FlushCycle(context.Background()); err != nil {
		t.Fatalf("FlushCycle: %v", err)
	}
	if adapter.bucketCount() != 1 {
		t.Errorf("bucketCount = %d, want 1", adapter.bucketCount())
	}
	if buf.Size() != 0 {
		t.Errorf("buffer should be drained, size = %d", buf.Size())
	}
}

// TestFlushCycleLinksSamplesToPersistedBucketID guards against samples reaching the adapter with
// BucketID still unset, which silently drops every sampled event's detail row.
func TestFlushCycleLinksSamplesToPersistedBucketID(t *testing.T) {
	adapter := &fakeAdapter{}
	f, buf, _ := newTestFlusher(adapter)

	buf.Push(model.Event{
		Kind: model.KindHTTP, Target: "/orders", Operation: "GET", DurationMS: 500,
		StartedAt: time.Now(), SampleType: model.SampleSlow,
	})
	if err := f.FlushCycle(context.Background()); err != nil {
		t.Fatalf("FlushCycle: %v", err)
	}

	samples := adapter.persistedSamples()
	if len(samples) != 1 {
		t.Fatalf("persisted samples = %d, want 1", len(samples))
	}
	if samples[0].BucketID == 0 {
		t.Error("expected the sample's BucketID to be resolved from the persisted bucket, got 0")
	}
}

func TestFlushCycleRequeuesOnPersistFailure(t *testing.T) {
	adapter := &fakeAdapter{failPersist: true}
	f, buf, _ := newTestFlusher(adapter)

	buf.Push(model.Event{Kind: model.KindHTTP, Target: "/orders", Operation: "GET", DurationMS: 10, StartedAt: time.Now()})
	if err := f.FlushCycle(context.Background()); err == nil {
		t.Fatal("expected FlushCycle to propagate the persist error")
	}
	if buf.Size() != 1 {
		t.Errorf("expected the drained event to be requeued, buffer size = %d", buf.Size())
	}
}

func TestFlushCycleInvokesErrorHandlerOnFailure(t *testing.T) {
	adapter := &fakeAdapter{failPersist: true}
	buf := buffer.New(1 << 20)
	eventsPath := events.New(true, 10, 10)
	agg := aggregator.New(100, 10)
	cb := breaker.New(breaker.Config{Name: "test-handler", FailureThreshold: 100, RecoveryTimeout: time.Minute})

	var handledErr error
	f := New(config.FlusherConfig{Interval: time.Hour, CleanupInterval: time.Hour, CleanupBatchSize: 100}, buf, eventsPath, agg, adapter, cb, func(err error) {
		handledErr = err
	})

	buf.Push(model.Event{Kind: model.KindHTTP, Target: "/x", DurationMS: 1, StartedAt: time.Now()})
	_ = f.FlushCycle(context.Background())
	if handledErr == nil {
		t.Error("expected errorHandler to be invoked")
	}
}

func TestFlushCycleSkipsWhenCircuitOpen(t *testing.T) {
	adapter := &fakeAdapter{}
	buf := buffer.New(1 << 20)
	eventsPath := events.New(true, 10, 10)
	agg := aggregator.New(100, 10)
	cb := breaker.New(breaker.Config{Name: "test-open", FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = cb.Execute(func() error { return errors.New("boom") }) // open the breaker

	f := New(config.FlusherConfig{Interval: time.Hour, CleanupInterval: time.Hour, CleanupBatchSize: 100}, buf, eventsPath, agg, adapter, cb, nil)
	buf.Push(model.Event{Kind: model.KindHTTP, Target: "/x", DurationMS: 1, StartedAt: time.Now()})

	if err := f.FlushCycle(context.Background()); err != nil {
		t.Fatalf("FlushCycle: %v", err)
	}
	if buf.Size() != 1 {
		t.Error("expected the buffer to remain undrained while the circuit is open")
	}
	if adapter.bucketCount() != 0 {
		t.Error("expected no persist attempt while the circuit is open")
	}
}

func TestEnsureRunningReportsSamePID(t *testing.T) {
	adapter := &fakeAdapter{}
	f, _, _ := newTestFlusher(adapter)
	if !f.EnsureRunning() {
		t.Error("expected EnsureRunning to be true in the same process that created the Flusher")
	}
}
