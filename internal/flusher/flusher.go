// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package flusher implements the periodic drain -> aggregate -> persist -> prune cycle that
// moves telemetry out of the in-memory Buffer and into the host's database. Exactly one Flusher
// runs per OS process; it is supervised by a thejerf/suture tree so a panic mid-cycle restarts
// the scheduler with backoff instead of crashing the host application.
package flusher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/beaconapm/beacon/internal/aggregator"
	"github.com/beaconapm/beacon/internal/apperr"
	"github.com/beaconapm/beacon/internal/breaker"
	"github.com/beaconapm/beacon/internal/buffer"
	"github.com/beaconapm/beacon/internal/config"
	"github.com/beaconapm/beacon/internal/events"
	"github.com/beaconapm/beacon/internal/logging"
	"github.com/beaconapm/beacon/internal/metrics"
	"github.com/beaconapm/beacon/internal/model"
	"github.com/beaconapm/beacon/internal/persistence"
)

// Flusher owns the background flush/maintenance schedule.
type Flusher struct {
	cfg          config.FlusherConfig
	buf          *buffer.Buffer
	eventsPath   *events.Path
	aggregator   *aggregator.Aggregator
	adapter      persistence.Adapter
	circuit      *breaker.CircuitBreaker
	errorHandler func(error)

	lastMaintenance time.Time
	startPID        atomic.Int32

	emergency chan struct{}
}

// New creates a Flusher. errorHandler receives every persist/maintenance failure; it may be nil,
// in which case failures are only logged.
func New(cfg config.FlusherConfig, buf *buffer.Buffer, eventsPath *events.Path, agg *aggregator.Aggregator, adapter persistence.Adapter, circuit *breaker.CircuitBreaker, errorHandler func(error)) *Flusher {
	f := &Flusher{
		cfg:          cfg,
		buf:          buf,
		eventsPath:   eventsPath,
		aggregator:   agg,
		adapter:      adapter,
		circuit:      circuit,
		errorHandler: errorHandler,
		emergency:    make(chan struct{}, 1),
	}
	f.startPID.Store(int32(os.Getpid()))
	buf.SetFlushSignal(f.signalEmergencyFlush)
	return f
}

// signalEmergencyFlush is invoked by Buffer.Push whenever a push finds the buffer over its soft
// cap; it must not block, so it only nudges a buffered channel the scheduling loop selects on.
func (f *Flusher) signalEmergencyFlush() {
	select {
	case f.emergency <- struct{}{}:
	default:
	}
}

// Serve implements suture.Service: it runs the flush schedule until ctx is canceled.
func (f *Flusher) Serve(ctx context.Context) error {
	timer := time.NewTimer(f.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			f.finalFlush(context.Background())
			return ctx.Err()
		case <-f.emergency:
			if err := f.FlushCycle(ctx); err != nil {
				logging.Warn().Err(err).Msg("flusher: emergency flush cycle failed")
			}
		case <-timer.C:
			if err := f.FlushCycle(ctx); err != nil {
				logging.Warn().Err(err).Msg("flusher: scheduled flush cycle failed")
			}
			timer.Reset(f.nextInterval())
		}
	}
}

// String implements fmt.Stringer for suture's log output.
func (f *Flusher) String() string { return "flusher" }

// nextInterval applies a random offset in [-jitter, +jitter] around the base interval; reset each
// cycle (never a time.Ticker) so consecutive cycles don't settle into lockstep with other
// background work.
func (f *Flusher) nextInterval() time.Duration {
	if f.cfg.Jitter <= 0 {
		return f.cfg.Interval
	}
	jitter := time.Duration(rand.Int64N(2*int64(f.cfg.Jitter)+1)) - f.cfg.Jitter
	return f.cfg.Interval + jitter
}

// finalFlush runs one last best-effort cycle during shutdown, bounded by the caller's timeout.
func (f *Flusher) finalFlush(ctx context.Context) {
	if err := f.FlushCycle(ctx); err != nil {
		logging.Warn().Err(err).Msg("flusher: final flush on shutdown failed")
	}
}

// FlushCycle drains the buffer and events path, aggregates, and persists within one circuit
// breaker call. An empty buffer is a no-op. On persist failure, when RequeueOnFailure is set,
// drained events are pushed back into the buffer (subject to its normal hard cap, so overflow is
// dropped rather than retried forever); otherwise they are discarded. Either way the error is
// forwarded to errorHandler.
func (f *Flusher) FlushCycle(ctx context.Context) error {
	if f.circuit.IsOpen() {
		return nil
	}

	drained := f.buf.Drain()
	customDrained := f.eventsPath.Drain()
	if len(drained) == 0 && len(customDrained) == 0 {
		return nil
	}

	start := time.Now()
	result := f.aggregator.Aggregate(drained, customDrained)

	err := f.circuit.Execute(func() error {
		if err := f.persist(ctx, result); err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrPersistFailure, err)
		}
		return nil
	})
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FlushFailures.Inc()
		if f.cfg.RequeueOnFailure {
			f.requeue(drained, customDrained)
			metrics.EventsRequeued.Add(float64(len(drained) + len(customDrained)))
		}
		if f.errorHandler != nil {
			f.errorHandler(err)
		}
		return err
	}

	metrics.Flushes.Inc()
	return f.maybeRunMaintenance(ctx)
}

// persist writes one aggregation Result through the adapter in bucket -> sample -> error ->
// event order, matching the foreign-key dependency between buckets and their samples. Samples are
// linked to their owning bucket's persisted row ID via the map PersistBuckets returns; a sample
// whose bucket key isn't found is logged and left for PersistSamples's own zero-BucketID guard to
// skip, rather than failing the whole cycle.
func (f *Flusher) persist(ctx context.Context, result aggregator.Result) error {
	bucketIDs, err := f.adapter.PersistBuckets(ctx, result.Buckets)
	if err != nil {
		return err
	}
	for i := range result.Samples {
		id, ok := bucketIDs[result.Samples[i].BucketKey]
		if !ok {
			logging.Warn().Err(apperr.ErrSampleBucketMissing).
				Str("kind", string(result.Samples[i].Kind)).
				Msg("flusher: sample references bucket missing from this cycle's persist result")
			continue
		}
		result.Samples[i].BucketID = id
	}
	if err := f.adapter.PersistSamples(ctx, result.Samples); err != nil {
		return err
	}
	if err := f.adapter.PersistErrors(ctx, result.Errors); err != nil {
		return err
	}
	if err := f.adapter.PersistEventBuckets(ctx, result.EventBuckets); err != nil {
		return err
	}
	return f.adapter.PersistEventSamples(ctx, result.EventSamples)
}

// requeue pushes drained events back into the live buffer once after a failed cycle, respecting
// the buffer's normal hard cap (overflow is dropped, not retried forever).
func (f *Flusher) requeue(drained []model.Event, customDrained []model.CustomEvent) {
	for _, e := range drained {
		f.buf.Push(e)
	}
	f.eventsPath.Requeue(customDrained)
}

func (f *Flusher) maybeRunMaintenance(ctx context.Context) error {
	if time.Since(f.lastMaintenance) < f.cfg.CleanupInterval {
		return nil
	}
	f.lastMaintenance = time.Now()

	if err := runDownsampleTiers(ctx, f.adapter, f.cfg.DownsampleTiers); err != nil {
		logging.Warn().Err(err).Msg("flusher: downsampling failed")
		if f.errorHandler != nil {
			f.errorHandler(err)
		}
	}
	if err := runRetention(ctx, f.adapter, f.cfg.RetentionPeriod, f.cfg.CleanupBatchSize); err != nil {
		logging.Warn().Err(err).Msg("flusher: retention failed")
		if f.errorHandler != nil {
			f.errorHandler(err)
		}
	}
	return nil
}

// EnsureRunning compares the PID recorded at (re)start against the live process ID. A mismatch
// means the process forked (e.g. under a preforking server) and this Flusher's scheduling
// goroutine died with the parent. On a mismatch the live PID is swapped in with a single
// compare-and-swap: only the caller whose swap succeeds gets false and re-adds a fresh Flusher to
// its supervisor; concurrent callers after the same fork get true. It never restarts the Buffer,
// which is plain memory and survives a fork untouched.
func (f *Flusher) EnsureRunning() bool {
	pid := int32(os.Getpid())
	recorded := f.startPID.Load()
	if recorded == pid {
		return true
	}
	return !f.startPID.CompareAndSwap(recorded, pid)
}
