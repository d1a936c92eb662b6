// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package aggregator groups a drained slice of events into the additive Bucket/Sample/ErrorRecord
// shapes the Flusher persists, folding duration observations into a digest.TDigest per bucket and
// grouping errors by their fingerprint.
package aggregator

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/beaconapm/beacon/internal/digest"
	"github.com/beaconapm/beacon/internal/fingerprint"
	"github.com/beaconapm/beacon/internal/model"
)

// Result is the output of one aggregation pass over a drained event batch.
type Result struct {
	Buckets      []model.Bucket
	Samples      []model.Sample
	Errors       []model.ErrorRecord
	EventBuckets []model.EventBucket
	EventSamples []model.EventSample
}

type bucketAccumulator struct {
	bucket model.Bucket
	digest *digest.TDigest
}

type errorAccumulator struct {
	record   model.ErrorRecord
	contexts [][]byte
}

// Aggregator accumulates a single flush cycle's worth of drained events.
type Aggregator struct {
	compression      float64
	maxErrorContexts int
}

// New creates an Aggregator. maxErrorContexts bounds how many context blobs are retained per
// error fingerprint in a single flush cycle.
func New(compression float64, maxErrorContexts int) *Aggregator {
	if compression <= 0 {
		compression = digest.DefaultCompression
	}
	if maxErrorContexts <= 0 {
		maxErrorContexts = 1
	}
	return &Aggregator{compression: compression, maxErrorContexts: maxErrorContexts}
}

// Aggregate partitions events into performance and counter (custom) events and folds each into
// the grouped shapes the persistence adapters expect.
func (a *Aggregator) Aggregate(events []model.Event, customEvents []model.CustomEvent) Result {
	buckets := make(map[model.BucketKey]*bucketAccumulator)
	errors := make(map[string]*errorAccumulator)
	var samples []model.Sample

	for _, e := range events {
		key := model.BucketKey{Kind: e.Kind, Target: e.Target, Operation: e.Operation, BucketStart: e.BucketStart()}
		acc, ok := buckets[key]
		if !ok {
			acc = &bucketAccumulator{
				bucket: model.Bucket{Key: key, MetadataSum: make(map[string]float64), DurationMin: e.DurationMS},
				digest: digest.New(a.compression),
			}
			buckets[key] = acc
		}
		a.foldEvent(acc, e)

		if e.SampleType != model.SampleNone {
			var fp string
			if e.IsError() {
				fp = fingerprint.Compute(string(e.Kind), e.ErrorClass, e.Backtrace)
				a.foldError(errors, fp, e)
			}
			samples = append(samples, model.Sample{
				Kind:             e.Kind,
				SampleType:       e.SampleType,
				RecordedAt:       e.StartedAt,
				Duration:         e.DurationMS,
				Context:          encodeContext(e.Context),
				BucketKey:        key,
				ErrorFingerprint: fp,
			})
		}
	}

	result := Result{Samples: samples}
	for _, acc := range buckets {
		acc.bucket.P95Digest = acc.digest.Serialize()
		result.Buckets = append(result.Buckets, acc.bucket)
	}
	for _, acc := range errors {
		acc.record.Contexts = acc.contexts
		result.Errors = append(result.Errors, acc.record)
	}

	result.EventBuckets, result.EventSamples = aggregateCustomEvents(customEvents)
	return result
}

func (a *Aggregator) foldEvent(acc *bucketAccumulator, e model.Event) {
	b := &acc.bucket
	b.Count++
	if e.IsError() {
		b.FailureCount++
	} else {
		b.SuccessCount++
	}
	b.DurationSum += e.DurationMS
	if e.DurationMS > b.DurationMax {
		b.DurationMax = e.DurationMS
	}
	if b.Count == 1 || e.DurationMS < b.DurationMin {
		b.DurationMin = e.DurationMS
	}
	for k, v := range e.Metadata {
		b.MetadataSum[k] += v
	}
	acc.digest.Add(e.DurationMS)
}

func (a *Aggregator) foldError(errors map[string]*errorAccumulator, fp string, e model.Event) {
	acc, ok := errors[fp]
	if !ok {
		acc = &errorAccumulator{
			record: model.ErrorRecord{
				Fingerprint:     fp,
				Kind:            e.Kind,
				ErrorClass:      e.ErrorClass,
				Message:         e.ErrorMessage,
				FirstOccurredAt: e.StartedAt,
				LastOccurredAt:  e.StartedAt,
				OccurrenceBuckets: model.OccurrenceHistogram{
					Minute: make(map[int64]int64),
					Hour:   make(map[int64]int64),
					Day:    make(map[int64]int64),
				},
			},
		}
		errors[fp] = acc
	}
	acc.record.OccurrencesCount++
	if e.StartedAt.After(acc.record.LastOccurredAt) {
		acc.record.LastOccurredAt = e.StartedAt
	}
	if e.StartedAt.Before(acc.record.FirstOccurredAt) {
		acc.record.FirstOccurredAt = e.StartedAt
	}

	acc.record.OccurrenceBuckets.Minute[e.StartedAt.Truncate(time.Minute).Unix()]++
	acc.record.OccurrenceBuckets.Hour[e.StartedAt.Truncate(time.Hour).Unix()]++
	acc.record.OccurrenceBuckets.Day[e.StartedAt.Truncate(24*time.Hour).Unix()]++

	if e.Context != nil && len(acc.contexts) < a.maxErrorContexts {
		acc.contexts = append(acc.contexts, encodeContext(e.Context))
	}
}

// encodeContext serializes a sampled event's context to the blob format persisted in
// Sample.Context / ErrorRecord.Contexts. A marshal failure drops the context rather than failing
// the whole aggregation pass, matching the error handling design's "context is best-effort"
// stance.
func encodeContext(ctx *model.Context) []byte {
	if ctx == nil {
		return nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}
	return data
}

// aggregateCustomEvents sums counts per (name, minute bucket) for every event, and separately
// emits an EventSample for every event whose Payload survived events.Path's retention decision
// (events.Path nils out Payload on events it chooses not to retain, so counting stays exhaustive
// while payload storage stays bounded).
func aggregateCustomEvents(events []model.CustomEvent) ([]model.EventBucket, []model.EventSample) {
	buckets := make(map[string]*model.EventBucket)
	var samples []model.EventSample
	for _, e := range events {
		bucketStart := e.RecordedAt.Truncate(time.Minute)
		key := e.Name + "|" + bucketStart.Format(time.RFC3339)
		b, ok := buckets[key]
		if !ok {
			b = &model.EventBucket{Name: e.Name, BucketStart: bucketStart}
			buckets[key] = b
		}
		b.Count++

		if e.Payload != nil {
			if payload, err := json.Marshal(e.Payload); err == nil {
				samples = append(samples, model.EventSample{
					Name:       e.Name,
					Payload:    payload,
					RecordedAt: e.RecordedAt,
				})
			}
		}
	}
	out := make([]model.EventBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	return out, samples
}
