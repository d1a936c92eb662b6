// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package model defines the in-memory and persisted data shapes shared across the telemetry
// core: the Event produced by the Collector, the Bucket/Sample/ErrorRecord persisted by the
// Flusher, and the counter-style CustomEvent/EventBucket/EventSample family used by EventsPath.
package model

import "time"

// Kind identifies the origin of an instrumented operation.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindJob    Kind = "job"
	KindCustom Kind = "custom"
)

// SampleType identifies why an event was selected for detailed retention.
type SampleType string

const (
	SampleNone   SampleType = ""
	SampleSlow   SampleType = "slow"
	SampleError  SampleType = "error"
	SampleRandom SampleType = "random"
)

// Segment is one sub-operation inside a request: a SQL query, a view render, an outbound call, or
// a user-defined span.
type Segment struct {
	Type        string
	Duration    time.Duration
	Detail      string
	Offset      time.Duration // start offset relative to the request start
	Source      string        // "path:line", only set when Duration exceeds segment_source_threshold
	ParentIndex int           // -1 if it has no parent
}

// SegmentSummary aggregates segment counts/durations by type, e.g. "sql_count"/"sql_duration".
type SegmentSummary struct {
	Counts    map[string]int64
	Durations map[string]time.Duration
	Overflowed bool
}

// Context is the structured detail attached to a sampled event: request parameters (already
// scrubbed), the segment tree, and summary counters.
type Context struct {
	Params   map[string]string
	Segments []Segment
	Summary  SegmentSummary
	Partial  bool // true for a checkpoint emitted mid-request
}

// Event is the normalized unit the Collector emits to the Buffer.
type Event struct {
	Kind       Kind
	Target     string
	Operation  string
	DurationMS float64
	StartedAt  time.Time
	Status     *int
	Metadata   map[string]float64
	Context    *Context
	SampleType SampleType

	ErrorClass   string
	ErrorMessage string
	Backtrace    []string

	// EstimatedBytes is computed by the Buffer at Push time and never mutated afterward.
	EstimatedBytes int64
}

// BucketStart truncates StartedAt to the base granularity (1 minute).
func (e Event) BucketStart() time.Time {
	return e.StartedAt.Truncate(time.Minute)
}

// IsError reports whether the event carries captured exception detail.
func (e Event) IsError() bool {
	return e.ErrorClass != ""
}

// CustomEvent is a business-event counter payload. Payload is never aggregated, only retained as
// samples.
type CustomEvent struct {
	Name       string
	Payload    any
	RecordedAt time.Time
}

// BucketKey uniquely identifies a persisted Bucket.
type BucketKey struct {
	Kind        Kind
	Target      string
	Operation   string
	BucketStart time.Time
}

// Bucket is a persisted additive aggregate over a time window and operation identity.
type Bucket struct {
	ID           int64
	Key          BucketKey
	Count        int64
	SuccessCount int64
	FailureCount int64
	DurationSum  float64
	DurationMax  float64
	DurationMin  float64
	MetadataSum  map[string]float64
	P95Digest    []byte
}

// Validate checks the bucket invariants named in the spec's testable properties.
func (b Bucket) Validate() error {
	if b.SuccessCount+b.FailureCount != b.Count {
		return errInvariant("success_count + failure_count != count")
	}
	if b.Count > 0 {
		avg := b.DurationSum / float64(b.Count)
		if avg < b.DurationMin-1e-6 || avg > b.DurationMax+1e-6 {
			return errInvariant("duration_min <= avg <= duration_max violated")
		}
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "model: invariant violated: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }

// Sample is a persisted detail row foreign-keyed to a Bucket.
type Sample struct {
	ID         int64
	BucketID   int64
	Kind       Kind
	SampleType SampleType
	RecordedAt time.Time
	Duration   float64
	Context    []byte // serialized Context
	// BucketKey identifies the owning bucket before it has a persisted row ID. The Flusher
	// resolves it to BucketID from PersistBuckets's return value; it is never itself persisted.
	BucketKey        BucketKey
	ErrorFingerprint string
}

// ErrorRecord is a persisted error group, unique by Fingerprint.
type ErrorRecord struct {
	ID                int64
	Fingerprint       string
	Kind              Kind
	ErrorClass        string
	Message           string
	OccurrencesCount  int64
	FirstOccurredAt   time.Time
	LastOccurredAt    time.Time
	Contexts          [][]byte // bounded ring, newest last
	OccurrenceBuckets OccurrenceHistogram
	ResolvedAt        *time.Time
}

// OccurrenceHistogram is the multi-resolution minute/hour/day occurrence count, retained per the
// 48h/90d/2y tiers.
type OccurrenceHistogram struct {
	Minute map[int64]int64 `json:"m"`
	Hour   map[int64]int64 `json:"h"`
	Day    map[int64]int64 `json:"d"`
}

// EventBucket is a counter bucket unique by (Name, BucketStart).
type EventBucket struct {
	ID          int64
	Name        string
	BucketStart time.Time
	Count       int64
}

// EventSample is a sample row for the counter pipeline, rotated per-name.
type EventSample struct {
	ID         int64
	Name       string
	Payload    []byte
	RecordedAt time.Time
}
