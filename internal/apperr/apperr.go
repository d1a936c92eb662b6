// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package apperr defines the sentinel error kinds the telemetry core uses internally. None of
// these ever propagate to a request goroutine: the Buffer and Flusher absorb them and forward to
// the configured ErrorHandler.
package apperr

import "errors"

var (
	// ErrBufferDropped marks an event rejected by the buffer's hard cap. Observed only via the
	// dropped_events counter, never returned to a caller.
	ErrBufferDropped = errors.New("beacon: event dropped by buffer hard cap")

	// ErrAdapterUnsupported marks a persistence adapter name that has no registered implementation.
	// Fatal at startup.
	ErrAdapterUnsupported = errors.New("beacon: unsupported persistence adapter")

	// ErrPersistFailure wraps any failure during a flush cycle's persistence step. Routed to the
	// circuit breaker and, when re-queue on failure is enabled, triggers a single re-queue attempt
	// of the drained events.
	ErrPersistFailure = errors.New("beacon: persist failure")

	// ErrCircuitOpen marks a flush cycle skipped because the circuit breaker is open. Counted,
	// never logged per-occurrence.
	ErrCircuitOpen = errors.New("beacon: circuit breaker open")

	// ErrDigestCorrupt marks a TDigest that failed to deserialize. digest.MergeSerialized treats
	// such an input as an empty digest; the corruption is not logged.
	ErrDigestCorrupt = errors.New("beacon: digest deserialization failed")

	// ErrSampleBucketMissing marks a sample whose owning bucket was not found during persistence.
	// The row is skipped; the batch is not failed.
	ErrSampleBucketMissing = errors.New("beacon: sample references missing bucket")

	// ErrSerialization marks a transient serialization/deadlock conflict from the database. It
	// surfaces to the Flusher as ErrPersistFailure after retries are exhausted.
	ErrSerialization = errors.New("beacon: serialization conflict")
)
