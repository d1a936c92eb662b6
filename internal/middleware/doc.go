// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

/*
Package middleware provides HTTP middleware for hosts embedding the telemetry core into their
own request-handling chain.

Key Components:

  - Tracking: binds a collector.Collector to the request lifecycle, recording duration, status,
    and (for eligible routes) a full segment tree
  - Compression: gzip compression for every response to a client that accepts gzip
  - Request ID: UUID-based request tracking, propagated through context for correlated logging

Middleware Stack:

A typical host stack wraps these outside-in, so request ID and compression wrap the tracked
handler rather than the other way around:

	http.HandleFunc("/api/v1/endpoint",
	    middleware.RequestID(
	        middleware.Compression(
	            middleware.Tracking(core.Collector(), maxSegments, sourceThreshold, memoryLimit)(
	                handler,
	            ),
	        ),
	    ),
	)

Usage Example - Tracking:

	tracking := middleware.Tracking(core.Collector(), 64, 50*time.Millisecond, 2<<20)
	http.HandleFunc("/api/v1/data", tracking(handler))

	// Ineligible routes record duration/status only; eligible routes additionally carry a
	// segment.Collector in the request context for downstream SQL/cache/outbound subscribers.

Usage Example - Compression:

	http.HandleFunc("/api/v1/data", middleware.Compression(handler))

Usage Example - Request ID:

	http.HandleFunc("/api/v1/logs", middleware.RequestID(handler))

	func handler(w http.ResponseWriter, r *http.Request) {
	    requestID := middleware.GetRequestID(r.Context())
	    log.Printf("[%s] processing request", requestID)
	}

Thread Safety:

All middleware components are safe for concurrent use: Tracking reads only through
Collector's own synchronization, Compression pools per-request gzip writers, and Request ID
relies on context.Context's immutability.
*/
package middleware
