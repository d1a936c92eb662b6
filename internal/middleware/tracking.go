// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/beaconapm/beacon/internal/collector"
	"github.com/beaconapm/beacon/internal/segment"
)

// Tracking binds the telemetry core's Collector to an HTTP handler chain: it times the request,
// captures its status code, and feeds one collector.Input to c.ProcessHTTP when the handler
// returns. When c judges the route eligible for a sample it attaches a segment.Collector to the
// request context first, so SQL/view/cache/outbound-call subscribers further down the chain have
// somewhere to record their segments; ineligible requests skip that allocation entirely.
func Tracking(c *collector.Collector, maxSegments int, sourceThreshold time.Duration, memoryLimit int64) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			target := routeTarget(r)

			var sc *segment.Collector
			if c.Eligible(target) {
				sc = segment.New(maxSegments, sourceThreshold, memoryLimit)
				r = r.WithContext(segment.WithContext(r.Context(), sc))
			}

			wrapper := &trackingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next(wrapper, r)

			status := wrapper.statusCode
			c.ProcessHTTP(collector.Input{
				Target:    target,
				Operation: r.Method,
				StartedAt: start,
				Duration:  time.Since(start),
				Status:    &status,
				Segments:  sc,
			})
		}
	}
}

// routeTarget prefers the chi route pattern ("/users/{id}") over the raw URL path so requests to
// the same endpoint with different path parameters aggregate into one bucket.
func routeTarget(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// trackingResponseWriter wraps http.ResponseWriter to capture the status code the handler wrote,
// defaulting to 200 for handlers that never call WriteHeader explicitly.
type trackingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *trackingResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
