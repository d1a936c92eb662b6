// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package breaker wraps the persistence layer in a circuit breaker so a degraded or unreachable
// host database cannot turn into unbounded memory growth or request-path latency: once the
// breaker opens, FlushCycle skips the persist step and leaves events in the buffer for the next
// attempt instead of blocking on a database that will not answer.
package breaker

import (
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/beaconapm/beacon/internal/logging"
	"github.com/beaconapm/beacon/internal/metrics"
)

// Config tunes the persistence circuit breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// CircuitBreaker wraps gobreaker with the state-change metrics/logging wiring shared across the
// telemetry core's own failure-handling paths.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker[interface{}]
	name string
}

// New constructs a CircuitBreaker that opens once ConsecutiveFailures reaches cfg.FailureThreshold
// and waits cfg.RecoveryTimeout before probing again in the half-open state.
func New(cfg Config) *CircuitBreaker {
	name := cfg.Name
	if name == "" {
		name = "persistence"
	}

	metrics.CircuitState.Set(metrics.StateClosed)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("persistence circuit breaker state change")

			metrics.CircuitState.Set(stateToGauge(to))
			if to == gobreaker.StateOpen {
				metrics.CircuitOpens.Inc()
			}
		},
	})

	return &CircuitBreaker{cb: cb, name: name}
}

// Execute runs fn through the breaker. ErrOpenState/ErrTooManyRequests are returned unwrapped so
// callers can distinguish "breaker refused" from "persist failed".
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State reports the current breaker state as a string ("closed", "half-open", "open").
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (b *CircuitBreaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func stateToGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return metrics.StateClosed
	case gobreaker.StateHalfOpen:
		return metrics.StateHalfOpen
	case gobreaker.StateOpen:
		return metrics.StateOpen
	default:
		return metrics.StateClosed
	}
}
