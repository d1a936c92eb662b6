// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package events implements EventsPath, the counter-only pipeline for business events
// (signups, purchases, feature flags) that bypasses the Collector's request/job model entirely.
// It shares the Flusher's drain/aggregate/persist cycle but keeps its own bounded payload
// retention so high-cardinality counters don't compete with the segment-tracing hot path.
package events

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/beaconapm/beacon/internal/model"
)

// Path is the counter-event pipeline. It is safe for concurrent use.
type Path struct {
	mu sync.Mutex

	enabled           bool
	maxSamplesPerName int
	randomSampleRate  int

	events         []model.CustomEvent
	samplesPerName map[string]int
}

// New creates a Path. maxSamplesPerName bounds how many payloads are retained per event name in
// a single flush cycle (FIFO-rotated); randomSampleRate adds a 1/n long-tail chance of retaining
// a payload even after the per-name cap is reached, matching the Collector's probabilistic
// sampling tail.
func New(enabled bool, maxSamplesPerName, randomSampleRate int) *Path {
	if maxSamplesPerName <= 0 {
		maxSamplesPerName = 1
	}
	if randomSampleRate <= 0 {
		randomSampleRate = 1
	}
	return &Path{
		enabled:           enabled,
		maxSamplesPerName: maxSamplesPerName,
		randomSampleRate:  randomSampleRate,
		samplesPerName:    make(map[string]int),
	}
}

// Record appends a counter event for name. payload is retained (for later persistence as an
// EventSample) only while the per-name sample budget for this cycle isn't exhausted, or with
// probability 1/randomSampleRate afterward; every call still counts toward the event's bucket
// regardless of whether its payload survives.
func (p *Path) Record(name string, payload any) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	retain := p.samplesPerName[name] < p.maxSamplesPerName
	if retain {
		p.samplesPerName[name]++
	} else if rand.IntN(p.randomSampleRate) == 0 {
		retain = true
	}

	event := model.CustomEvent{Name: name, RecordedAt: time.Now()}
	if retain {
		event.Payload = payload
	}
	p.events = append(p.events, event)
}

// Drain atomically returns all recorded events and resets the path's per-cycle sample budget.
func (p *Path) Drain() []model.CustomEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	events := p.events
	p.events = nil
	p.samplesPerName = make(map[string]int)
	return events
}

// Len reports the number of events recorded since the last Drain.
func (p *Path) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Requeue pushes previously drained events back in, used by the Flusher when a persist attempt
// fails. Unlike Record, it does not re-apply the sampling decision — events keep whatever
// Payload retention they already had.
func (p *Path) Requeue(drained []model.CustomEvent) {
	if len(drained) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, drained...)
}
