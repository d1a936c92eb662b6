// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package events

import "testing"

func TestRecordDisabledIsNoop(t *testing.T) {
	p := New(false, 5, 10)
	p.Record("signup", map[string]string{"plan": "pro"})
	if p.Len() != 0 {
		t.Fatalf("len = %d, want 0 when disabled", p.Len())
	}
}

func TestRecordCountsEveryCallRegardlessOfPayloadRetention(t *testing.T) {
	p := New(true, 1, 1_000_000) // effectively no random tail
	for i := 0; i < 5; i++ {
		p.Record("signup", i)
	}
	if p.Len() != 5 {
		t.Fatalf("len = %d, want 5", p.Len())
	}
}

func TestRecordRetainsPayloadUpToPerNameCap(t *testing.T) {
	p := New(true, 2, 1_000_000)
	for i := 0; i < 5; i++ {
		p.Record("signup", i)
	}
	events := p.Drain()

	retained := 0
	for _, e := range events {
		if e.Payload != nil {
			retained++
		}
	}
	if retained != 2 {
		t.Errorf("retained = %d, want 2 (per-name cap)", retained)
	}
}

func TestDrainResetsBudgetForNextCycle(t *testing.T) {
	p := New(true, 1, 1_000_000)
	p.Record("signup", "a")
	p.Record("signup", "b")
	first := p.Drain()
	retainedFirst := 0
	for _, e := range first {
		if e.Payload != nil {
			retainedFirst++
		}
	}
	if retainedFirst != 1 {
		t.Fatalf("first cycle retained = %d, want 1", retainedFirst)
	}

	p.Record("signup", "c")
	second := p.Drain()
	if second[0].Payload == nil {
		t.Error("expected the first event of a fresh cycle to retain its payload")
	}
}

func TestLenReflectsUndrainedEvents(t *testing.T) {
	p := New(true, 10, 10)
	p.Record("purchase", nil)
	p.Record("purchase", nil)
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}
