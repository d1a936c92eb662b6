// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package fingerprint

import (
	"strings"
	"testing"
)

func TestStableAcrossLineNumbers(t *testing.T) {
	bt1 := []string{"app/models/user.rb:42:in 'validate'"}
	bt2 := []string{"app/models/user.rb:99:in 'validate'"}

	f1 := Compute("http", "RuntimeError", bt1)
	f2 := Compute("http", "RuntimeError", bt2)

	if f1 != f2 {
		t.Fatalf("fingerprints differ despite only line numbers changing: %s vs %s", f1, f2)
	}
	if len(f1) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(f1))
	}
}

func TestKindDistinguishesFingerprint(t *testing.T) {
	bt := []string{"app/models/user.rb:42:in 'validate'"}

	httpFP := Compute("http", "RuntimeError", bt)
	jobFP := Compute("job", "RuntimeError", bt)

	if httpFP == jobFP {
		t.Fatal("expected distinct fingerprints for distinct kinds")
	}
}

func TestFallsBackWhenNoAppFrames(t *testing.T) {
	// None of these frames are internal (no stdlib/vendor/pkg-mod/self-monitor markers), but all
	// of them carry a third-party dependency's version-pinned path, so none qualify as genuine
	// application frames; Normalize must fall back to the non-internal pool instead of returning
	// empty.
	bt := []string{
		"github.com/someclient/sdk@v1.4.2/client.go:55",
		"github.com/anotherlib/util@v0.9.0/helper.go:12",
		"github.com/anotherlib/util@v0.9.0/other.go:20",
	}
	got := Normalize(bt, DefaultInternalPathMatcher)
	if got == "" {
		t.Fatal("expected fallback frames when no application frames are present")
	}
	if want := 3; strings.Count(got, "\n")+1 != want {
		t.Errorf("fallback frame count = %d, want %d", strings.Count(got, "\n")+1, want)
	}
}

func TestComputeDeterministic(t *testing.T) {
	bt := []string{"app/services/charge.go:12"}
	a := Compute("http", "PaymentError", bt)
	b := Compute("http", "PaymentError", bt)
	if a != b {
		t.Fatal("fingerprint must be deterministic across calls")
	}
}
