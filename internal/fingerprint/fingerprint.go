// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package fingerprint derives a stable identity for an error from its kind, class, and
// backtrace, so that repeated occurrences of the same bug group into one ErrorRecord regardless
// of which line of a hot loop happened to raise it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// DefaultAppFrames is the number of leading application frames kept when normalizing a backtrace.
const DefaultAppFrames = 5

// FallbackFrames is the number of non-internal frames kept when no application frame is found.
const FallbackFrames = 3

var lineNumberPattern = regexp.MustCompile(`:\d+(:in\b)?`)

// libraryFramePattern matches a non-internal frame that still belongs to a third-party
// dependency pulled in via a package manager (a module-cache-style "@version" path segment, e.g.
// "github.com/foo/bar@v1.2.3/baz.go" or "some-gem-2.1.0/lib/..."), rather than the host
// application's own code.
var libraryFramePattern = regexp.MustCompile(`[@-]v?\d+\.\d+(\.\d+)?`)

// InternalPathMatcher reports whether a backtrace frame belongs to the runtime, a vendored
// dependency, or the monitor itself, and should be excluded when picking "application" frames.
type InternalPathMatcher func(frame string) bool

// DefaultInternalPathMatcher matches Go stdlib/vendor/module-cache paths and this module's own
// packages, mirroring the "gem / runtime / internal / self-monitor paths" filter from the spec.
func DefaultInternalPathMatcher(frame string) bool {
	internalMarkers := []string{
		"/usr/local/go/src/",
		"runtime.",
		"/vendor/",
		"pkg/mod/",
		"github.com/beaconapm/beacon/internal/",
	}
	for _, marker := range internalMarkers {
		if strings.Contains(frame, marker) {
			return true
		}
	}
	return false
}

// Normalize filters out internal frames, strips source line numbers, keeps at most K application
// frames (falling back to the first FallbackFrames non-internal frames when the backtrace is all
// runtime/vendor code or third-party library frames with no genuine application frame in it), and
// joins them with newlines.
func Normalize(backtrace []string, isInternal InternalPathMatcher) string {
	if isInternal == nil {
		isInternal = DefaultInternalPathMatcher
	}

	var appFrames []string
	var nonInternal []string
	for _, frame := range backtrace {
		if isInternal(frame) {
			continue
		}
		nonInternal = append(nonInternal, frame)
		if libraryFramePattern.MatchString(frame) {
			continue // third-party dependency frame: counts toward the fallback pool, not appFrames
		}
		if len(appFrames) < DefaultAppFrames {
			appFrames = append(appFrames, frame)
		}
	}

	chosen := appFrames
	if len(chosen) == 0 {
		if len(nonInternal) > FallbackFrames {
			chosen = nonInternal[:FallbackFrames]
		} else {
			chosen = nonInternal
		}
	}

	stripped := make([]string, len(chosen))
	for i, f := range chosen {
		stripped[i] = lineNumberPattern.ReplaceAllString(f, "")
	}
	return strings.Join(stripped, "\n")
}

// Compute returns the 64-hex-character SHA-256 fingerprint of
// "{kind}:{error_class}\n{normalized_backtrace}".
func Compute(kind, errorClass string, backtrace []string) string {
	normalized := Normalize(backtrace, DefaultInternalPathMatcher)
	payload := kind + ":" + errorClass + "\n" + normalized
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
