// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

package collector

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ignoreMatcher compiles a mixed list of exact strings, glob patterns ("*" wildcards), and
// regexes (wrapped in "/.../") into a single O(1)-ish matcher, compiled once and reused across
// every ProcessHTTP/ProcessJob/ProcessCustom call.
type ignoreMatcher struct {
	mu       sync.RWMutex
	exact    map[string]struct{}
	globs    []string
	regexes  []*regexp.Regexp
}

// newIgnoreMatcher compiles the configured ignore patterns. Regex patterns are written as
// "/pattern/"; anything containing "*" is treated as a glob; everything else is an exact match.
func newIgnoreMatcher(patterns []string) *ignoreMatcher {
	m := &ignoreMatcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		switch {
		case len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/"):
			if re, err := regexp.Compile(p[1 : len(p)-1]); err == nil {
				m.regexes = append(m.regexes, re)
			}
		case strings.Contains(p, "*"):
			m.globs = append(m.globs, p)
		default:
			m.exact[p] = struct{}{}
		}
	}
	return m
}

// Matches reports whether target should be dropped before any sampling decision runs.
func (m *ignoreMatcher) Matches(target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.exact[target]; ok {
		return true
	}
	for _, g := range m.globs {
		if ok, _ := filepath.Match(g, target); ok {
			return true
		}
	}
	for _, re := range m.regexes {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}
