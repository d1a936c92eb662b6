// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package testinfra provides test infrastructure for integration testing with containers.
//
// This package uses testcontainers-go to manage Docker containers for integration tests,
// providing realistic testing environments that closely match production.
//
// # Postgres Container
//
// PostgresContainer provides a real Postgres instance for testing the postgres persistence
// adapter against actual serialization-failure and constraint-violation behavior a mock can't
// reproduce:
//
//	func TestPostgresAdapter(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    pg, err := testinfra.NewPostgresContainer(ctx, t)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, pg.Container)
//
//	    adapter, err := postgres.Open(ctx, pg.DSN, 500)
//	    // ... exercise PersistBuckets/PersistSamples/PersistErrors against the real database
//	}
//
// # Benefits Over Mocks
//
// Using a real container provides several advantages:
//   - Tests validate actual driver/wire behavior (retry codes, constraint violations)
//   - No mock drift (mocks getting out of sync with the real schema)
//   - Tests run against production-equivalent services
//
// # CI Considerations
//
// These tests require Docker and network access. In CI:
//   - Self-hosted runners have Docker pre-installed
//   - Container images are cached between runs
//   - Tests are skipped gracefully if Docker is unavailable (SkipIfNoDocker)
//
// # Network Requirements
//
// First run may need to download container images. Subsequent runs use cached images.
package testinfra
