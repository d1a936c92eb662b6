// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package main is a minimal demo host for the telemetry core: it loads configuration, wires up
// internal/lifecycle.Core, applies the persisted schema, and serves /metrics and /healthz behind
// the same middleware a real embedding host would use. It exists to exercise the wiring end to
// end, not as a production server — a host application embeds internal/lifecycle directly instead
// of shelling out to this binary.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beaconapm/beacon/internal/config"
	"github.com/beaconapm/beacon/internal/lifecycle"
	"github.com/beaconapm/beacon/internal/logging"
	"github.com/beaconapm/beacon/internal/middleware"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logging.Info().Msg("starting beacond")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ensureSchema(ctx, cfg.Persistence); err != nil {
		logging.Fatal().Err(err).Msg("failed to apply persisted schema")
	}

	core, err := lifecycle.New(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to wire telemetry core")
	}
	lifecycle.SetDefault(core)
	core.Start(ctx)

	tracking := middleware.Tracking(core.Collector(), cfg.Segment.MaxSegments, cfg.Segment.SourceThreshold, cfg.Segment.MemoryLimit)
	tracked := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequestID(tracking(h))
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	router.Get("/healthz", tracked(healthzHandler(core)))
	if cfg.Metrics.Enabled {
		router.Get("/metrics", tracked(promhttp.Handler().ServeHTTP))
	}

	server := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", server.Addr).Msg("demo server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("demo server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Lifecycle.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("demo server did not shut down cleanly")
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("telemetry core did not shut down cleanly")
	}
	logging.Info().Msg("beacond stopped")
}

// healthzHandler reports the telemetry core's own health counters, so an operator can tell the
// monitor is degraded (events being dropped, the persistence circuit open) without scraping
// /metrics separately. A liveness probe still gets 200 either way: a struggling telemetry core is
// never a reason to fail the host application's own health check.
func healthzHandler(core *lifecycle.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := core.Stats()
		body, err := json.Marshal(map[string]any{
			"status":          "ok",
			"buffered_events": core.Buffer().Size(),
			"buffered_bytes":  core.Buffer().CurrentBytes(),
			"dropped_events":  stats.DroppedEvents,
			"events_requeued": stats.EventsRequeued,
			"circuit_opens":   stats.CircuitOpens,
			"flushes":         stats.Flushes,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}
