// enginerd runs one api-script at a time: it streams rows out of a
// Postgres source, batches and dispatches them over HTTP, and writes the
// resulting artifacts to a local cache directory.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rdvflow/engine/internal/api"
	"github.com/rdvflow/engine/internal/artifactsvc"
	"github.com/rdvflow/engine/internal/catalog"
	"github.com/rdvflow/engine/internal/config"
	"github.com/rdvflow/engine/internal/engine"
	"github.com/rdvflow/engine/internal/eventbus"
	"github.com/rdvflow/engine/internal/runmanager"
)

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /enginerd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8090/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		slog.Error("failed to create cache root", "path", cfg.CacheRoot, "error", err)
		os.Exit(1)
	}

	catalogPath := filepath.Join(cfg.CacheRoot, "catalog.db")
	store, err := catalog.Open(catalogPath)
	if err != nil {
		slog.Error("failed to open catalog", "path", catalogPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("catalog opened", "path", catalogPath)

	events := eventbus.New()
	eng := engine.New(store, events, cfg.CacheRoot, cfg.DBTimeoutMs)
	runs := runmanager.New(store, events, eng)
	artifacts := artifactsvc.New(store, cfg.CacheRoot, cfg.GCRetentionMs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gcInterval := time.Duration(cfg.GCIntervalSeconds) * time.Second
	artifacts.Start(ctx, gcInterval)
	defer artifacts.Stop()
	slog.Info("cache GC started", "interval", gcInterval, "retention_ms", cfg.GCRetentionMs)

	srv := &api.Server{
		Runs:          runs,
		Artifacts:     artifacts,
		Catalog:       store,
		Events:        events,
		CORSOrigins:   cfg.CORSOrigins,
		SSELimiter:    api.NewSSELimiter(cfg.MaxSSEPerIP, cfg.MaxSSEGlobal),
		CatalogHealth: store,
	}

	if cfg.RateLimitPerSecond > 0 {
		srv.RateLimit = &api.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitPerSecond,
			Burst:             cfg.RateLimitBurst,
			CleanupInterval:   5 * time.Minute,
		}
		slog.Info("rate limiting enabled", "rps", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	}

	router := api.NewRouter(srv)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting enginerd", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		runs.Shutdown()
		if srv.RateLimiterStop != nil {
			srv.RateLimiterStop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("enginerd shutdown complete")
}
