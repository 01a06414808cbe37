// Kestrel - Multi-signal fraud scoring for payment transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	envFile := flag.String("env", config.DefaultEnvFile, "path to .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"rules", cfg.Detector.Rules,
		"global_threshold", cfg.Detector.GlobalThreshold,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"geoip", cfg.GeoIP.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	resolver, closeResolver, err := newResolver(cfg.GeoIP, cacheImpl)
	if err != nil {
		slog.Error("failed to initialize geoip", "error", err)
		os.Exit(1)
	}
	defer closeResolver()

	det := detector.New(cfg, detector.Options{
		Logger:       logger,
		Dependencies: signals.Dependencies{Resolver: resolver},
	})
	go det.Run(ctx)
	slog.Info("detector initialized",
		"rules_enabled", det.Registry().EnabledCount(),
		"sweep_interval", cfg.Detector.SweepInterval,
	)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, det)
		workerCfg := worker.Config{
			Topic:       cfg.Worker.Topic,
			Concurrency: cfg.Worker.Concurrency,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
		slog.Info("worker started", "topic", workerCfg.Topic, "concurrency", workerCfg.Concurrency)
	}

	var srv *api.Server
	if cfg.Server.Enabled {
		var stats api.WorkerStats
		if asyncWorker != nil {
			stats = asyncWorker
		}
		srv = api.NewServer(cfg.Server, det, cacheImpl, busImpl, stats, Version)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("server failed", "error", err)
				cancel()
			}
		}()
		slog.Info("ops server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
	}

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}

	stats := det.Stats()
	slog.Info("kestrel shutdown complete",
		"total_analyses", stats.TotalAnalyses,
		"fraud_detected", stats.FraudDetected,
	)
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newResolver opens the configured geoip backend. Lookups are cached in
// the shared cache when a TTL is set.
func newResolver(cfg domain.GeoIPConfig, c domain.Cache) (geo.Resolver, func(), error) {
	var resolver geo.Resolver = geo.NewPrefixResolver()
	closeFn := func() {}
	if cfg.Type == "maxmind" {
		mm, err := geo.OpenMaxMind(cfg.CityDBPath, cfg.ASNDBPath, cfg.AnonymousDBPath)
		if err != nil {
			return nil, nil, err
		}
		resolver = mm
		closeFn = func() { mm.Close() }
	}
	if cfg.CacheTTL > 0 {
		resolver = geo.NewCachedResolver(resolver, c, cfg.CacheTTL)
	}
	return resolver, closeFn, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - multi-signal fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	if cfg.Worker.Enabled {
		fmt.Printf("  Consumes: %s\n", cfg.Worker.Topic)
	}
	if cfg.Server.Enabled {
		fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Println()
		fmt.Println("  Endpoints:")
		fmt.Println("    GET /health              - Health check")
		fmt.Println("    GET /ready               - Cache and bus readiness")
		fmt.Println("    GET /metrics             - Prometheus metrics")
		fmt.Println("    GET /stats               - Detector and worker counters")
		fmt.Println("    GET /rules               - Registered rules")
		fmt.Println("    GET /users/{id}/velocity - Recent activity for a user")
	}
	fmt.Println()
}
