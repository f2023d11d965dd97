// Kestrel - Fraud ring detection for transaction graphs.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/graphdb"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/triage"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $KESTREL_CONFIG)")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graph_db", cfg.GraphDB.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("kestrel stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	tp, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer shutdownWithTimeout(tp.Shutdown)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	triageEngine, err := triage.NewEngine(cfg.Triage.MaxWorkers)
	if err != nil {
		return fmt.Errorf("failed to initialize triage engine: %w", err)
	}
	loadTriageRules(ctx, repo, triageEngine)

	var exporter *graphdb.Exporter
	if cfg.GraphDB.Enabled {
		client, err := graphdb.NewNeo4jClient(ctx, graphdb.Options{
			URI:            cfg.GraphDB.URI,
			Database:       cfg.GraphDB.Database,
			Username:       cfg.GraphDB.Username,
			Password:       cfg.GraphDB.Password,
			MaxConnections: cfg.GraphDB.MaxConnections,
		})
		if err != nil {
			return fmt.Errorf("failed to connect graph database: %w", err)
		}
		exporter = graphdb.NewExporter(client, graphdb.DefaultBatchSize, logger)
		defer shutdownWithTimeout(exporter.Close)
		slog.Info("graph export enabled", "uri", cfg.GraphDB.URI)
	}

	m := metrics.New()

	svc := analysis.NewService(analysis.Deps{
		Engine:     engine.New(logger),
		Triage:     triageEngine,
		Processor:  triage.NewProcessor(cfg.Triage.AlertThreshold),
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Exporter:   exporter,
		Metrics:    m,
		Logger:     logger,
	}, analysis.Options{
		TimeBudget: cfg.Engine.TimeBudget,
		ReportTTL:  cfg.Cache.ReportTTL,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		tenants := cfg.Worker.Tenants
		if len(tenants) == 0 && cfg.Server.DefaultTenant != "" {
			tenants = []string{cfg.Server.DefaultTenant}
		}

		asyncWorker = worker.NewWorker(busImpl, svc, logger)
		if err := asyncWorker.Start(worker.Config{TenantIDs: tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenants", tenants)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Service:    svc,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Triage:     triageEngine,
		Metrics:    m,
		Ingest:     ingest.Options{Strict: cfg.Ingest.Strict},
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"triage_rules", triageEngine.RulesCount(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop the worker before the bus it reads from.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	if err := shutdownWithTimeout(srv.Shutdown); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	return serveErr
}

// loadTriageRules loads the stored global rules. A failure leaves the engine
// empty, which falls back to the alert threshold.
func loadTriageRules(ctx context.Context, repo domain.Repository, engine *triage.Engine) {
	rules, err := repo.ListTriageRules(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list triage rules", "error", err)
		return
	}
	if len(rules) == 0 {
		slog.Info("no triage rules in database - configure via POST /triage/rules")
		return
	}
	if err := engine.ReloadRules(rules); err != nil {
		slog.Warn("failed to load triage rules", "error", err)
		return
	}
	slog.Info("triage rules loaded", "count", engine.RulesCount())
}

func shutdownWithTimeout(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx)
}
