// Harrier - Cross-platform identity and co-presence correlation for investigations.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/graph"
	"github.com/opensource-finance/harrier/internal/investigate"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := domain.LoadConfig(os.Getenv("HARRIER_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graph", cfg.Graph.Driver,
		"timezone", cfg.Analysis.Timezone,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("harrier stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("harrier shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	graphStore, err := graph.New(ctx, cfg.Graph)
	if err != nil {
		return fmt.Errorf("initialize graph store: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := graphStore.Close(closeCtx); err != nil {
			slog.Warn("failed to close graph store", "error", err)
		}
	}()
	slog.Info("graph store initialized", "driver", cfg.Graph.Driver)

	engine, err := rules.NewEngine(cfg.Analysis.MaxWorkers)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := investigate.New(cfg.Analysis, investigate.Deps{
		Repo:    repo,
		Graph:   graphStore,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Engine:  engine,
		Metrics: metrics.New(registry),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}

	if err := svc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// Stored rules are optional; they can be added later via POST /rules.
	if n, err := svc.ReloadRules(ctx); err != nil {
		slog.Warn("failed to load stored rules", "error", err)
	} else {
		slog.Info("rule engine initialized", "stored_rules", n, "rules_count", engine.RulesCount())
	}

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("HARRIER_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, svc, logger)
		if err := asyncWorker.Start(worker.Config{CaseIDs: splitList(os.Getenv("HARRIER_CASES"))}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, svc, busImpl, registry, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// splitList parses a comma-separated environment value.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HARRIER  identity and co-presence correlation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /cases/{id}/records          - Ingest an evidence batch")
	fmt.Println("    POST /cases/{id}/build            - Resolve identities and build the graph")
	fmt.Println("    GET  /cases/{id}/identities       - Current identity partition")
	fmt.Println("    POST /cases/{id}/score/pair       - Co-presence risk of two persons")
	fmt.Println("    GET  /cases/{id}/hypotheses       - Run the hypothesis pass")
	fmt.Println("    POST /cases/{id}/behavior/analyze - Behavioral analysis of one identity")
	fmt.Println("    POST /cases/{id}/mobility/timeline")
	fmt.Println("    GET  /cases/{id}/link-candidates")
	fmt.Println("    GET  /rules                       - List loaded rules")
	fmt.Println("    POST /rules/reload                - Hot-reload rules")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println("    GET  /metrics                     - Prometheus metrics")
	fmt.Println()
}
