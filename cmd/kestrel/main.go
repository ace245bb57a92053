// Kestrel - Real-time informed-trading detection for prediction markets.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/marketstats"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const (
	janitorInterval = time.Minute
	shutdownTimeout = 10 * time.Second
	builtinRules    = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Logging)

	if err := run(cfg); err != nil {
		slog.Error("kestrel stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(cfg *domain.Config) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"gate", cfg.Detection.Gate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flushTraces, err := telemetry.Setup(cfg.Tracing, Version, nil)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer store.Close()

	events, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer events.Close()

	det := cfg.Detection
	led := ledger.New(repo)
	baselines := marketstats.New(repo, store, det.CacheTTL(), det.StatsWindow())

	var gate alerts.Gate
	var memGate *alerts.MemoryGate
	if det.Gate == "cache" {
		gate = alerts.NewWindowGate(store, det.AlertCooldown(), det.AlertHourlyCap)
	} else {
		memGate = alerts.NewMemoryGate(det.AlertCooldown(), det.AlertHourlyCap)
		gate = memGate
	}

	exprs, err := rules.NewExpressionEngine()
	if err != nil {
		return fmt.Errorf("expression engine: %w", err)
	}
	loadRulesFromDatabase(ctx, repo, exprs)

	eng, err := engine.New(det, engine.Deps{
		Ledger:      led,
		Activity:    velocity.NewService(repo),
		Stats:       baselines,
		Alerts:      alerts.NewStore(repo, gate, events),
		Events:      events,
		Expressions: exprs,
	})
	if err != nil {
		return fmt.Errorf("detection engine: %w", err)
	}
	slog.Info("detection engine ready",
		"builtin_rules", builtinRules,
		"expression_rules", exprs.RulesCount(),
		"rule_timeout_ms", det.RuleTimeoutMs,
		"min_confidence", det.MinConfidence,
	)

	consumer := worker.NewWorker(events, eng)
	if err := consumer.Start(worker.Config{WorkerCount: runtime.NumCPU()}); err != nil {
		return fmt.Errorf("trade worker: %w", err)
	}

	hub := api.NewHub()
	if err := hub.Start(ctx, events); err != nil {
		return fmt.Errorf("live hub: %w", err)
	}
	hub.StreamStats(repo, api.DefaultStatsInterval)

	go janitor(ctx, memGate, store)

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Cache:       store,
		Bus:         events,
		Engine:      eng,
		Wallets:     led,
		Stats:       baselines,
		Expressions: exprs,
		Hub:         hub,
		Version:     Version,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	slog.Info("kestrel is ready", "host", cfg.Server.Host, "port", cfg.Server.Port)
	printBanner(cfg, Version)

	var failure error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case failure = <-serveErr:
		slog.Error("server failed", "error", failure)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := hub.Close(); err != nil {
		slog.Error("failed to close live hub", "error", err)
	}
	if err := consumer.Stop(); err != nil {
		slog.Error("failed to stop trade worker", "error", err)
	}
	if err := flushTraces(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}
	return failure
}

func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadRulesFromDatabase installs stored expression rules. On failure only
// the built-in rules run until POST /rules/reload succeeds.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, exprs *rules.ExpressionEngine) {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no expression rules stored", "hint", "POST /rules")
		return
	}
	if err := exprs.ReloadRules(stored); err != nil {
		slog.Warn("failed to load expression rules", "error", err)
		return
	}
	slog.Info("expression rules loaded", "count", exprs.RulesCount())
}

type sweeper interface {
	Sweep() int
}

// janitor prunes the in-process gate and expired local cache entries.
func janitor(ctx context.Context, gate *alerts.MemoryGate, c domain.Cache) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	sw, _ := c.(sweeper)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var pruned, swept int
			if gate != nil {
				pruned = gate.Cleanup()
			}
			if sw != nil {
				swept = sw.Sweep()
			}
			if pruned > 0 || swept > 0 {
				slog.Debug("janitor pass", "gate_pruned", pruned, "cache_swept", swept)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - informed-trading detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /trades                - Analyze a trade (?async=true to queue)")
	fmt.Println("    GET  /alerts                - List alerts")
	fmt.Println("    POST /alerts/{id}/read      - Mark an alert read")
	fmt.Println("    POST /alerts/{id}/dismiss   - Dismiss an alert")
	fmt.Println("    GET  /wallets/{address}     - Wallet summary")
	fmt.Println("    GET  /markets/{id}/stats    - Market baseline")
	fmt.Println("    GET  /rules                 - List expression rules")
	fmt.Println("    POST /rules                 - Create an expression rule")
	fmt.Println("    POST /rules/reload          - Hot-reload rules from database")
	fmt.Println("    GET  /ws/live               - Live alert stream")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println()
}
