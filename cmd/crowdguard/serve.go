// CrowdGuard - Crowd-sourced fraud intelligence and protection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/crowdguard/internal/alert"
	"github.com/opensource-finance/crowdguard/internal/api"
	"github.com/opensource-finance/crowdguard/internal/bus"
	"github.com/opensource-finance/crowdguard/internal/cache"
	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/metrics"
	"github.com/opensource-finance/crowdguard/internal/notify"
	"github.com/opensource-finance/crowdguard/internal/otp"
	"github.com/opensource-finance/crowdguard/internal/protection"
	"github.com/opensource-finance/crowdguard/internal/push"
	"github.com/opensource-finance/crowdguard/internal/report"
	"github.com/opensource-finance/crowdguard/internal/repository"
	"github.com/opensource-finance/crowdguard/internal/risk"
	"github.com/opensource-finance/crowdguard/internal/rules"
	"github.com/opensource-finance/crowdguard/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting crowdguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"notify", cfg.Notify.Type,
	)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Risk engine, optionally weighted by a CEL expression
	engineOpts := []risk.Option{risk.WithWindow(cfg.Risk.Window), risk.WithMetrics(m)}
	var weigher *rules.ExpressionWeigher
	if cfg.Risk.Expression != "" {
		weigher, err = rules.NewExpressionWeigher(cfg.Risk.Expression)
		if err != nil {
			return fmt.Errorf("failed to compile weighting expression: %w", err)
		}
		engineOpts = append(engineOpts, risk.WithWeigher(weigher))
		slog.Info("expression weighting enabled", "expression", weigher.Expression())
	}
	engine := risk.NewEngine(repo, engineOpts...)

	// Secondary notification channel
	mailer, err := notify.New(cfg.Notify)
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	registry := protection.NewRegistry(repo, nil)
	hub := push.NewHub(busImpl, 0)
	pipeline := alert.NewPipeline(registry, engine, repo, hub, mailer,
		alert.WithFanoutLimit(cfg.Alerts.FanoutLimit),
		alert.WithMetrics(m),
		alert.WithEvents(busImpl),
	)
	slog.Info("alert pipeline initialized", "fanout_limit", cfg.Alerts.FanoutLimit)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Alerts.AsyncIngest {
		asyncWorker = worker.NewWorker(busImpl, pipeline)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Alerts.Workers}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "workers", cfg.Alerts.Workers)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Reports:     report.NewService(repo, nil, m),
		Engine:      engine,
		Weigher:     weigher,
		Registry:    registry,
		Pipeline:    pipeline,
		OTP:         otp.NewManager(cacheImpl, cfg.OTP, nil, m),
		Hub:         hub,
		Codes:       mailer,
		Gatherer:    reg,
		RateLimit:   cfg.RateLimit,
		AsyncIngest: cfg.Alerts.AsyncIngest,
		Version:     Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("crowdguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	// Stop async worker first
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

	slog.Info("crowdguard shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  CrowdGuard - community fraud intelligence")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /check-risk                          - Score an identifier")
	fmt.Println("    POST /reports                             - File a fraud report")
	fmt.Println("    PUT  /users/{id}/protection/{channel}     - Protect a channel")
	fmt.Println("    POST /contact-attempts                    - Evaluate an inbound contact")
	fmt.Println("    GET  /users/{id}/alerts                   - Pending alerts and history")
	fmt.Println("    GET  /users/{id}/alerts/stream            - Realtime alerts (SSE)")
	fmt.Println("    GET  /stats/overview                      - Report statistics")
	fmt.Println("    GET  /health                              - Health check")
	fmt.Println("    GET  /metrics                             - Prometheus metrics")
	fmt.Println()
}
