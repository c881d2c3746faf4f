package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ste316/rag-nivola-service-portal/internal/bootstrap"
	"github.com/ste316/rag-nivola-service-portal/internal/config"
	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/schedule"
	"github.com/ste316/rag-nivola-service-portal/internal/observability/logging"
	"github.com/ste316/rag-nivola-service-portal/internal/observability/metrics"
)

const serviceName = "rag-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.SharedStore() {
		// The api sweeps its own in-process cache.
		slog.Error("worker_store_unsupported", "store", cfg.StoreDriver, "reason", "memory store is local to the api process")
		os.Exit(1)
	}

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.WithBreakerObserver(workerMetrics.ObserveBreakerState))
	if err != nil {
		slog.Error("bootstrap_error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	sweep, err := schedule.New("cache_sweep", cfg.CacheSweepSchedule, app.SweepJob(workerMetrics.ObserveSweep))
	if err != nil {
		slog.Error("schedule_error", "error", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	if app.Queue != nil {
		g.Go(func() error {
			slog.Info("worker_subscribed", "usage_subject", cfg.NATSUsageSubject, "vote_subject", cfg.NATSVoteSubject)
			return app.Queue.SubscribeCacheEvents(gctx,
				func(hctx context.Context, event domain.UsageEvent) error {
					return observeEvent(workerMetrics, "usage", event.OccurredAt, func() error {
						return app.Cache.RecordUsage(hctx, event)
					})
				},
				func(hctx context.Context, event domain.VoteEvent) error {
					return observeEvent(workerMetrics, "vote", event.OccurredAt, func() error {
						return app.Cache.ApplyVote(hctx, event)
					})
				},
			)
		})
	} else {
		slog.Info("worker_events_disabled", "reason", "NATS_URL is empty, events are applied by the api")
	}

	if err := g.Wait(); err != nil {
		slog.Error("worker_error", "error", err)
		os.Exit(1)
	}
}

func observeEvent(m *metrics.WorkerMetrics, kind string, occurredAt time.Time, apply func() error) error {
	if !occurredAt.IsZero() {
		m.ObserveEventLag(kind, time.Since(occurredAt))
	}
	m.StartEvent()
	started := time.Now()
	err := apply()
	m.FinishEvent(kind, time.Since(started), err)
	return err
}
