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

	httpadapter "github.com/ste316/rag-nivola-service-portal/internal/adapters/http"
	"github.com/ste316/rag-nivola-service-portal/internal/bootstrap"
	"github.com/ste316/rag-nivola-service-portal/internal/config"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/schedule"
	"github.com/ste316/rag-nivola-service-portal/internal/observability/logging"
	"github.com/ste316/rag-nivola-service-portal/internal/observability/metrics"
)

const serviceName = "rag-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg,
		bootstrap.WithBreakerObserver(httpMetrics.ObserveBreakerState),
		bootstrap.WithTurnObserver(httpMetrics),
	)
	if err != nil {
		slog.Error("bootstrap_error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.Prompt != nil {
		go func() {
			if err := app.Prompt.Watch(ctx); err != nil {
				slog.Error("prompt_watch_error", "error", err)
			}
		}()
	}

	if !cfg.SharedStore() {
		sweep, err := schedule.New("cache_sweep", cfg.CacheSweepSchedule, app.SweepJob(nil))
		if err != nil {
			slog.Error("schedule_error", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := sweep.Run(ctx); err != nil {
				slog.Error("schedule_error", "error", err)
			}
		}()
	}

	router := httpadapter.NewRouter(cfg, app.Chat, app.Chat, app.Cache).WithMetrics(httpMetrics).Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A turn may spend SEARCH_TIMEOUT plus LLM_TIMEOUT.
		WriteTimeout: cfg.SearchTimeout + cfg.LLMTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "store", cfg.StoreDriver, "llm", cfg.LLMProvider)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_error", "error", err)
	}
}
