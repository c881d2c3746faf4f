package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ste316/rag-nivola-service-portal/internal/adapters/cli"
	"github.com/ste316/rag-nivola-service-portal/internal/bootstrap"
	"github.com/ste316/rag-nivola-service-portal/internal/config"
	"github.com/ste316/rag-nivola-service-portal/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(func(ctx context.Context) (*cli.Services, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		slog.SetDefault(logging.NewLogger(os.Stderr, "ragctl", cfg.LogLevel))
		app, err := bootstrap.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return &cli.Services{Cache: app.Cache, Conversations: app.Chat}, app.Close, nil
	})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
