// Command hub relays road-condition records from agents to the store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/romanborysenkov/IoT-Project/internal/app"
	"github.com/romanborysenkov/IoT-Project/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("hub terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadHub()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.Level(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewHub(cfg, logger).Run(ctx); err != nil {
		return err
	}
	logger.Info("hub stopped cleanly")
	return nil
}
