// Command store persists relayed records and streams them to live
// subscribers.
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
	cfg, err := config.LoadStore()
	if err != nil {
		slog.Error("invalid store configuration", "error", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.Level(cfg.LogLevel)})).
		With("service", "store")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = app.NewStorage(cfg, logger).Run(ctx)
	stop()
	if err != nil {
		logger.Error("store terminated", "error", err)
		os.Exit(1)
	}
}
