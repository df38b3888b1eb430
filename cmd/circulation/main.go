package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"shelfsync/internal/app"
	"shelfsync/internal/config"
	"shelfsync/internal/httpx"
	"shelfsync/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("circulation service failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("circulation", "8082")
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.Service, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Service, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	return httpx.Serve(ctx, logger, cfg.Addr(), backend.CirculationAPI(cfg, logger))
}
