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
	"shelfsync/internal/identity"
	"shelfsync/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("membership service failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("membership", "8083")
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

	issuer := identity.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	handler, err := backend.MembershipAPI(ctx, cfg, issuer, logger)
	if err != nil {
		return err
	}
	return httpx.Serve(ctx, logger, cfg.Addr(), handler)
}
