// The gateway verifies tokens and proxies to the services. With STORAGE=memory it serves all
// three services in-process instead, which is handy for demos and local development.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"shelfsync/internal/app"
	"shelfsync/internal/config"
	"shelfsync/internal/gateway"
	"shelfsync/internal/httpx"
	"shelfsync/internal/identity"
	"shelfsync/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("gateway", "8080")
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

	issuer := identity.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	ups, closeBackend, err := upstreams(ctx, cfg, issuer, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	handler := gateway.New(ups, issuer, rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, logger)
	return httpx.Serve(ctx, logger, cfg.Addr(), handler)
}

func upstreams(ctx context.Context, cfg config.Config, issuer *identity.Issuer, logger *slog.Logger) (gateway.Upstreams, func() error, error) {
	if cfg.Storage != config.StorageMemory {
		ups, err := gateway.Proxies(cfg.Services.Catalog, cfg.Services.Circulation, cfg.Services.Membership)
		return ups, func() error { return nil }, err
	}

	backend := app.NewMemoryBackend(cfg.LockTimeout)
	members, err := backend.MembershipAPI(ctx, cfg, issuer, logger.With(slog.String("upstream", "membership")))
	if err != nil {
		return gateway.Upstreams{}, nil, err
	}
	logger.Info("serving every service in-process from memory")
	return gateway.Upstreams{
		Catalog:     backend.CatalogAPI(logger.With(slog.String("upstream", "catalog"))),
		Circulation: backend.CirculationAPI(cfg, logger.With(slog.String("upstream", "circulation"))),
		Membership:  members,
	}, backend.Close, nil
}
