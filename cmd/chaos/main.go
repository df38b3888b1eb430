package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shelfsync/internal/app"
	"shelfsync/internal/chaos"
	"shelfsync/internal/circulation"
	"shelfsync/internal/config"
	"shelfsync/internal/telemetry"
)

var errHypothesisViolated = errors.New("at least one hypothesis was violated")

func main() {
	if err := run(); err != nil {
		slog.Error("chaos game day failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	rounds := flag.Int("rounds", 20, "race rounds per experiment")
	workers := flag.Int("workers", 8, "concurrent requests per round")
	observe := flag.Duration("observe", 5*time.Second, "how long to observe after injecting")
	pause := flag.Duration("pause", 5*time.Second, "pause between experiments")
	flag.Parse()

	cfg, err := config.Load("chaos", "0")
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

	env := chaos.Env{
		Backend: backend.Fixtures,
		Circulation: circulation.NewService(backend.Circulation, cfg.Policy.Circulation(), logger,
			circulation.WithRetryBackoff(cfg.TxRetryBackoff)),
		Ledger:      backend.Ledger,
		Rounds:      *rounds,
		Workers:     *workers,
		Duration:    *observe,
		SampleEvery: time.Second,
	}

	held, err := chaos.NewEngine(logger).RunGameDay(ctx, chaos.GameDay{
		Name:      "circulation game day",
		Scenarios: env.Experiments(),
		Pause:     *pause,
	})
	if err != nil {
		return err
	}
	if !held {
		return errHypothesisViolated
	}
	logger.Info("every hypothesis held")
	return nil
}
