// Package app wires storage, services and HTTP handlers from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/config"
	"shelfsync/internal/dashboard"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/httpx"
	"shelfsync/internal/identity"
	"shelfsync/internal/membership"
	"shelfsync/internal/storage"
	"shelfsync/internal/storage/memory"
	"shelfsync/internal/storage/postgres"
)

// Backend bundles everything the services persist through, for one storage choice.
type Backend struct {
	Circulation circulation.Store
	Catalog     catalog.Repository
	Members     membership.Repository
	Ledger      membership.PaymentLedger
	Reader      dashboard.Reader
	Audit       dashboard.AuditReader
	Fixtures    Fixtures

	close func() error
}

// Fixtures is the test-data surface both stores implement.
type Fixtures interface {
	Seed(ctx context.Context, f storage.Fixture) error
	Purge(ctx context.Context, f storage.Fixture) error
	InvariantViolations(ctx context.Context) (int, error)
}

// NewMemoryBackend serves every repository from one in-memory store.
func NewMemoryBackend(lockTimeout time.Duration) *Backend {
	s := memory.New(memory.WithLockTimeout(lockTimeout))
	return &Backend{
		Circulation: s,
		Catalog:     s,
		Members:     s,
		Ledger:      s,
		Reader:      s,
		Audit:       s,
		Fixtures:    s,
		close:       func() error { return nil },
	}
}

// Open connects the backend cfg.Storage names. Postgres schemas are migrated on open.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage, data is lost on exit")
		return NewMemoryBackend(cfg.LockTimeout), nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.DefaultPool(), logger)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log := eventlog.NewLog(db)
	store := postgres.NewStore(db, log, cfg.LockTimeout)
	return &Backend{
		Circulation: store,
		Catalog:     catalog.NewSQLRepository(db, log),
		Members:     membership.NewSQLRepository(db, log),
		Ledger:      membership.NewSQLLedger(db),
		Reader:      dashboard.NewSQLReader(db),
		Audit:       log,
		Fixtures:    store,
		close:       db.Close,
	}, nil
}

func (b *Backend) Close() error {
	return b.close()
}

func (b *Backend) CatalogAPI(logger *slog.Logger) http.Handler {
	svc := catalog.NewService(b.Catalog, logger)
	return httpx.NewRouter("catalog", logger, catalog.NewHandler(svc))
}

// CirculationAPI serves the circulation routes together with the dashboards.
func (b *Backend) CirculationAPI(cfg config.Config, logger *slog.Logger) http.Handler {
	policy := cfg.Policy.Circulation()
	circ := circulation.NewService(b.Circulation, policy, logger,
		circulation.WithRetryBackoff(cfg.TxRetryBackoff))
	dash := dashboard.NewService(b.Reader, b.Audit, policy.Billing, policy.Fines, time.Now)
	return httpx.NewRouter("circulation", logger, circulation.NewHandler(circ), dashboard.NewHandler(dash))
}

// MembershipAPI also creates any configured staff account that does not exist yet.
func (b *Backend) MembershipAPI(ctx context.Context, cfg config.Config, issuer *identity.Issuer, logger *slog.Logger) (http.Handler, error) {
	svc := membership.NewService(b.Members, b.Ledger, cfg.Policy.Billing(), issuer, logger)
	if err := svc.EnsureStaff(ctx, cfg.Staff); err != nil {
		return nil, fmt.Errorf("ensure staff accounts: %w", err)
	}
	return httpx.NewRouter("membership", logger, membership.NewHandler(svc)), nil
}
