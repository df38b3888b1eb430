package chaos

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/fines"
	"shelfsync/internal/identity"
	"shelfsync/internal/membership"
	"shelfsync/internal/money"
	"shelfsync/internal/storage"
)

// Backend is the store surface experiments seed, check and clean up.
type Backend interface {
	Seed(ctx context.Context, f storage.Fixture) error
	Purge(ctx context.Context, f storage.Fixture) error
	InvariantViolations(ctx context.Context) (int, error)
}

// Env is what the circulation experiments run against.
type Env struct {
	Backend     Backend
	Circulation circulation.Service
	Ledger      membership.PaymentLedger
	Rounds      int
	Workers     int
	Duration    time.Duration
	SampleEvery time.Duration
}

// Experiments returns every circulation experiment.
func (env Env) Experiments() []Experiment {
	return []Experiment{
		env.IssueRace(),
		env.CheckoutVersusIssue(),
		env.ReturnRace(),
	}
}

// round tracks the outcome of repeated race rounds and the fixtures to purge afterwards.
type round struct {
	mu         sync.Mutex
	fixtures   []storage.Fixture
	bad        atomic.Int64
	unexpected atomic.Int64
}

func (r *round) seed(ctx context.Context, b Backend, f storage.Fixture) error {
	if err := b.Seed(ctx, f); err != nil {
		return fmt.Errorf("seed fixture: %w", err)
	}
	r.mu.Lock()
	r.fixtures = append(r.fixtures, f)
	r.mu.Unlock()
	return nil
}

func (r *round) purge(ctx context.Context, b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.fixtures {
		if err := b.Purge(ctx, f); err != nil {
			return fmt.Errorf("purge fixture: %w", err)
		}
	}
	r.fixtures = nil
	return nil
}

// expect counts err as unexpected unless it is nil or of one of kinds.
func (r *round) expect(err error, kinds ...apperr.Kind) {
	if err == nil {
		return
	}
	for _, k := range kinds {
		if apperr.Is(err, k) {
			return
		}
	}
	r.unexpected.Add(1)
}

func (env Env) experiment(name, hypothesis string, r *round, race func(context.Context) error) Experiment {
	return Experiment{
		Name:       name,
		Hypothesis: hypothesis,
		SteadyState: []Metric{{
			Name: "invariant_violations",
			Query: func(ctx context.Context) (float64, error) {
				n, err := env.Backend.InvariantViolations(ctx)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Probes: []Metric{
			{
				Name:      "bad_rounds",
				Query:     func(context.Context) (float64, error) { return float64(r.bad.Load()), nil },
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name:      "unexpected_errors",
				Query:     func(context.Context) (float64, error) { return float64(r.unexpected.Load()), nil },
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				for range max(env.Rounds, 1) {
					if err := race(ctx); err != nil {
						return err
					}
				}
				return nil
			},
		}},
		Rollback: []Action{{
			Type:    "purge-fixtures",
			Target:  "storage",
			Execute: func(ctx context.Context) error { return r.purge(ctx, env.Backend) },
		}},
		Validation: []Assertion{
			{Metric: "invariant_violations", Condition: func(v float64) bool { return v == 0 }, Message: "copy status must match open issue records"},
			{Metric: "bad_rounds", Condition: func(v float64) bool { return v == 0 }, Message: "every round must end in an all-or-nothing outcome"},
			{Metric: "unexpected_errors", Condition: func(v float64) bool { return v == 0 }, Message: "losers must fail with a conflict"},
		},
		Duration:    env.Duration,
		SampleEvery: env.SampleEvery,
	}
}

// IssueRace sends concurrent direct issues of one copy.
func (env Env) IssueRace() Experiment {
	r := &round{}
	librarian := identity.Caller{MemberID: uuid.New(), Role: identity.RoleLibrarian}

	return env.experiment("concurrent-direct-issue",
		"Concurrent issues of one copy lend it exactly once", r,
		func(ctx context.Context) error {
			f := newFixture(time.Now(), 1, true)
			if err := r.seed(ctx, env.Backend, f); err != nil {
				return err
			}
			member, copyID := f.Members[0].ID, f.Copies[0].ID

			var wins atomic.Int64
			parallel(max(env.Workers, 2), func() {
				_, err := env.Circulation.IssueDirect(ctx, librarian, member, copyID)
				if err == nil {
					wins.Add(1)
				}
				r.expect(err, apperr.KindConflict)
			})
			if wins.Load() != 1 {
				r.bad.Add(1)
			}
			return nil
		})
}

// CheckoutVersusIssue races a two-copy checkout against a direct issue of one of its copies
// to another member.
func (env Env) CheckoutVersusIssue() Experiment {
	r := &round{}
	librarian := identity.Caller{MemberID: uuid.New(), Role: identity.RoleLibrarian}

	return env.experiment("checkout-versus-direct-issue",
		"A checkout racing a direct issue either completes in full or leaves no trace", r,
		func(ctx context.Context) error {
			// first member is unpaid so the checkout has to charge
			f := newFixture(time.Now(), 2, false, true)
			if err := r.seed(ctx, env.Backend, f); err != nil {
				return err
			}
			borrower, other := f.Members[0].ID, f.Members[1].ID
			for _, c := range f.Copies {
				if _, err := env.Circulation.AddToCart(ctx, borrower, c.ID); err != nil {
					return fmt.Errorf("fill cart: %w", err)
				}
			}

			var checkoutErr, issueErr error
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, checkoutErr = env.Circulation.CheckoutCart(ctx, borrower)
			}()
			go func() {
				defer wg.Done()
				_, issueErr = env.Circulation.IssueDirect(ctx, librarian, other, f.Copies[1].ID)
			}()
			wg.Wait()
			r.expect(checkoutErr, apperr.KindConflict)
			r.expect(issueErr, apperr.KindConflict)

			ok, err := env.checkoutIsAtomic(ctx, borrower, len(f.Copies), checkoutErr == nil)
			if err != nil {
				return err
			}
			if !ok || (checkoutErr == nil && issueErr == nil) {
				r.bad.Add(1)
			}
			return nil
		})
}

// checkoutIsAtomic reports whether the borrower shows either the full checkout (every copy
// on loan, one membership charge, empty cart) or none of it.
func (env Env) checkoutIsAtomic(ctx context.Context, borrower uuid.UUID, copies int, succeeded bool) (bool, error) {
	loans, err := env.Circulation.BorrowedBooks(ctx, borrower)
	if err != nil {
		return false, fmt.Errorf("read loans: %w", err)
	}
	payments, err := env.Ledger.PaymentsForMember(ctx, borrower)
	if err != nil {
		return false, fmt.Errorf("read payments: %w", err)
	}
	cart, err := env.Circulation.ViewCart(ctx, borrower)
	if err != nil {
		return false, fmt.Errorf("read cart: %w", err)
	}

	if succeeded {
		return len(loans) == copies && len(payments) == 1 && len(cart) == 0, nil
	}
	return len(loans) == 0 && len(payments) == 0 && len(cart) == copies, nil
}

// ReturnRace sends concurrent returns of one issued copy.
func (env Env) ReturnRace() Experiment {
	r := &round{}
	librarian := identity.Caller{MemberID: uuid.New(), Role: identity.RoleLibrarian}

	return env.experiment("concurrent-return",
		"Concurrent returns of one copy close its loan exactly once", r,
		func(ctx context.Context) error {
			f := newFixture(time.Now(), 1, true)
			if err := r.seed(ctx, env.Backend, f); err != nil {
				return err
			}
			copyID := f.Copies[0].ID
			if _, err := env.Circulation.IssueDirect(ctx, librarian, f.Members[0].ID, copyID); err != nil {
				return fmt.Errorf("issue copy: %w", err)
			}

			var wins atomic.Int64
			parallel(max(env.Workers, 2), func() {
				_, err := env.Circulation.ReturnCopy(ctx, copyID)
				if err == nil {
					wins.Add(1)
				}
				r.expect(err, apperr.KindConflict, apperr.KindInvalidState, apperr.KindNotFound)
			})
			if wins.Load() != 1 {
				r.bad.Add(1)
			}
			return nil
		})
}

func parallel(n int, fn func()) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}
	close(start)
	wg.Wait()
}

// newFixture builds one member per entry of paid, a book and copies of it.
func newFixture(now time.Time, copies int, paid ...bool) storage.Fixture {
	now = now.UTC()
	book := catalog.Book{
		ID: uuid.New(), Name: "Chaos Monkey Field Guide", Author: "Game Day",
		ISBN: "chaos-" + uuid.NewString()[:8], Price: money.MustParse("10.00"), CreatedAt: now,
	}
	f := storage.Fixture{Books: []catalog.Book{book}}

	due := fines.DateOf(now).AddDate(0, 1, 0)
	for _, p := range paid {
		id := uuid.New()
		f.Members = append(f.Members, membership.Member{
			ID: id, Email: "chaos-" + id.String() + "@shelfsync.invalid", Name: "Chaos Reader",
			Phone: "000", Role: identity.RoleMember, CreatedAt: now,
		})
		if p {
			f.Payments = append(f.Payments, membership.Payment{
				ID: uuid.New(), MemberID: id, Amount: membership.DefaultMembershipFee,
				Type: membership.PaymentMembership, TransactionTime: now, DueDate: &due,
			})
		}
	}
	for range copies {
		f.Copies = append(f.Copies, catalog.BookCopy{ID: uuid.New(), BookID: book.ID, Rack: "CHAOS", Status: catalog.StatusAvailable})
	}
	return f
}
