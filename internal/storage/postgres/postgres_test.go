package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/fines"
	"shelfsync/internal/identity"
	"shelfsync/internal/membership"
	"shelfsync/internal/money"
	"shelfsync/internal/storage"
)

func Test_translate(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
		kind     apperr.Kind
	}{
		{"serialization failure", &pq.Error{Code: codeSerializationFailure}, true, apperr.KindInternal},
		{"deadlock", &pq.Error{Code: codeDeadlockDetected}, true, apperr.KindInternal},
		{"lock timeout", fmt.Errorf("lock copy: %w", &pq.Error{Code: codeLockNotAvailable}), true, apperr.KindInternal},
		{"unique violation", &pq.Error{Code: codeUniqueViolation, Constraint: "members_email_key"}, false, apperr.KindConflict},
		{"other", &pq.Error{Code: "22001"}, false, apperr.KindInternal},
		{"domain error", apperr.NotFound("gone"), false, apperr.KindNotFound},
		{"plain", errors.New("boom"), false, apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate(tt.err)
			assert.Equal(t, tt.conflict, errors.Is(got, apperr.ErrTxConflict))
			if !tt.conflict {
				assert.Equal(t, tt.kind, apperr.KindOf(got))
			}
		})
	}
	assert.NoError(t, translate(nil))
}

// setupTestDB connects to the database named by the PG* variables and applies the schema.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	env := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("skipping test: failed to connect to database: %v", err)
	}
	require.NoError(t, Migrate(context.Background(), db))
	t.Cleanup(func() { db.Close() })
	return db
}

type env struct {
	ctx     context.Context
	db      *sqlx.DB
	store   *Store
	fixture storage.Fixture
}

// newEnv seeds one paid member, one unpaid member and n copies of a fresh book.
func newEnv(t *testing.T, copies int) *env {
	t.Helper()
	db := setupTestDB(t)
	e := &env{ctx: context.Background(), db: db, store: NewStore(db, eventlog.NewLog(db), time.Second)}

	now := time.Now().UTC()
	paid, unpaid := uuid.New(), uuid.New()
	due := fines.DateOf(now).AddDate(0, 1, 0)
	book := catalog.Book{ID: uuid.New(), Name: "Kindred", Author: "Butler", ISBN: "978-0807083697", Price: money.MustParse("15.00"), CreatedAt: now}

	e.fixture = storage.Fixture{
		Members: []membership.Member{
			{ID: paid, Email: paid.String() + "@example.com", Name: "Paid", Role: identity.RoleMember, CreatedAt: now},
			{ID: unpaid, Email: unpaid.String() + "@example.com", Name: "Unpaid", Role: identity.RoleMember, CreatedAt: now},
		},
		Payments: []membership.Payment{{
			ID: uuid.New(), MemberID: paid, Amount: membership.DefaultMembershipFee,
			Type: membership.PaymentMembership, TransactionTime: now, DueDate: &due,
		}},
		Books: []catalog.Book{book},
	}
	for range copies {
		e.fixture.Copies = append(e.fixture.Copies, catalog.BookCopy{ID: uuid.New(), BookID: book.ID, Rack: "B2", Status: catalog.StatusAvailable})
	}
	require.NoError(t, e.store.Seed(e.ctx, e.fixture))
	t.Cleanup(func() { assert.NoError(t, e.store.Purge(context.Background(), e.fixture)) })
	return e
}

func (e *env) paid() uuid.UUID   { return e.fixture.Members[0].ID }
func (e *env) unpaid() uuid.UUID { return e.fixture.Members[1].ID }

func (e *env) service() circulation.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return circulation.NewService(e.store, circulation.DefaultPolicy(), logger,
		circulation.WithRetryBackoff(10*time.Millisecond))
}

func Test_Store_ConcurrentIssueLendsOnce(t *testing.T) {
	e := newEnv(t, 1)
	svc := e.service()
	copyID := e.fixture.Copies[0].ID
	librarian := identity.Caller{MemberID: uuid.New(), Role: identity.RoleLibrarian}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.IssueDirect(e.ctx, librarian, e.paid(), copyID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	n, err := e.store.InvariantViolations(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func Test_Store_CheckoutChargesAndClearsCart(t *testing.T) {
	e := newEnv(t, 2)
	svc := e.service()
	member := e.unpaid()

	for _, c := range e.fixture.Copies {
		_, err := svc.AddToCart(e.ctx, member, c.ID)
		require.NoError(t, err)
	}
	cart, err := svc.ViewCart(e.ctx, member)
	require.NoError(t, err)
	require.Len(t, cart, 2)
	assert.Equal(t, e.fixture.Copies[0].ID, cart[0].CopyID)
	assert.Equal(t, "Kindred", cart[0].BookTitle)

	summary, err := svc.CheckoutCart(e.ctx, member)
	require.NoError(t, err)
	assert.Len(t, summary.Issued, 2)
	assert.Equal(t, membership.DefaultMembershipFee, summary.AmountCharged)

	cart, err = svc.ViewCart(e.ctx, member)
	require.NoError(t, err)
	assert.Empty(t, cart)

	borrowed, err := svc.BorrowedBooks(e.ctx, member)
	require.NoError(t, err)
	assert.Len(t, borrowed, 2)

	payments, err := membership.NewSQLLedger(e.db).PaymentsForMember(e.ctx, member)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, membership.PaymentMembership, payments[0].Type)

	n, err := e.store.InvariantViolations(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func Test_Store_CartHoldIsExclusive(t *testing.T) {
	e := newEnv(t, 1)
	copyID := e.fixture.Copies[0].ID

	insert := func(member uuid.UUID) error {
		return e.store.RunInTx(e.ctx, func(tx circulation.Tx) error {
			return tx.InsertCartItem(e.ctx, circulation.CartItem{ID: uuid.New(), MemberID: member, CopyID: copyID, AddedAt: time.Now()})
		})
	}
	require.NoError(t, insert(e.paid()))
	err := insert(e.unpaid())
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func Test_Store_ViewIsReadOnly(t *testing.T) {
	e := newEnv(t, 1)
	err := e.store.View(e.ctx, func(tx circulation.Tx) error {
		return tx.UpdateCopyStatus(e.ctx, e.fixture.Copies[0].ID, catalog.StatusIssued)
	})
	require.Error(t, err)

	err = e.store.View(e.ctx, func(tx circulation.Tx) error {
		c, err := tx.GetCopy(e.ctx, e.fixture.Copies[0].ID)
		assert.Equal(t, catalog.StatusAvailable, c.Status)
		return err
	})
	require.NoError(t, err)
}

func Test_Store_MissingRowsAreNotFound(t *testing.T) {
	e := newEnv(t, 0)
	err := e.store.RunInTx(e.ctx, func(tx circulation.Tx) error {
		_, err := tx.GetCopy(e.ctx, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrRecordNotFound)
		assert.ErrorIs(t, tx.CloseIssueRecord(e.ctx, uuid.New(), time.Now(), 0), apperr.ErrRecordNotFound)
		assert.ErrorIs(t, tx.DeleteCartItem(e.ctx, uuid.New()), apperr.ErrRecordNotFound)

		open, err := tx.FindOpenIssueRecord(e.ctx, uuid.New())
		assert.Nil(t, open)
		return err
	})
	require.NoError(t, err)
}

func Test_Store_EventsCommitWithTransaction(t *testing.T) {
	e := newEnv(t, 1)
	log := eventlog.NewLog(e.db)
	copyID := e.fixture.Copies[0].ID

	event, err := eventlog.NewEvent(eventlog.AggregateCopy, copyID, eventlog.CopyIssued, map[string]string{"note": "rolled back"}, time.Now())
	require.NoError(t, err)
	boom := errors.New("boom")
	err = e.store.RunInTx(e.ctx, func(tx circulation.Tx) error {
		require.NoError(t, tx.AppendEvents(e.ctx, event))
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := log.LoadAggregate(e.ctx, copyID)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, e.store.RunInTx(e.ctx, func(tx circulation.Tx) error {
		return tx.AppendEvents(e.ctx, event)
	}))
	events, err = log.LoadAggregate(e.ctx, copyID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.CopyIssued, events[0].EventType)

	var payload map[string]string
	require.NoError(t, events[0].Decode(&payload))
	assert.Equal(t, "rolled back", payload["note"])

	streamed, err := log.Stream(e.ctx, events[0].ID-1, 1)
	require.NoError(t, err)
	require.Len(t, streamed, 1)
	assert.Equal(t, events[0].ID, streamed[0].ID)
}
