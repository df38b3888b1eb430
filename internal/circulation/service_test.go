package circulation_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/fines"
	"shelfsync/internal/identity"
	"shelfsync/internal/membership"
	"shelfsync/internal/money"
	"shelfsync/internal/storage/memory"
)

var start = time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, days)
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	clock     *clock
	svc       circulation.Service
	librarian identity.Caller
	book      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(memory.WithLockTimeout(time.Second))
	clk := &clock{now: start}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		clock: clk,
		svc: circulation.NewService(store, circulation.DefaultPolicy(), logger,
			circulation.WithClock(clk.Now),
			circulation.WithRetryBackoff(time.Millisecond),
		),
		librarian: identity.Caller{MemberID: uuid.New(), Role: identity.RoleLibrarian},
		book:      uuid.New(),
	}
	require.NoError(t, store.InsertBook(f.ctx, catalog.Book{
		ID: f.book, Name: "The Left Hand of Darkness", Author: "Le Guin", Price: money.MustParse("18.00"),
	}))
	return f
}

func (f *fixture) member() uuid.UUID {
	f.t.Helper()
	id := uuid.New()
	require.NoError(f.t, f.store.CreateMember(f.ctx,
		membership.Member{ID: id, Email: id.String() + "@example.com", Name: "Reader", Role: identity.RoleMember, CreatedAt: start},
		membership.Credential{MemberID: id},
	))
	return id
}

// paidMember has a membership valid until dueIn days after today.
func (f *fixture) paidMember(dueIn int) uuid.UUID {
	f.t.Helper()
	id := f.member()
	due := fines.DateOf(f.clock.Now()).AddDate(0, 0, dueIn)
	require.NoError(f.t, f.store.AppendPayment(f.ctx, membership.Payment{
		ID: uuid.New(), MemberID: id, Amount: membership.DefaultMembershipFee,
		Type: membership.PaymentMembership, TransactionTime: f.clock.Now(), DueDate: &due,
	}))
	return id
}

func (f *fixture) copies(n int) []uuid.UUID {
	f.t.Helper()
	batch := make([]catalog.BookCopy, n)
	ids := make([]uuid.UUID, n)
	for i := range batch {
		ids[i] = uuid.New()
		batch[i] = catalog.BookCopy{ID: ids[i], BookID: f.book, Rack: "R1", Status: catalog.StatusAvailable}
	}
	require.NoError(f.t, f.store.InsertCopies(f.ctx, batch))
	return ids
}

func (f *fixture) status(copyID uuid.UUID) catalog.CopyStatus {
	f.t.Helper()
	var status catalog.CopyStatus
	require.NoError(f.t, f.store.View(f.ctx, func(tx circulation.Tx) error {
		c, err := tx.GetCopy(f.ctx, copyID)
		status = c.Status
		return err
	}))
	return status
}

func (f *fixture) payments(memberID uuid.UUID, kind membership.PaymentType) []membership.Payment {
	f.t.Helper()
	all, err := f.store.PaymentsForMember(f.ctx, memberID)
	require.NoError(f.t, err)
	out := []membership.Payment{}
	for _, p := range all {
		if p.Type == kind {
			out = append(out, p)
		}
	}
	return out
}

func (f *fixture) assertInvariants() {
	f.t.Helper()
	n, err := f.store.InvariantViolations(f.ctx)
	require.NoError(f.t, err)
	assert.Zero(f.t, n, "circulation invariants violated")
}

func (f *fixture) eventTypes() []string {
	f.t.Helper()
	events, err := f.store.Stream(f.ctx, 0, 1000)
	require.NoError(f.t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func Test_IssueDirect_CreatesLoan(t *testing.T) {
	f := newFixture(t)
	member := f.paidMember(30)
	copyID := f.copies(1)[0]

	record, err := f.svc.IssueDirect(f.ctx, f.librarian, member, copyID)
	require.NoError(t, err)

	today := fines.DateOf(start)
	assert.Equal(t, member, record.MemberID)
	assert.Equal(t, today, record.IssueDate)
	assert.Equal(t, today.AddDate(0, 0, circulation.DefaultLendingPeriodDays), record.DueDate)
	assert.True(t, record.Open())
	assert.Equal(t, "The Left Hand of Darkness", record.BookTitle)
	assert.Equal(t, catalog.StatusIssued, f.status(copyID))
	assert.Contains(t, f.eventTypes(), eventlog.CopyIssued)
	f.assertInvariants()
}

func Test_IssueDirect_Failures(t *testing.T) {
	f := newFixture(t)
	paid := f.paidMember(30)
	copyID := f.copies(1)[0]

	_, err := f.svc.IssueDirect(f.ctx, f.librarian, uuid.New(), copyID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "unknown member: %v", err)

	_, err = f.svc.IssueDirect(f.ctx, f.librarian, paid, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "unknown copy: %v", err)

	_, err = f.svc.IssueDirect(f.ctx, f.librarian, paid, copyID)
	require.NoError(t, err)
	_, err = f.svc.IssueDirect(f.ctx, f.librarian, paid, copyID)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "already issued: %v", err)
	f.assertInvariants()
}

func Test_IssueDirect_MembershipGate(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture) uuid.UUID
	}{
		{"never paid", func(f *fixture) uuid.UUID { return f.member() }},
		{"expires today", func(f *fixture) uuid.UUID { return f.paidMember(0) }},
		{"expired", func(f *fixture) uuid.UUID { return f.paidMember(-3) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			member := tt.setup(f)
			copyID := f.copies(1)[0]

			_, err := f.svc.IssueDirect(f.ctx, f.librarian, member, copyID)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindBusinessRule), "got %v", err)
			assert.Equal(t, catalog.StatusAvailable, f.status(copyID))
			assert.LessOrEqual(t, len(f.payments(member, membership.PaymentMembership)), 1, "issue must not charge")
			f.assertInvariants()
		})
	}
}

func Test_IssueDirect_ActiveWhenDueTomorrow(t *testing.T) {
	f := newFixture(t)
	member := f.paidMember(1)

	_, err := f.svc.IssueDirect(f.ctx, f.librarian, member, f.copies(1)[0])
	assert.NoError(t, err)
}

func Test_IssueDirect_ConcurrentRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	copyID := f.copies(1)[0]
	const racers = 8
	members := make([]uuid.UUID, racers)
	for i := range members {
		members[i] = f.paidMember(30)
	}

	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.IssueDirect(f.ctx, f.librarian, members[i], copyID)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, apperr.Is(err, apperr.KindConflict), "loser got %v", err)
	}
	assert.Equal(t, 1, wins)
	f.assertInvariants()
}

func Test_ReturnCopy_OverdueChargesFine(t *testing.T) {
	f := newFixture(t)
	member := f.paidMember(60)
	copyID := f.copies(1)[0]

	_, err := f.svc.IssueDirect(f.ctx, f.librarian, member, copyID)
	require.NoError(t, err)

	// due date is now five days in the past
	f.clock.Advance(circulation.DefaultLendingPeriodDays + 5)
	record, err := f.svc.ReturnCopy(f.ctx, copyID)
	require.NoError(t, err)

	assert.Equal(t, fines.DefaultPerDay.Mul(5), record.Fine)
	require.NotNil(t, record.ReturnDate)
	assert.Equal(t, fines.DateOf(f.clock.Now()), *record.ReturnDate)
	assert.Equal(t, catalog.StatusAvailable, f.status(copyID))

	finePayments := f.payments(member, membership.PaymentFine)
	require.Len(t, finePayments, 1)
	assert.Equal(t, fines.DefaultPerDay.Mul(5), finePayments[0].Amount)
	assert.Nil(t, finePayments[0].DueDate)
	assert.Contains(t, f.eventTypes(), eventlog.FineCharged)
	f.assertInvariants()
}

func Test_ReturnCopy_EarlyReturnIsFree(t *testing.T) {
	f := newFixture(t)
	member := f.paidMember(60)
	copyID := f.copies(1)[0]

	_, err := f.svc.IssueDirect(f.ctx, f.librarian, member, copyID)
	require.NoError(t, err)

	// two days before the due date
	f.clock.Advance(circulation.DefaultLendingPeriodDays - 2)
	record, err := f.svc.ReturnCopy(f.ctx, copyID)
	require.NoError(t, err)

	assert.True(t, record.Fine.IsZero())
	assert.Empty(t, f.payments(member, membership.PaymentFine))
	assert.NotContains(t, f.eventTypes(), eventlog.FineCharged)
	f.assertInvariants()
}

func Test_ReturnCopy_Failures(t *testing.T) {
	f := newFixture(t)
	copyID := f.copies(1)[0]

	_, err := f.svc.ReturnCopy(f.ctx, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "unknown copy: %v", err)

	_, err = f.svc.ReturnCopy(f.ctx, copyID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "not on loan: %v", err)
	f.assertInvariants()
}

func Test_AddToCart_DoesNotChangeStatus(t *testing.T) {
	f := newFixture(t)
	member := f.member()
	copyID := f.copies(1)[0]

	item, err := f.svc.AddToCart(f.ctx, member, copyID)
	require.NoError(t, err)

	assert.Equal(t, copyID, item.CopyID)
	assert.Equal(t, "Le Guin", item.BookAuthor)
	assert.Equal(t, "R1", item.Rack)
	assert.Equal(t, catalog.StatusAvailable, f.status(copyID))
}

func Test_AddToCart_MutualExclusion(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.member(), f.member()
	copyID := f.copies(1)[0]

	_, err := f.svc.AddToCart(f.ctx, alice, copyID)
	require.NoError(t, err)

	_, err = f.svc.AddToCart(f.ctx, bob, copyID)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "other member: %v", err)

	_, err = f.svc.AddToCart(f.ctx, alice, copyID)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "same member twice: %v", err)
}

func Test_AddToCart_IssuedCopyRejected(t *testing.T) {
	f := newFixture(t)
	copyID := f.copies(1)[0]
	_, err := f.svc.IssueDirect(f.ctx, f.librarian, f.paidMember(30), copyID)
	require.NoError(t, err)

	_, err = f.svc.AddToCart(f.ctx, f.member(), copyID)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	_, err = f.svc.AddToCart(f.ctx, f.member(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func Test_RemoveFromCart_OwnershipChecked(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.member(), f.member()
	item, err := f.svc.AddToCart(f.ctx, alice, f.copies(1)[0])
	require.NoError(t, err)

	err = f.svc.RemoveFromCart(f.ctx, bob, item.ID)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization), "got %v", err)

	err = f.svc.RemoveFromCart(f.ctx, alice, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)

	require.NoError(t, f.svc.RemoveFromCart(f.ctx, alice, item.ID))
	cart, err := f.svc.ViewCart(f.ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, cart)
}

func Test_ViewCart_InsertionOrder(t *testing.T) {
	f := newFixture(t)
	member := f.member()
	ids := f.copies(3)

	for _, i := range []int{1, 2, 0} {
		_, err := f.svc.AddToCart(f.ctx, member, ids[i])
		require.NoError(t, err)
	}

	cart, err := f.svc.ViewCart(f.ctx, member)
	require.NoError(t, err)
	require.Len(t, cart, 3)
	assert.Equal(t, []uuid.UUID{ids[1], ids[2], ids[0]}, []uuid.UUID{cart[0].CopyID, cart[1].CopyID, cart[2].CopyID})
}

func Test_CheckoutCart_EmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CheckoutCart(f.ctx, f.member())
	assert.True(t, apperr.Is(err, apperr.KindBusinessRule), "got %v", err)
}

func Test_CheckoutCart_ChargesMembershipOnce(t *testing.T) {
	f := newFixture(t)
	member := f.member()
	for _, id := range f.copies(3) {
		_, err := f.svc.AddToCart(f.ctx, member, id)
		require.NoError(t, err)
	}

	summary, err := f.svc.CheckoutCart(f.ctx, member)
	require.NoError(t, err)

	assert.Len(t, summary.Issued, 3)
	assert.Equal(t, membership.DefaultMembershipFee, summary.AmountCharged)
	assert.Equal(t, "Membership fee (500.00)", summary.PaymentDetails)

	charges := f.payments(member, membership.PaymentMembership)
	require.Len(t, charges, 1)
	assert.Equal(t, fines.DateOf(start).AddDate(0, 1, 0), *charges[0].DueDate)

	borrowed, err := f.svc.BorrowedBooks(f.ctx, member)
	require.NoError(t, err)
	assert.Len(t, borrowed, 3)

	cart, err := f.svc.ViewCart(f.ctx, member)
	require.NoError(t, err)
	assert.Empty(t, cart)

	types := f.eventTypes()
	assert.Contains(t, types, eventlog.MembershipCharged)
	assert.Contains(t, types, eventlog.CartCheckedOut)
	f.assertInvariants()
}

func Test_CheckoutCart_ActiveMemberNotCharged(t *testing.T) {
	f := newFixture(t)
	member := f.paidMember(10)
	_, err := f.svc.AddToCart(f.ctx, member, f.copies(1)[0])
	require.NoError(t, err)

	summary, err := f.svc.CheckoutCart(f.ctx, member)
	require.NoError(t, err)

	assert.True(t, summary.AmountCharged.IsZero())
	assert.Equal(t, "No payment required. Membership is active.", summary.PaymentDetails)
	assert.Len(t, f.payments(member, membership.PaymentMembership), 1)
}

func Test_CheckoutCart_IsAtomic(t *testing.T) {
	f := newFixture(t)
	member := f.member()
	ids := f.copies(3)
	for _, id := range ids {
		_, err := f.svc.AddToCart(f.ctx, member, id)
		require.NoError(t, err)
	}

	// the advisory hold does not stop a librarian issuing the middle copy directly
	_, err := f.svc.IssueDirect(f.ctx, f.librarian, f.paidMember(30), ids[1])
	require.NoError(t, err)

	_, err = f.svc.CheckoutCart(f.ctx, member)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	assert.Contains(t, err.Error(), ids[1].String())

	assert.Equal(t, catalog.StatusAvailable, f.status(ids[0]))
	assert.Equal(t, catalog.StatusAvailable, f.status(ids[2]))
	assert.Empty(t, f.payments(member, membership.PaymentMembership))

	cart, err := f.svc.ViewCart(f.ctx, member)
	require.NoError(t, err)
	assert.Len(t, cart, 3)

	borrowed, err := f.svc.BorrowedBooks(f.ctx, member)
	require.NoError(t, err)
	assert.Empty(t, borrowed)
	f.assertInvariants()
}

func Test_CheckoutCart_RacesDirectIssue(t *testing.T) {
	for range 20 {
		f := newFixture(t)
		member := f.member()
		ids := f.copies(2)
		for _, id := range ids {
			_, err := f.svc.AddToCart(f.ctx, member, id)
			require.NoError(t, err)
		}
		other := f.paidMember(30)

		var wg sync.WaitGroup
		var checkoutErr, issueErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, checkoutErr = f.svc.CheckoutCart(f.ctx, member)
		}()
		go func() {
			defer wg.Done()
			_, issueErr = f.svc.IssueDirect(f.ctx, f.librarian, other, ids[0])
		}()
		wg.Wait()

		require.True(t, (checkoutErr == nil) != (issueErr == nil), "checkout=%v issue=%v", checkoutErr, issueErr)
		if checkoutErr != nil {
			assert.True(t, apperr.Is(checkoutErr, apperr.KindConflict))
			assert.Empty(t, f.payments(member, membership.PaymentMembership))
			assert.Equal(t, catalog.StatusAvailable, f.status(ids[1]))
		} else {
			assert.True(t, apperr.Is(issueErr, apperr.KindConflict))
		}
		f.assertInvariants()
	}
}

func Test_OverdueLoans(t *testing.T) {
	f := newFixture(t)
	member := f.paidMember(90)
	ids := f.copies(2)

	_, err := f.svc.IssueDirect(f.ctx, f.librarian, member, ids[0])
	require.NoError(t, err)
	f.clock.Advance(3)
	_, err = f.svc.IssueDirect(f.ctx, f.librarian, member, ids[1])
	require.NoError(t, err)

	// first loan is one day overdue, the second is not yet due
	f.clock.Advance(circulation.DefaultLendingPeriodDays - 2)
	overdue, err := f.svc.OverdueLoans(f.ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, ids[0], overdue[0].CopyID)

	history, err := f.svc.BorrowingHistory(f.ctx, member)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[1], history[0].CopyID)
}

func Test_StoreConflictIsRetriedThenSurfaced(t *testing.T) {
	meter := newCountingMeter()
	store := &conflictingStore{Store: memory.New(), failures: 1}
	svc := circulation.NewService(store, circulation.DefaultPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		circulation.WithRetryBackoff(time.Millisecond), circulation.WithMeter(meter))

	_, err := svc.CheckoutCart(context.Background(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "retry should reach the member check: %v", err)
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, int64(1), meter.count("circulation.tx_conflicts"))

	meter = newCountingMeter()
	store = &conflictingStore{Store: memory.New(), failures: 5}
	svc = circulation.NewService(store, circulation.DefaultPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		circulation.WithRetryBackoff(time.Millisecond), circulation.WithMeter(meter))

	_, err = svc.CheckoutCart(context.Background(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	assert.ErrorIs(t, err, apperr.ErrTxConflict)
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, int64(2), meter.count("circulation.tx_conflicts"))
}

func Test_CancelledCallerIsNotAStorageFault(t *testing.T) {
	var logs bytes.Buffer
	store := &failingStore{Store: memory.New(), err: fmt.Errorf("wait for writer lock: %w", context.Canceled)}
	svc := circulation.NewService(store, circulation.DefaultPolicy(), slog.New(slog.NewTextHandler(&logs, nil)),
		circulation.WithRetryBackoff(time.Millisecond))

	_, err := svc.ReturnCopy(context.Background(), uuid.New())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.calls)
	assert.NotContains(t, logs.String(), "level=ERROR")
	assert.NotContains(t, logs.String(), "storage fault")
}

// failingStore fails every transaction with err.
type failingStore struct {
	*memory.Store
	err   error
	calls int
}

func (s *failingStore) RunInTx(context.Context, func(circulation.Tx) error) error {
	s.calls++
	return s.err
}

// countingMeter sums what each Int64Counter records, keyed by instrument name.
type countingMeter struct {
	noop.Meter
	mu     sync.Mutex
	counts map[string]int64
}

func newCountingMeter() *countingMeter {
	return &countingMeter{counts: map[string]int64{}}
}

func (m *countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return countingCounter{meter: m, name: name}, nil
}

func (m *countingMeter) count(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

type countingCounter struct {
	noop.Int64Counter
	meter *countingMeter
	name  string
}

func (c countingCounter) Add(_ context.Context, n int64, _ ...metric.AddOption) {
	c.meter.mu.Lock()
	defer c.meter.mu.Unlock()
	c.meter.counts[c.name] += n
}

// conflictingStore fails the first transactions with a serialization conflict.
type conflictingStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *conflictingStore) RunInTx(ctx context.Context, fn func(circulation.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return apperr.ErrTxConflict
	}
	return s.Store.RunInTx(ctx, fn)
}
