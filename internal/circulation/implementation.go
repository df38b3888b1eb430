// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/fines"
	"shelfsync/internal/identity"
	"shelfsync/internal/membership"
)

const (
	DefaultLendingPeriodDays = 7
	defaultRetryBackoff      = 50 * time.Millisecond
	// one retry after the first attempt
	maxTxAttempts = 2
)

const (
	logAttrMember = "member_id"
	logAttrCopy   = "copy_id"
	logAttrRecord = "issue_record_id"
	logAttrAmount = "amount"
	logAttrOp     = "operation"
)

// Policy holds the lending and billing rules.
type Policy struct {
	LendingPeriodDays int
	Fines             fines.Calculator
	Billing           membership.Billing
}

func DefaultPolicy() Policy {
	return Policy{
		LendingPeriodDays: DefaultLendingPeriodDays,
		Fines:             fines.NewCalculator(fines.DefaultPerDay),
		Billing:           membership.NewBilling(membership.DefaultMembershipFee, membership.DefaultMembershipMonths),
	}
}

type instruments struct {
	issues            metric.Int64Counter
	returns           metric.Int64Counter
	checkouts         metric.Int64Counter
	conflicts         metric.Int64Counter
	finesCharged      metric.Int64Counter
	membershipCharges metric.Int64Counter
}

func counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		otel.Handle(err)
		c, _ = noop.Meter{}.Int64Counter(name)
	}
	return c
}

func newInstruments(meter metric.Meter) instruments {
	return instruments{
		issues:            counter(meter, "circulation.issues", "Copies issued", "{copy}"),
		returns:           counter(meter, "circulation.returns", "Copies returned", "{copy}"),
		checkouts:         counter(meter, "circulation.checkouts", "Carts checked out", "{checkout}"),
		conflicts:         counter(meter, "circulation.tx_conflicts", "Transaction conflicts seen", "{conflict}"),
		finesCharged:      counter(meter, "circulation.fines_charged", "Fines charged in minor units", "{minor_unit}"),
		membershipCharges: counter(meter, "circulation.membership_charges", "Membership fees charged", "{charge}"),
	}
}

// service implements the Service interface.
type service struct {
	store        Store
	policy       Policy
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      instruments
	now          func() time.Time
	retryBackoff time.Duration
}

type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithMeter records the circulation counters on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(s *service) {
		s.metrics = newInstruments(meter)
	}
}

// WithRetryBackoff sets the pause before a conflicting transaction is retried.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *service) {
		s.retryBackoff = d
	}
}

// NewService creates a new circulation service instance.
func NewService(store Store, policy Policy, logger *slog.Logger, opts ...Option) Service {
	s := &service{
		store:        store,
		policy:       policy,
		logger:       logger,
		tracer:       otel.Tracer("shelfsync/circulation"),
		metrics:      newInstruments(otel.Meter("shelfsync/circulation")),
		now:          time.Now,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the operation's instant and its calendar date. Both are read once so every
// computation in one operation agrees on what today is.
func (s *service) clock() (time.Time, time.Time) {
	now := s.now().UTC()
	return now, fines.DateOf(now)
}

// inTx runs fn in a store transaction, retrying once on a transaction-layer conflict.
// fn must assign its results on every attempt. The conflict counter counts attempts that
// conflicted, so a retried-then-surfaced conflict adds two.
func (s *service) inTx(ctx context.Context, op string, fn func(Tx) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.store.RunInTx(ctx, fn)
		if errors.Is(err, apperr.ErrTxConflict) {
			s.metrics.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryBackoff)),
		backoff.WithMaxTries(maxTxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.WarnContext(ctx, "transaction conflict, retrying",
				slog.String(logAttrOp, op),
				slog.Duration("backoff", wait),
				slog.Any("error", err),
			)
		}),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrTxConflict):
		return apperr.Wrap(apperr.KindConflict, err, "%s: concurrent update, please retry", op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.InfoContext(ctx, "circulation operation abandoned by caller", slog.String(logAttrOp, op), slog.Any("error", err))
		return fmt.Errorf("%s: %w", op, err)
	case apperr.KindOf(err) == apperr.KindInternal:
		s.logger.ErrorContext(ctx, "circulation storage fault", slog.String(logAttrOp, op), slog.Any("error", err))
		return fmt.Errorf("%s: %w", op, err)
	default:
		return err
	}
}

func (s *service) requireMember(ctx context.Context, tx Tx, memberID uuid.UUID) error {
	ok, err := tx.MemberExists(ctx, memberID)
	if err != nil {
		return fmt.Errorf("look up member: %w", err)
	}
	if !ok {
		return apperr.NotFound("member %s not found", memberID)
	}
	return nil
}

func lockCopy(ctx context.Context, tx Tx, copyID uuid.UUID) (catalog.BookCopy, error) {
	c, err := tx.LockCopy(ctx, copyID)
	if errors.Is(err, apperr.ErrRecordNotFound) {
		return catalog.BookCopy{}, apperr.NotFound("book copy %s not found", copyID)
	}
	if err != nil {
		return catalog.BookCopy{}, fmt.Errorf("lock copy: %w", err)
	}
	return c, nil
}

func (s *service) newLoan(memberID, copyID uuid.UUID, today time.Time) IssueRecord {
	return IssueRecord{
		ID:        uuid.New(),
		MemberID:  memberID,
		CopyID:    copyID,
		IssueDate: today,
		DueDate:   today.AddDate(0, 0, s.policy.LendingPeriodDays),
	}
}

// issue applies the AVAILABLE to ISSUED transition and opens the loan record together.
func issue(ctx context.Context, tx Tx, c *catalog.BookCopy, record IssueRecord, issuedBy *uuid.UUID, at time.Time) (eventlog.Event, error) {
	if err := c.Issue(); err != nil {
		return eventlog.Event{}, err
	}
	if err := tx.UpdateCopyStatus(ctx, c.ID, c.Status); err != nil {
		return eventlog.Event{}, fmt.Errorf("update copy status: %w", err)
	}
	if err := tx.InsertIssueRecord(ctx, record); err != nil {
		return eventlog.Event{}, fmt.Errorf("insert issue record: %w", err)
	}
	return eventlog.NewEvent(eventlog.AggregateCopy, c.ID, eventlog.CopyIssued, CopyIssuedEvent{
		IssueRecordID: record.ID,
		MemberID:      record.MemberID,
		CopyID:        c.ID,
		IssueDate:     record.IssueDate,
		DueDate:       record.DueDate,
		IssuedBy:      issuedBy,
	}, at)
}

// IssueDirect lends one copy to a member on a librarian's behalf. Unlike checkout it
// never charges the membership fee; an unpaid member is refused.
func (s *service) IssueDirect(ctx context.Context, librarian identity.Caller, memberID, copyID uuid.UUID) (*IssueRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.issue_direct", trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
		attribute.String("copy.id", copyID.String()),
	))
	defer span.End()

	now, today := s.clock()
	var record IssueRecord
	err := s.inTx(ctx, "issue", func(tx Tx) error {
		if err := s.requireMember(ctx, tx, memberID); err != nil {
			return err
		}
		c, err := lockCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status != catalog.StatusAvailable {
			return apperr.Conflict("book copy %s is not available for issue", copyID)
		}

		active, err := s.policy.Billing.IsActive(ctx, tx, memberID, today)
		if err != nil {
			return err
		}
		if !active {
			return apperr.BusinessRule("member has not paid the membership fee")
		}

		record = s.newLoan(memberID, copyID, today)
		by := librarian.MemberID
		event, err := issue(ctx, tx, &c, record, &by, now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, event); err != nil {
			return err
		}

		loaded, err := tx.FindOpenIssueRecord(ctx, copyID)
		if err != nil {
			return fmt.Errorf("reload issue record: %w", err)
		}
		if loaded != nil {
			record = *loaded
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.issues.Add(ctx, 1, metric.WithAttributes(attribute.String("via", "direct")))
	s.logger.InfoContext(ctx, "copy issued",
		slog.String(logAttrMember, memberID.String()),
		slog.String(logAttrCopy, copyID.String()),
		slog.String(logAttrRecord, record.ID.String()),
		slog.String("librarian_id", librarian.MemberID.String()),
	)
	return &record, nil
}

// ReturnCopy closes the open loan on a copy and charges any overdue fine.
func (s *service) ReturnCopy(ctx context.Context, copyID uuid.UUID) (*IssueRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return_copy", trace.WithAttributes(
		attribute.String("copy.id", copyID.String()),
	))
	defer span.End()

	now, today := s.clock()
	var record IssueRecord
	err := s.inTx(ctx, "return", func(tx Tx) error {
		c, err := lockCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		open, err := tx.FindOpenIssueRecord(ctx, copyID)
		if err != nil {
			return fmt.Errorf("find open issue record: %w", err)
		}
		if open == nil {
			return apperr.NotFound("no active issue record found for copy %s", copyID)
		}
		if err := c.MarkReturned(); err != nil {
			return err
		}

		fine := s.policy.Fines.Compute(open.DueDate, today)
		if err := tx.UpdateCopyStatus(ctx, c.ID, c.Status); err != nil {
			return fmt.Errorf("update copy status: %w", err)
		}
		if err := tx.CloseIssueRecord(ctx, open.ID, today, fine); err != nil {
			return fmt.Errorf("close issue record: %w", err)
		}

		record = *open
		returned := today
		record.ReturnDate = &returned
		record.Fine = fine

		returnedEvent, err := eventlog.NewEvent(eventlog.AggregateCopy, c.ID, eventlog.CopyReturned, CopyReturnedEvent{
			IssueRecordID: record.ID,
			MemberID:      record.MemberID,
			CopyID:        c.ID,
			ReturnDate:    today,
			Fine:          fine,
		}, now)
		if err != nil {
			return err
		}
		events := []eventlog.Event{returnedEvent}

		if fine.IsPositive() {
			payment := membership.Payment{
				ID:              uuid.New(),
				MemberID:        record.MemberID,
				Amount:          fine,
				Type:            membership.PaymentFine,
				TransactionTime: now,
			}
			if err := tx.AppendPayment(ctx, payment); err != nil {
				return fmt.Errorf("append fine payment: %w", err)
			}
			fineEvent, err := eventlog.NewEvent(eventlog.AggregateMember, record.MemberID, eventlog.FineCharged, FineChargedEvent{
				PaymentID:     payment.ID,
				IssueRecordID: record.ID,
				DaysOverdue:   fines.DaysBetween(record.DueDate, today),
				Amount:        fine,
			}, now)
			if err != nil {
				return err
			}
			events = append(events, fineEvent)
		}
		return tx.AppendEvents(ctx, events...)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.returns.Add(ctx, 1)
	if record.Fine.IsPositive() {
		s.metrics.finesCharged.Add(ctx, record.Fine.Minor())
	}
	s.logger.InfoContext(ctx, "copy returned",
		slog.String(logAttrMember, record.MemberID.String()),
		slog.String(logAttrCopy, copyID.String()),
		slog.String(logAttrRecord, record.ID.String()),
		slog.String(logAttrAmount, record.Fine.String()),
	)
	return &record, nil
}

// AddToCart places a hold on an available copy. The copy keeps its AVAILABLE status;
// checkout re-validates it.
func (s *service) AddToCart(ctx context.Context, memberID, copyID uuid.UUID) (*CartItem, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.add_to_cart", trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
		attribute.String("copy.id", copyID.String()),
	))
	defer span.End()

	now, _ := s.clock()
	var item CartItem
	err := s.inTx(ctx, "add to cart", func(tx Tx) error {
		if err := s.requireMember(ctx, tx, memberID); err != nil {
			return err
		}
		c, err := tx.GetCopy(ctx, copyID)
		if errors.Is(err, apperr.ErrRecordNotFound) {
			return apperr.NotFound("book copy %s not found", copyID)
		}
		if err != nil {
			return fmt.Errorf("get copy: %w", err)
		}
		if c.Status != catalog.StatusAvailable {
			return apperr.Conflict("book copy %s is not available", copyID)
		}
		held, err := tx.FindCartItemByCopy(ctx, copyID)
		if err != nil {
			return fmt.Errorf("find cart item: %w", err)
		}
		if held != nil {
			return apperr.Conflict("book copy %s is already in a cart", copyID)
		}

		newItem := CartItem{ID: uuid.New(), MemberID: memberID, CopyID: copyID, AddedAt: now}
		if err := tx.InsertCartItem(ctx, newItem); err != nil {
			return err
		}
		event, err := eventlog.NewEvent(eventlog.AggregateMember, memberID, eventlog.CartItemAdded, CartItemEvent{
			CartItemID: newItem.ID,
			CopyID:     copyID,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, event); err != nil {
			return err
		}

		item, err = tx.GetCartItem(ctx, newItem.ID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &item, nil
}

// RemoveFromCart deletes one of the caller's own cart items.
func (s *service) RemoveFromCart(ctx context.Context, memberID, itemID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "circulation.remove_from_cart", trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
		attribute.String("cart_item.id", itemID.String()),
	))
	defer span.End()

	now, _ := s.clock()
	err := s.inTx(ctx, "remove from cart", func(tx Tx) error {
		item, err := tx.GetCartItem(ctx, itemID)
		if errors.Is(err, apperr.ErrRecordNotFound) {
			return apperr.NotFound("cart item %s not found", itemID)
		}
		if err != nil {
			return fmt.Errorf("get cart item: %w", err)
		}
		if item.MemberID != memberID {
			return apperr.Unauthorized("you are not authorized to remove this item")
		}
		if err := tx.DeleteCartItem(ctx, itemID); err != nil {
			return fmt.Errorf("delete cart item: %w", err)
		}
		event, err := eventlog.NewEvent(eventlog.AggregateMember, memberID, eventlog.CartItemRemoved, CartItemEvent{
			CartItemID: itemID,
			CopyID:     item.CopyID,
		}, now)
		if err != nil {
			return err
		}
		return tx.AppendEvents(ctx, event)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *service) ViewCart(ctx context.Context, memberID uuid.UUID) ([]CartItem, error) {
	var items []CartItem
	err := s.store.View(ctx, func(tx Tx) error {
		if err := s.requireMember(ctx, tx, memberID); err != nil {
			return err
		}
		var err error
		items, err = tx.ListCartItems(ctx, memberID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CheckoutCart turns every cart item into a loan, charging the membership fee once if the
// member is not active. Either all copies are issued or nothing changes.
func (s *service) CheckoutCart(ctx context.Context, memberID uuid.UUID) (*CheckoutSummary, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.checkout_cart", trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
	))
	defer span.End()

	now, today := s.clock()
	var summary CheckoutSummary
	err := s.inTx(ctx, "checkout", func(tx Tx) error {
		if err := s.requireMember(ctx, tx, memberID); err != nil {
			return err
		}
		items, err := tx.ListCartItems(ctx, memberID)
		if err != nil {
			return fmt.Errorf("list cart items: %w", err)
		}
		if len(items) == 0 {
			return apperr.BusinessRule("your cart is empty")
		}

		// Validate the whole batch before touching anything.
		copies := make([]catalog.BookCopy, len(items))
		for i, item := range items {
			c, err := tx.LockCopy(ctx, item.CopyID)
			if errors.Is(err, apperr.ErrRecordNotFound) {
				return apperr.Conflict("book %q (copy %s) is no longer available", item.BookTitle, item.CopyID)
			}
			if err != nil {
				return fmt.Errorf("lock copy: %w", err)
			}
			if c.Status != catalog.StatusAvailable {
				return apperr.Conflict("book %q (copy %s) is no longer available", item.BookTitle, item.CopyID)
			}
			copies[i] = c
		}

		charge, err := s.policy.Billing.ChargeMembershipIfNeeded(ctx, tx, memberID, now, today)
		if err != nil {
			return err
		}

		var events []eventlog.Event
		if charge.Charged {
			event, err := eventlog.NewEvent(eventlog.AggregateMember, memberID, eventlog.MembershipCharged, MembershipChargedEvent{
				PaymentID: charge.Payment.ID,
				Amount:    charge.Amount,
				ValidTo:   *charge.Payment.DueDate,
			}, now)
			if err != nil {
				return err
			}
			events = append(events, event)
		}

		issued := make([]IssueRecord, 0, len(items))
		recordIDs := make([]uuid.UUID, 0, len(items))
		for i, item := range items {
			record := s.newLoan(memberID, item.CopyID, today)
			record.BookTitle = item.BookTitle
			record.BookAuthor = item.BookAuthor
			event, err := issue(ctx, tx, &copies[i], record, nil, now)
			if err != nil {
				return err
			}
			events = append(events, event)
			issued = append(issued, record)
			recordIDs = append(recordIDs, record.ID)
		}

		if _, err := tx.DeleteCartItemsForMember(ctx, memberID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		checkedOut, err := eventlog.NewEvent(eventlog.AggregateMember, memberID, eventlog.CartCheckedOut, CartCheckedOutEvent{
			IssueRecordIDs: recordIDs,
			AmountCharged:  charge.Amount,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, append(events, checkedOut)...); err != nil {
			return err
		}

		summary = CheckoutSummary{
			Status:         "Success! Books have been issued to your account.",
			Issued:         issued,
			AmountCharged:  charge.Amount,
			PaymentDetails: paymentDetails(charge),
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.checkouts.Add(ctx, 1)
	s.metrics.issues.Add(ctx, int64(len(summary.Issued)), metric.WithAttributes(attribute.String("via", "checkout")))
	if summary.AmountCharged.IsPositive() {
		s.metrics.membershipCharges.Add(ctx, 1)
	}
	s.logger.InfoContext(ctx, "cart checked out",
		slog.String(logAttrMember, memberID.String()),
		slog.Int("copies", len(summary.Issued)),
		slog.String(logAttrAmount, summary.AmountCharged.String()),
	)
	return &summary, nil
}

func paymentDetails(charge membership.Charge) string {
	if !charge.Charged {
		return "No payment required. Membership is active."
	}
	return fmt.Sprintf("Membership fee (%s)", charge.Amount)
}

// BorrowedBooks lists the member's open loans.
func (s *service) BorrowedBooks(ctx context.Context, memberID uuid.UUID) ([]IssueRecord, error) {
	return s.memberLoans(ctx, memberID, true)
}

// BorrowingHistory lists every loan of the member, newest first.
func (s *service) BorrowingHistory(ctx context.Context, memberID uuid.UUID) ([]IssueRecord, error) {
	return s.memberLoans(ctx, memberID, false)
}

func (s *service) memberLoans(ctx context.Context, memberID uuid.UUID, openOnly bool) ([]IssueRecord, error) {
	var records []IssueRecord
	err := s.store.View(ctx, func(tx Tx) error {
		if err := s.requireMember(ctx, tx, memberID); err != nil {
			return err
		}
		var err error
		records, err = tx.ListIssueRecords(ctx, memberID, openOnly)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// OverdueLoans lists open loans past their due date.
func (s *service) OverdueLoans(ctx context.Context) ([]IssueRecord, error) {
	_, today := s.clock()
	var records []IssueRecord
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		records, err = tx.ListOverdueIssueRecords(ctx, today)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
