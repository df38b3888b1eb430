// internal/membership/billing.go
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/fines"
	"shelfsync/internal/money"
)

var DefaultMembershipFee = money.MustParse("500.00")

const DefaultMembershipMonths = 1

// PaymentLedger is the append-only payment store. Implementations may be bound to a
// transaction; billing decisions must read and append through the same one.
type PaymentLedger interface {
	// LatestMembershipPayment returns the membership payment with the greatest due date,
	// or nil when the member has never paid.
	LatestMembershipPayment(ctx context.Context, memberID uuid.UUID) (*Payment, error)
	AppendPayment(ctx context.Context, p Payment) error
	// PaymentsForMember returns every payment of a member, newest first.
	PaymentsForMember(ctx context.Context, memberID uuid.UUID) ([]Payment, error)
}

// Billing decides membership validity and charges the membership fee.
type Billing struct {
	Fee    money.Amount
	Months int
}

func NewBilling(fee money.Amount, months int) Billing {
	return Billing{Fee: fee, Months: months}
}

// Standing is the membership validity of one member on one day.
type Standing struct {
	Active  bool
	DueDate *time.Time
}

// Standing reports whether the latest membership due date is strictly after today.
func (b Billing) Standing(ctx context.Context, ledger PaymentLedger, memberID uuid.UUID, today time.Time) (Standing, error) {
	latest, err := ledger.LatestMembershipPayment(ctx, memberID)
	if err != nil {
		return Standing{}, fmt.Errorf("latest membership payment: %w", err)
	}
	if latest == nil || latest.DueDate == nil {
		return Standing{}, nil
	}
	due := fines.DateOf(*latest.DueDate)
	return Standing{
		Active:  due.After(fines.DateOf(today)),
		DueDate: &due,
	}, nil
}

func (b Billing) IsActive(ctx context.Context, ledger PaymentLedger, memberID uuid.UUID, today time.Time) (bool, error) {
	s, err := b.Standing(ctx, ledger, memberID, today)
	return s.Active, err
}

// Charge describes the outcome of ChargeMembershipIfNeeded.
type Charge struct {
	Charged bool
	Amount  money.Amount
	Payment *Payment
}

// ChargeMembershipIfNeeded appends a membership payment valid until today plus the
// membership period when the member is not active on today. It does nothing otherwise.
// Two calls while inactive charge twice, so callers run it at most once per checkout.
func (b Billing) ChargeMembershipIfNeeded(ctx context.Context, ledger PaymentLedger, memberID uuid.UUID, now, today time.Time) (Charge, error) {
	active, err := b.IsActive(ctx, ledger, memberID, today)
	if err != nil {
		return Charge{}, err
	}
	if active {
		return Charge{}, nil
	}

	due := AddMonths(fines.DateOf(today), b.Months)
	p := Payment{
		ID:              uuid.New(),
		MemberID:        memberID,
		Amount:          b.Fee,
		Type:            PaymentMembership,
		TransactionTime: now.UTC(),
		DueDate:         &due,
	}
	if err := ledger.AppendPayment(ctx, p); err != nil {
		return Charge{}, fmt.Errorf("append membership payment: %w", err)
	}
	return Charge{Charged: true, Amount: b.Fee, Payment: &p}, nil
}

// AddMonths adds calendar months to a date, clamping to the last day of the target month
// (Jan 31 + 1 month = Feb 28 or 29).
func AddMonths(date time.Time, months int) time.Time {
	y, m, d := date.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, date.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, 0, 0, 0, 0, date.Location())
}
