// Package dashboard builds the read-only member and owner views over circulation data.
package dashboard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/circulation"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/fines"
	"shelfsync/internal/membership"
	"shelfsync/internal/money"
)

const recentActivityLimit = 3

// MemberDashboard is a member's landing page summary.
type MemberDashboard struct {
	MemberName        string                    `json:"member_name"`
	MembershipActive  bool                      `json:"membership_active"`
	MembershipDueDate *time.Time                `json:"membership_due_date,omitempty"`
	CurrentlyBorrowed int                       `json:"currently_borrowed"`
	TotalBorrowed     int                       `json:"total_borrowed"`
	OutstandingFines  money.Amount              `json:"outstanding_fines"`
	RecentActivity    []circulation.IssueRecord `json:"recent_activity"`
}

// KPIs is the owner's library-wide summary.
type KPIs struct {
	TotalMembers    int64        `json:"total_members" db:"total_members"`
	ActiveMembers   int64        `json:"active_members" db:"active_members"`
	TotalBooks      int64        `json:"total_books" db:"total_books"`
	TotalCopies     int64        `json:"total_copies" db:"total_copies"`
	IssuedCopies    int64        `json:"issued_copies" db:"issued_copies"`
	OverdueLoans    int64        `json:"overdue_loans" db:"overdue_loans"`
	TotalAssetValue money.Amount `json:"total_asset_value" db:"total_asset_value"`
}

// Reader is the read side the dashboards fold over.
type Reader interface {
	membership.PaymentLedger
	// MemberName returns apperr.ErrRecordNotFound for an unknown member.
	MemberName(ctx context.Context, memberID uuid.UUID) (string, error)
	// IssueHistory returns every loan of a member, newest first.
	IssueHistory(ctx context.Context, memberID uuid.UUID) ([]circulation.IssueRecord, error)
	KPIs(ctx context.Context, today time.Time) (KPIs, error)
}

// AuditReader pages through the event log.
type AuditReader interface {
	Stream(ctx context.Context, afterID int64, limit int) ([]eventlog.Event, error)
}

// BuildMemberDashboard folds a member's loan history (newest first) into their dashboard.
func BuildMemberDashboard(name string, standing membership.Standing, history []circulation.IssueRecord, calc fines.Calculator, today time.Time) MemberDashboard {
	d := MemberDashboard{
		MemberName:        name,
		MembershipActive:  standing.Active,
		MembershipDueDate: standing.DueDate,
		TotalBorrowed:     len(history),
		RecentActivity:    []circulation.IssueRecord{},
	}

	loans := make([]fines.Loan, 0, len(history))
	for _, r := range history {
		if r.Open() {
			d.CurrentlyBorrowed++
		}
		loans = append(loans, fines.Loan{DueDate: r.DueDate, Returned: !r.Open()})
	}
	d.OutstandingFines = calc.Accrued(loans, today)

	n := min(len(history), recentActivityLimit)
	d.RecentActivity = append(d.RecentActivity, history[:n]...)
	return d
}
