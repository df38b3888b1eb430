// internal/circulation/store.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/catalog"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/membership"
	"shelfsync/internal/money"
)

// Store runs circulation work against persistent state.
type Store interface {
	// RunInTx runs fn in one serializable transaction and commits when fn returns nil.
	// Lock waits are bounded; a lock timeout or serialization failure surfaces as an error
	// wrapping apperr.ErrTxConflict, and nothing fn did is kept.
	RunInTx(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of queries circulation needs inside one transaction. Missing rows are
// reported as apperr.ErrRecordNotFound, except where a nil result is documented.
type Tx interface {
	membership.PaymentLedger

	MemberExists(ctx context.Context, memberID uuid.UUID) (bool, error)

	GetCopy(ctx context.Context, copyID uuid.UUID) (catalog.BookCopy, error)
	// LockCopy reads a copy and holds its row lock until the transaction ends.
	LockCopy(ctx context.Context, copyID uuid.UUID) (catalog.BookCopy, error)
	UpdateCopyStatus(ctx context.Context, copyID uuid.UUID, status catalog.CopyStatus) error

	// FindOpenIssueRecord returns nil when the copy is not on loan.
	FindOpenIssueRecord(ctx context.Context, copyID uuid.UUID) (*IssueRecord, error)
	// InsertIssueRecord fails with an apperr conflict if the copy already has an open record.
	InsertIssueRecord(ctx context.Context, r IssueRecord) error
	CloseIssueRecord(ctx context.Context, recordID uuid.UUID, returnDate time.Time, fine money.Amount) error
	// ListIssueRecords returns a member's loans, newest first.
	ListIssueRecords(ctx context.Context, memberID uuid.UUID, openOnly bool) ([]IssueRecord, error)
	// ListOverdueIssueRecords returns open loans due before today, oldest due date first.
	ListOverdueIssueRecords(ctx context.Context, today time.Time) ([]IssueRecord, error)

	// ListCartItems returns a member's cart in the order items were added.
	ListCartItems(ctx context.Context, memberID uuid.UUID) ([]CartItem, error)
	GetCartItem(ctx context.Context, itemID uuid.UUID) (CartItem, error)
	// FindCartItemByCopy returns nil when no cart holds the copy.
	FindCartItemByCopy(ctx context.Context, copyID uuid.UUID) (*CartItem, error)
	// InsertCartItem fails with an apperr conflict if any cart already holds the copy.
	InsertCartItem(ctx context.Context, item CartItem) error
	DeleteCartItem(ctx context.Context, itemID uuid.UUID) error
	DeleteCartItemsForMember(ctx context.Context, memberID uuid.UUID) (int, error)

	AppendEvents(ctx context.Context, events ...eventlog.Event) error
}
