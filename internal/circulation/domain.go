// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/money"
)

// CartItem is a member's provisional claim on one copy. At most one cart item references a
// copy at a time. Book and rack fields are filled on read.
type CartItem struct {
	ID         uuid.UUID `json:"id" db:"id"`
	MemberID   uuid.UUID `json:"member_id" db:"member_id"`
	CopyID     uuid.UUID `json:"copy_id" db:"copy_id"`
	AddedAt    time.Time `json:"added_at" db:"added_at"`
	BookID     uuid.UUID `json:"book_id" db:"book_id"`
	BookTitle  string    `json:"book_title" db:"book_title"`
	BookAuthor string    `json:"book_author" db:"book_author"`
	Rack       string    `json:"rack" db:"rack"`
}

// IssueRecord is one loan. It is open while ReturnDate is nil; at most one open record
// references a copy, and it exists exactly when the copy is ISSUED.
type IssueRecord struct {
	ID         uuid.UUID    `json:"id" db:"id"`
	MemberID   uuid.UUID    `json:"member_id" db:"member_id"`
	CopyID     uuid.UUID    `json:"copy_id" db:"copy_id"`
	BookTitle  string       `json:"book_title" db:"book_title"`
	BookAuthor string       `json:"book_author" db:"book_author"`
	IssueDate  time.Time    `json:"issue_date" db:"issue_date"`
	DueDate    time.Time    `json:"due_date" db:"due_date"`
	ReturnDate *time.Time   `json:"return_date,omitempty" db:"return_date"`
	Fine       money.Amount `json:"fine" db:"fine"`
}

func (r IssueRecord) Open() bool {
	return r.ReturnDate == nil
}

// CheckoutSummary is the result of checking out a cart.
type CheckoutSummary struct {
	Status         string        `json:"status"`
	Issued         []IssueRecord `json:"issued"`
	AmountCharged  money.Amount  `json:"amount_charged"`
	PaymentDetails string        `json:"payment_details"`
}

// CopyIssuedEvent is recorded for every loan, direct or through checkout.
type CopyIssuedEvent struct {
	IssueRecordID uuid.UUID  `json:"issue_record_id"`
	MemberID      uuid.UUID  `json:"member_id"`
	CopyID        uuid.UUID  `json:"copy_id"`
	IssueDate     time.Time  `json:"issue_date"`
	DueDate       time.Time  `json:"due_date"`
	IssuedBy      *uuid.UUID `json:"issued_by,omitempty"`
}

type CopyReturnedEvent struct {
	IssueRecordID uuid.UUID    `json:"issue_record_id"`
	MemberID      uuid.UUID    `json:"member_id"`
	CopyID        uuid.UUID    `json:"copy_id"`
	ReturnDate    time.Time    `json:"return_date"`
	Fine          money.Amount `json:"fine"`
}

type FineChargedEvent struct {
	PaymentID     uuid.UUID    `json:"payment_id"`
	IssueRecordID uuid.UUID    `json:"issue_record_id"`
	DaysOverdue   int64        `json:"days_overdue"`
	Amount        money.Amount `json:"amount"`
}

type MembershipChargedEvent struct {
	PaymentID uuid.UUID    `json:"payment_id"`
	Amount    money.Amount `json:"amount"`
	ValidTo   time.Time    `json:"valid_to"`
}

type CartItemEvent struct {
	CartItemID uuid.UUID `json:"cart_item_id"`
	CopyID     uuid.UUID `json:"copy_id"`
}

type CartCheckedOutEvent struct {
	IssueRecordIDs []uuid.UUID  `json:"issue_record_ids"`
	AmountCharged  money.Amount `json:"amount_charged"`
}
