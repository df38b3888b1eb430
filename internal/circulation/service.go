// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"shelfsync/internal/identity"
)

// Service defines the interface for the circulation service. Role checks happen before a
// call reaches it; the service itself only checks ownership.
type Service interface {
	IssueDirect(ctx context.Context, librarian identity.Caller, memberID, copyID uuid.UUID) (*IssueRecord, error)
	ReturnCopy(ctx context.Context, copyID uuid.UUID) (*IssueRecord, error)

	AddToCart(ctx context.Context, memberID, copyID uuid.UUID) (*CartItem, error)
	RemoveFromCart(ctx context.Context, memberID, itemID uuid.UUID) error
	ViewCart(ctx context.Context, memberID uuid.UUID) ([]CartItem, error)
	CheckoutCart(ctx context.Context, memberID uuid.UUID) (*CheckoutSummary, error)

	BorrowedBooks(ctx context.Context, memberID uuid.UUID) ([]IssueRecord, error)
	BorrowingHistory(ctx context.Context, memberID uuid.UUID) ([]IssueRecord, error)
	OverdueLoans(ctx context.Context) ([]IssueRecord, error)
}
