// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"shelfsync/internal/eventlog"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, in NewBook) (*Book, error)
	AddCopies(ctx context.Context, bookID uuid.UUID, rack string, count int) ([]BookCopy, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	Search(ctx context.Context, query string) ([]Book, error)
	ListAvailableCopies(ctx context.Context, bookID uuid.UUID) ([]BookCopy, error)
}

// Repository persists titles and copies. Writes record their events in the same transaction.
// Lookups of a missing book return apperr.ErrRecordNotFound.
type Repository interface {
	InsertBook(ctx context.Context, b Book, events ...eventlog.Event) error
	InsertCopies(ctx context.Context, copies []BookCopy, events ...eventlog.Event) error
	GetBook(ctx context.Context, id uuid.UUID) (Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	SearchBooks(ctx context.Context, query string) ([]Book, error)
	ListCopies(ctx context.Context, bookID uuid.UUID, status CopyStatus) ([]BookCopy, error)
}
