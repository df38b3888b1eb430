// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shelfsync/internal/apperr"
	"shelfsync/internal/eventlog"
)

const maxCopiesPerRequest = 100

// service implements the Service interface.
type service struct {
	repo   Repository
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, logger *slog.Logger) Service {
	return &service{
		repo:   repo,
		logger: logger,
		tracer: otel.Tracer("shelfsync/catalog"),
		now:    time.Now,
	}
}

// AddBook creates a new title with no copies.
func (s *service) AddBook(ctx context.Context, in NewBook) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book")
	defer span.End()

	in.Name = strings.TrimSpace(in.Name)
	in.Author = strings.TrimSpace(in.Author)
	in.ISBN = strings.TrimSpace(in.ISBN)
	switch {
	case in.Name == "":
		return nil, apperr.Invalid("book name is required")
	case in.Author == "":
		return nil, apperr.Invalid("book author is required")
	case in.ISBN == "":
		return nil, apperr.Invalid("book isbn is required")
	case in.Price < 0:
		return nil, apperr.Invalid("book price must not be negative")
	}

	book := Book{
		ID:        uuid.New(),
		Name:      in.Name,
		Author:    in.Author,
		Subject:   strings.TrimSpace(in.Subject),
		ISBN:      in.ISBN,
		Price:     in.Price,
		CreatedAt: s.now().UTC(),
	}
	event, err := eventlog.NewEvent(eventlog.AggregateBook, book.ID, eventlog.BookAdded, BookAddedEvent{
		BookID: book.ID,
		Name:   book.Name,
		Author: book.Author,
		ISBN:   book.ISBN,
		Price:  book.Price,
	}, book.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertBook(ctx, book, event); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert book: %w", err)
	}

	span.SetAttributes(attribute.String("book.id", book.ID.String()))
	s.logger.InfoContext(ctx, "book added", slog.String("book_id", book.ID.String()), slog.String("isbn", book.ISBN))
	return &book, nil
}

// AddCopies shelves count new AVAILABLE copies of a title at rack.
func (s *service) AddCopies(ctx context.Context, bookID uuid.UUID, rack string, count int) ([]BookCopy, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_copies", trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
		attribute.Int("copies.count", count),
	))
	defer span.End()

	rack = strings.TrimSpace(rack)
	if rack == "" {
		return nil, apperr.Invalid("rack is required")
	}
	if count < 1 || count > maxCopiesPerRequest {
		return nil, apperr.Invalid("number of copies must be between 1 and %d", maxCopiesPerRequest)
	}
	if _, err := s.GetBook(ctx, bookID); err != nil {
		return nil, err
	}

	copies := make([]BookCopy, count)
	ids := make([]uuid.UUID, count)
	for i := range copies {
		copies[i] = BookCopy{ID: uuid.New(), BookID: bookID, Rack: rack, Status: StatusAvailable}
		ids[i] = copies[i].ID
	}
	event, err := eventlog.NewEvent(eventlog.AggregateBook, bookID, eventlog.CopiesAdded, CopiesAddedEvent{
		BookID:  bookID,
		Rack:    rack,
		CopyIDs: ids,
	}, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertCopies(ctx, copies, event); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert copies: %w", err)
	}

	s.logger.InfoContext(ctx, "copies added", slog.String("book_id", bookID.String()), slog.Int("count", count), slog.String("rack", rack))
	return copies, nil
}

// GetBook retrieves a title with its copy counts.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	book, err := s.repo.GetBook(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrRecordNotFound) {
			return nil, apperr.NotFound("book %s not found", id)
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return &book, nil
}

func (s *service) ListBooks(ctx context.Context) ([]Book, error) {
	books, err := s.repo.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

// Search matches name, author, subject or isbn, case-insensitively.
func (s *service) Search(ctx context.Context, query string) ([]Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Invalid("missing search query")
	}
	books, err := s.repo.SearchBooks(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	span.SetAttributes(attribute.Int("search.results", len(books)))
	return books, nil
}

func (s *service) ListAvailableCopies(ctx context.Context, bookID uuid.UUID) ([]BookCopy, error) {
	if _, err := s.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	copies, err := s.repo.ListCopies(ctx, bookID, StatusAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to list copies: %w", err)
	}
	return copies, nil
}
