// internal/catalog/sql.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"shelfsync/internal/apperr"
	"shelfsync/internal/eventlog"
)

const selectBooks = `
	SELECT b.id, b.name, b.author, b.subject, b.isbn, b.price, b.created_at,
	       COUNT(c.id) AS total_copies,
	       COUNT(c.id) FILTER (WHERE c.status = 'AVAILABLE') AS available_copies
	FROM books b
	LEFT JOIN copies c ON c.book_id = b.id
`

// SQLRepository stores the catalog in Postgres.
type SQLRepository struct {
	db  *sqlx.DB
	log *eventlog.Log
}

func NewSQLRepository(db *sqlx.DB, log *eventlog.Log) *SQLRepository {
	return &SQLRepository{db: db, log: log}
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) InsertBook(ctx context.Context, b Book, events ...eventlog.Event) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO books (id, name, author, subject, isbn, price, created_at)
			VALUES (:id, :name, :author, :subject, :isbn, :price, :created_at)
		`, b)
		if err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		return r.log.Append(ctx, tx, events...)
	})
}

func (r *SQLRepository) InsertCopies(ctx context.Context, copies []BookCopy, events ...eventlog.Event) error {
	if len(copies) == 0 {
		return nil
	}
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO copies (id, book_id, rack, status)
			VALUES (:id, :book_id, :rack, :status)
		`, copies)
		if err != nil {
			return fmt.Errorf("insert copies: %w", err)
		}
		return r.log.Append(ctx, tx, events...)
	})
}

func (r *SQLRepository) GetBook(ctx context.Context, id uuid.UUID) (Book, error) {
	var b Book
	err := r.db.GetContext(ctx, &b, selectBooks+` WHERE b.id = $1 GROUP BY b.id`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, apperr.ErrRecordNotFound
	}
	return b, err
}

func (r *SQLRepository) ListBooks(ctx context.Context) ([]Book, error) {
	books := []Book{}
	err := r.db.SelectContext(ctx, &books, selectBooks+` GROUP BY b.id ORDER BY b.name, b.id`)
	return books, err
}

func (r *SQLRepository) SearchBooks(ctx context.Context, query string) ([]Book, error) {
	books := []Book{}
	err := r.db.SelectContext(ctx, &books, selectBooks+`
		WHERE b.name ILIKE '%' || $1 || '%'
		   OR b.author ILIKE '%' || $1 || '%'
		   OR b.subject ILIKE '%' || $1 || '%'
		   OR b.isbn ILIKE '%' || $1 || '%'
		GROUP BY b.id
		ORDER BY b.name, b.id
	`, query)
	return books, err
}

// ListCopies returns the copies of a title; an empty status returns every copy.
func (r *SQLRepository) ListCopies(ctx context.Context, bookID uuid.UUID, status CopyStatus) ([]BookCopy, error) {
	copies := []BookCopy{}
	err := r.db.SelectContext(ctx, &copies, `
		SELECT id, book_id, rack, status
		FROM copies
		WHERE book_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY rack, id
	`, bookID, string(status))
	return copies, err
}
