package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"shelfsync/internal/storage"
)

// InvariantViolations counts copies whose status disagrees with their open issue records,
// plus copies held by more than one cart.
func (s *Store) InvariantViolations(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		WITH open AS (
			SELECT copy_id, COUNT(*) AS n FROM issue_records
			WHERE return_date IS NULL GROUP BY copy_id
		), held AS (
			SELECT copy_id, COUNT(*) AS n FROM cart_items GROUP BY copy_id
		)
		SELECT
			(SELECT COUNT(*) FROM copies c LEFT JOIN open o ON o.copy_id = c.id
			 WHERE COALESCE(o.n, 0) > 1
			    OR (c.status = 'ISSUED' AND COALESCE(o.n, 0) <> 1)
			    OR (c.status = 'AVAILABLE' AND COALESCE(o.n, 0) <> 0))
			+ (SELECT COUNT(*) FROM held WHERE n > 1)
	`)
	if err != nil {
		return 0, fmt.Errorf("count invariant violations: %w", err)
	}
	return n, nil
}

// Seed inserts every row of f in one transaction. Members get an empty credential.
func (s *Store) Seed(ctx context.Context, f storage.Fixture) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return seed(ctx, tx, f)
	})
}

func seed(ctx context.Context, tx *sqlx.Tx, f storage.Fixture) error {
	for _, m := range f.Members {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO members (id, email, name, phone, role, created_at)
			VALUES (:id, :email, :name, :phone, :role, :created_at)
		`, m); err != nil {
			return translate(fmt.Errorf("seed member %s: %w", m.ID, err))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (member_id, password_hash, salt) VALUES ($1, '', '')
		`, m.ID); err != nil {
			return fmt.Errorf("seed credential %s: %w", m.ID, err)
		}
	}
	for _, b := range f.Books {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO books (id, name, author, subject, isbn, price, created_at)
			VALUES (:id, :name, :author, :subject, :isbn, :price, :created_at)
		`, b); err != nil {
			return fmt.Errorf("seed book %s: %w", b.ID, err)
		}
	}
	for _, c := range f.Copies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO copies (id, book_id, rack, status) VALUES ($1, $2, $3, $4)
		`, c.ID, c.BookID, c.Rack, string(c.Status)); err != nil {
			return fmt.Errorf("seed copy %s: %w", c.ID, err)
		}
	}
	for _, p := range f.Payments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, member_id, amount, type, transaction_time, due_date)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ID, p.MemberID, p.Amount, string(p.Type), p.TransactionTime, p.DueDate); err != nil {
			return fmt.Errorf("seed payment %s: %w", p.ID, err)
		}
	}
	return nil
}

// Purge removes the fixture and everything that came to reference it.
func (s *Store) Purge(ctx context.Context, f storage.Fixture) error {
	members := pq.Array(f.MemberIDs())
	copies := pq.Array(f.CopyIDs())
	books := pq.Array(f.BookIDs())

	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM cart_items WHERE member_id = ANY($1::uuid[]) OR copy_id = ANY($2::uuid[])`, []any{members, copies}},
		{`DELETE FROM issue_records WHERE member_id = ANY($1::uuid[]) OR copy_id = ANY($2::uuid[])`, []any{members, copies}},
		{`DELETE FROM payments WHERE member_id = ANY($1::uuid[])`, []any{members}},
		{`DELETE FROM events WHERE aggregate_id = ANY($1::uuid[]) OR aggregate_id = ANY($2::uuid[]) OR aggregate_id = ANY($3::uuid[])`, []any{members, copies, books}},
		{`DELETE FROM copies WHERE id = ANY($1::uuid[])`, []any{copies}},
		{`DELETE FROM books WHERE id = ANY($1::uuid[])`, []any{books}},
		{`DELETE FROM members WHERE id = ANY($1::uuid[])`, []any{members}},
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
				return fmt.Errorf("purge fixture: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
