package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/membership"
	"shelfsync/internal/money"
)

const DefaultLockTimeout = 2 * time.Second

var _ circulation.Store = (*Store)(nil)

// Store runs circulation transactions at SERIALIZABLE isolation with a bounded lock wait.
type Store struct {
	db          *sqlx.DB
	log         *eventlog.Log
	lockTimeout time.Duration
}

func NewStore(db *sqlx.DB, log *eventlog.Log, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{db: db, log: log, lockTimeout: lockTimeout}
}

func (s *Store) RunInTx(ctx context.Context, fn func(circulation.Tx) error) error {
	return translate(s.run(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, true, fn))
}

func (s *Store) View(ctx context.Context, fn func(circulation.Tx) error) error {
	return translate(s.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, false, fn))
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, commit bool, fn func(circulation.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	// SET LOCAL takes no bind parameters
	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := sqlTx.ExecContext(ctx, timeout); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&pgTx{SQLLedger: membership.NewSQLLedger(sqlTx), tx: sqlTx, log: s.log}); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// pgTx implements circulation.Tx on one open transaction.
type pgTx struct {
	*membership.SQLLedger
	tx  *sqlx.Tx
	log *eventlog.Log
}

const selectRecords = `
	SELECT r.id, r.member_id, r.copy_id, b.name AS book_title, b.author AS book_author,
	       r.issue_date, r.due_date, r.return_date, r.fine
	FROM issue_records r
	JOIN copies c ON c.id = r.copy_id
	JOIN books b ON b.id = c.book_id
`

const selectCart = `
	SELECT ci.id, ci.member_id, ci.copy_id, ci.added_at, c.book_id,
	       b.name AS book_title, b.author AS book_author, c.rack
	FROM cart_items ci
	JOIN copies c ON c.id = ci.copy_id
	JOIN books b ON b.id = c.book_id
`

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrRecordNotFound
	}
	return err
}

func (t *pgTx) MemberExists(ctx context.Context, memberID uuid.UUID) (bool, error) {
	var ok bool
	err := t.tx.GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, memberID)
	return ok, err
}

func (t *pgTx) GetCopy(ctx context.Context, copyID uuid.UUID) (catalog.BookCopy, error) {
	var c catalog.BookCopy
	err := t.tx.GetContext(ctx, &c, `SELECT id, book_id, rack, status FROM copies WHERE id = $1`, copyID)
	return c, notFound(err)
}

func (t *pgTx) LockCopy(ctx context.Context, copyID uuid.UUID) (catalog.BookCopy, error) {
	var c catalog.BookCopy
	err := t.tx.GetContext(ctx, &c, `SELECT id, book_id, rack, status FROM copies WHERE id = $1 FOR UPDATE`, copyID)
	return c, notFound(err)
}

func (t *pgTx) UpdateCopyStatus(ctx context.Context, copyID uuid.UUID, status catalog.CopyStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE copies SET status = $2 WHERE id = $1`, copyID, string(status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrRecordNotFound
	}
	return nil
}

func (t *pgTx) FindOpenIssueRecord(ctx context.Context, copyID uuid.UUID) (*circulation.IssueRecord, error) {
	var r circulation.IssueRecord
	err := t.tx.GetContext(ctx, &r, selectRecords+` WHERE r.copy_id = $1 AND r.return_date IS NULL`, copyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) InsertIssueRecord(ctx context.Context, r circulation.IssueRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issue_records (id, member_id, copy_id, issue_date, due_date, fine)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.MemberID, r.CopyID, r.IssueDate, r.DueDate, r.Fine)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, "copy %s already has an open issue record", r.CopyID)
	}
	return err
}

func (t *pgTx) CloseIssueRecord(ctx context.Context, recordID uuid.UUID, returnDate time.Time, fine money.Amount) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE issue_records SET return_date = $2, fine = $3
		WHERE id = $1 AND return_date IS NULL
	`, recordID, returnDate, fine)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrRecordNotFound
	}
	return nil
}

func (t *pgTx) ListIssueRecords(ctx context.Context, memberID uuid.UUID, openOnly bool) ([]circulation.IssueRecord, error) {
	records := []circulation.IssueRecord{}
	err := t.tx.SelectContext(ctx, &records, selectRecords+`
		WHERE r.member_id = $1 AND (NOT $2::boolean OR r.return_date IS NULL)
		ORDER BY r.issue_date DESC, r.seq DESC
	`, memberID, openOnly)
	return records, err
}

func (t *pgTx) ListOverdueIssueRecords(ctx context.Context, today time.Time) ([]circulation.IssueRecord, error) {
	records := []circulation.IssueRecord{}
	err := t.tx.SelectContext(ctx, &records, selectRecords+`
		WHERE r.return_date IS NULL AND r.due_date < $1
		ORDER BY r.due_date, r.seq
	`, today)
	return records, err
}

func (t *pgTx) ListCartItems(ctx context.Context, memberID uuid.UUID) ([]circulation.CartItem, error) {
	items := []circulation.CartItem{}
	err := t.tx.SelectContext(ctx, &items, selectCart+` WHERE ci.member_id = $1 ORDER BY ci.seq`, memberID)
	return items, err
}

func (t *pgTx) GetCartItem(ctx context.Context, itemID uuid.UUID) (circulation.CartItem, error) {
	var item circulation.CartItem
	err := t.tx.GetContext(ctx, &item, selectCart+` WHERE ci.id = $1`, itemID)
	return item, notFound(err)
}

func (t *pgTx) FindCartItemByCopy(ctx context.Context, copyID uuid.UUID) (*circulation.CartItem, error) {
	var item circulation.CartItem
	err := t.tx.GetContext(ctx, &item, selectCart+` WHERE ci.copy_id = $1`, copyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (t *pgTx) InsertCartItem(ctx context.Context, item circulation.CartItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cart_items (id, member_id, copy_id, added_at) VALUES ($1, $2, $3, $4)
	`, item.ID, item.MemberID, item.CopyID, item.AddedAt)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, "book copy %s is already in a cart", item.CopyID)
	}
	return err
}

func (t *pgTx) DeleteCartItem(ctx context.Context, itemID uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1`, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrRecordNotFound
	}
	return nil
}

func (t *pgTx) DeleteCartItemsForMember(ctx context.Context, memberID uuid.UUID) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE member_id = $1`, memberID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *pgTx) AppendEvents(ctx context.Context, events ...eventlog.Event) error {
	return t.log.Append(ctx, t.tx, events...)
}
