// internal/membership/sql.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"shelfsync/internal/apperr"
	"shelfsync/internal/eventlog"
)

const uniqueViolation = "23505"

// SQLLedger reads and appends payments through ext, which may be a pool or an open transaction.
type SQLLedger struct {
	ext sqlx.ExtContext
}

func NewSQLLedger(ext sqlx.ExtContext) *SQLLedger {
	return &SQLLedger{ext: ext}
}

func (l *SQLLedger) LatestMembershipPayment(ctx context.Context, memberID uuid.UUID) (*Payment, error) {
	var p Payment
	err := sqlx.GetContext(ctx, l.ext, &p, `
		SELECT id, member_id, amount, type, transaction_time, due_date
		FROM payments
		WHERE member_id = $1 AND type = 'MEMBERSHIP'
		ORDER BY due_date DESC, transaction_time DESC
		LIMIT 1
	`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *SQLLedger) AppendPayment(ctx context.Context, p Payment) error {
	_, err := l.ext.ExecContext(ctx, `
		INSERT INTO payments (id, member_id, amount, type, transaction_time, due_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.MemberID, p.Amount, string(p.Type), p.TransactionTime, p.DueDate)
	return err
}

func (l *SQLLedger) PaymentsForMember(ctx context.Context, memberID uuid.UUID) ([]Payment, error) {
	payments := []Payment{}
	err := sqlx.SelectContext(ctx, l.ext, &payments, `
		SELECT id, member_id, amount, type, transaction_time, due_date
		FROM payments
		WHERE member_id = $1
		ORDER BY transaction_time DESC, id
	`, memberID)
	return payments, err
}

// SQLRepository stores members and credentials in Postgres.
type SQLRepository struct {
	db  *sqlx.DB
	log *eventlog.Log
}

func NewSQLRepository(db *sqlx.DB, log *eventlog.Log) *SQLRepository {
	return &SQLRepository{db: db, log: log}
}

func (r *SQLRepository) CreateMember(ctx context.Context, m Member, c Credential, events ...eventlog.Event) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO members (id, email, name, phone, role, created_at)
		VALUES (:id, :email, :name, :phone, :role, :created_at)
	`, m)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return apperr.Conflict("email %s is already registered", m.Email)
		}
		return fmt.Errorf("insert member: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO credentials (member_id, password_hash, salt)
		VALUES (:member_id, :password_hash, :salt)
	`, c); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := r.log.Append(ctx, tx, events...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) GetMember(ctx context.Context, id uuid.UUID) (Member, error) {
	return r.getMember(ctx, `WHERE id = $1`, id)
}

func (r *SQLRepository) GetMemberByEmail(ctx context.Context, email string) (Member, error) {
	return r.getMember(ctx, `WHERE email = $1`, email)
}

func (r *SQLRepository) getMember(ctx context.Context, where string, arg any) (Member, error) {
	var m Member
	err := r.db.GetContext(ctx, &m, `SELECT id, email, name, phone, role, created_at FROM members `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, apperr.ErrRecordNotFound
	}
	return m, err
}

func (r *SQLRepository) GetCredential(ctx context.Context, memberID uuid.UUID) (Credential, error) {
	var c Credential
	err := r.db.GetContext(ctx, &c, `
		SELECT member_id, password_hash, salt FROM credentials WHERE member_id = $1
	`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, apperr.ErrRecordNotFound
	}
	return c, err
}

func (r *SQLRepository) UpdateCredential(ctx context.Context, c Credential) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE credentials SET password_hash = :password_hash, salt = :salt
		WHERE member_id = :member_id
	`, c)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrRecordNotFound
	}
	return nil
}
