package dashboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"shelfsync/internal/apperr"
	"shelfsync/internal/circulation"
	"shelfsync/internal/membership"
)

var pg = goqu.Dialect("postgres")

// SQLReader answers dashboard queries from Postgres.
type SQLReader struct {
	*membership.SQLLedger
	db *sqlx.DB
}

func NewSQLReader(db *sqlx.DB) *SQLReader {
	return &SQLReader{SQLLedger: membership.NewSQLLedger(db), db: db}
}

func (r *SQLReader) MemberName(ctx context.Context, memberID uuid.UUID) (string, error) {
	query, args, err := pg.From("members").
		Select("name").
		Where(goqu.C("id").Eq(memberID)).
		Prepared(true).ToSQL()
	if err != nil {
		return "", fmt.Errorf("build member name query: %w", err)
	}

	var name string
	err = r.db.GetContext(ctx, &name, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.ErrRecordNotFound
	}
	return name, err
}

func (r *SQLReader) IssueHistory(ctx context.Context, memberID uuid.UUID) ([]circulation.IssueRecord, error) {
	query, args, err := pg.From(goqu.T("issue_records").As("r")).
		Join(goqu.T("copies").As("c"), goqu.On(goqu.I("c.id").Eq(goqu.I("r.copy_id")))).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("c.book_id")))).
		Select(
			goqu.I("r.id"),
			goqu.I("r.member_id"),
			goqu.I("r.copy_id"),
			goqu.I("b.name").As("book_title"),
			goqu.I("b.author").As("book_author"),
			goqu.I("r.issue_date"),
			goqu.I("r.due_date"),
			goqu.I("r.return_date"),
			goqu.I("r.fine"),
		).
		Where(goqu.I("r.member_id").Eq(memberID)).
		Order(goqu.I("r.issue_date").Desc(), goqu.I("r.seq").Desc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}

	records := []circulation.IssueRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *SQLReader) count(ctx context.Context, ds *goqu.SelectDataset) (int64, error) {
	query, args, err := ds.Select(goqu.COUNT(goqu.Star())).Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.db.GetContext(ctx, &n, query, args...)
	return n, err
}

func (r *SQLReader) KPIs(ctx context.Context, today time.Time) (KPIs, error) {
	var k KPIs
	openLoans := pg.From("issue_records").Where(goqu.C("return_date").IsNull())
	activeMembers := pg.From("payments").
		Select(goqu.C("member_id")).
		Where(goqu.C("type").Eq(string(membership.PaymentMembership))).
		GroupBy(goqu.C("member_id")).
		Having(goqu.MAX("due_date").Gt(today))

	counts := []struct {
		dst *int64
		ds  *goqu.SelectDataset
	}{
		{&k.TotalMembers, pg.From("members")},
		{&k.ActiveMembers, pg.From(activeMembers.As("active"))},
		{&k.TotalBooks, pg.From("books")},
		{&k.TotalCopies, pg.From("copies")},
		{&k.IssuedCopies, openLoans},
		{&k.OverdueLoans, openLoans.Where(goqu.C("due_date").Lt(today))},
	}
	for _, c := range counts {
		n, err := r.count(ctx, c.ds)
		if err != nil {
			return KPIs{}, fmt.Errorf("kpi count: %w", err)
		}
		*c.dst = n
	}

	query, args, err := pg.From("books").
		Select(goqu.COALESCE(goqu.SUM("price"), 0)).
		Prepared(true).ToSQL()
	if err != nil {
		return KPIs{}, err
	}
	if err := r.db.GetContext(ctx, &k.TotalAssetValue, query, args...); err != nil {
		return KPIs{}, fmt.Errorf("asset value: %w", err)
	}
	return k, nil
}
