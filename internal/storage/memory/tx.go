package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/membership"
	"shelfsync/internal/money"
)

// tx implements circulation.Tx over one state. Read-only transactions share the committed
// snapshot and reject writes.
type tx struct {
	st       *state
	writable bool
}

func (t *tx) mutable() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

func (t *tx) MemberExists(_ context.Context, memberID uuid.UUID) (bool, error) {
	_, ok := t.st.members[memberID]
	return ok, nil
}

func (t *tx) GetCopy(_ context.Context, copyID uuid.UUID) (catalog.BookCopy, error) {
	c, ok := t.st.copies[copyID]
	if !ok {
		return catalog.BookCopy{}, apperr.ErrRecordNotFound
	}
	return c, nil
}

// LockCopy needs no row lock: the transaction already owns the writer slot.
func (t *tx) LockCopy(ctx context.Context, copyID uuid.UUID) (catalog.BookCopy, error) {
	if err := t.mutable(); err != nil {
		return catalog.BookCopy{}, err
	}
	return t.GetCopy(ctx, copyID)
}

func (t *tx) UpdateCopyStatus(_ context.Context, copyID uuid.UUID, status catalog.CopyStatus) error {
	if err := t.mutable(); err != nil {
		return err
	}
	c, ok := t.st.copies[copyID]
	if !ok {
		return apperr.ErrRecordNotFound
	}
	c.Status = status
	t.st.copies[copyID] = c
	return nil
}

func (t *tx) FindOpenIssueRecord(_ context.Context, copyID uuid.UUID) (*circulation.IssueRecord, error) {
	for _, row := range t.st.records {
		if row.record.CopyID == copyID && row.record.Open() {
			r := t.st.issueRecord(row)
			return &r, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertIssueRecord(ctx context.Context, r circulation.IssueRecord) error {
	if err := t.mutable(); err != nil {
		return err
	}
	open, _ := t.FindOpenIssueRecord(ctx, r.CopyID)
	if open != nil {
		return apperr.Conflict("copy %s already has an open issue record", r.CopyID)
	}
	r.BookTitle, r.BookAuthor = "", ""
	t.st.records[r.ID] = recordRow{record: r, seq: t.st.seq()}
	return nil
}

func (t *tx) CloseIssueRecord(_ context.Context, recordID uuid.UUID, returnDate time.Time, fine money.Amount) error {
	if err := t.mutable(); err != nil {
		return err
	}
	row, ok := t.st.records[recordID]
	if !ok || !row.record.Open() {
		return apperr.ErrRecordNotFound
	}
	returned := returnDate
	row.record.ReturnDate = &returned
	row.record.Fine = fine
	t.st.records[recordID] = row
	return nil
}

func (t *tx) ListIssueRecords(_ context.Context, memberID uuid.UUID, openOnly bool) ([]circulation.IssueRecord, error) {
	return t.st.memberRecords(memberID, openOnly), nil
}

func (t *tx) ListOverdueIssueRecords(_ context.Context, today time.Time) ([]circulation.IssueRecord, error) {
	rows := make([]recordRow, 0)
	for _, row := range t.st.records {
		if row.record.Open() && row.record.DueDate.Before(today) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.record.DueDate.Equal(b.record.DueDate) {
			return a.record.DueDate.Before(b.record.DueDate)
		}
		return a.seq < b.seq
	})
	out := make([]circulation.IssueRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, t.st.issueRecord(row))
	}
	return out, nil
}

func (t *tx) ListCartItems(_ context.Context, memberID uuid.UUID) ([]circulation.CartItem, error) {
	rows := make([]cartRow, 0)
	for _, row := range t.st.cart {
		if row.item.MemberID == memberID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]circulation.CartItem, 0, len(rows))
	for _, row := range rows {
		out = append(out, t.st.cartItem(row))
	}
	return out, nil
}

func (t *tx) GetCartItem(_ context.Context, itemID uuid.UUID) (circulation.CartItem, error) {
	row, ok := t.st.cart[itemID]
	if !ok {
		return circulation.CartItem{}, apperr.ErrRecordNotFound
	}
	return t.st.cartItem(row), nil
}

func (t *tx) FindCartItemByCopy(_ context.Context, copyID uuid.UUID) (*circulation.CartItem, error) {
	for _, row := range t.st.cart {
		if row.item.CopyID == copyID {
			item := t.st.cartItem(row)
			return &item, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertCartItem(ctx context.Context, item circulation.CartItem) error {
	if err := t.mutable(); err != nil {
		return err
	}
	held, _ := t.FindCartItemByCopy(ctx, item.CopyID)
	if held != nil {
		return apperr.Conflict("book copy %s is already in a cart", item.CopyID)
	}
	if _, ok := t.st.copies[item.CopyID]; !ok {
		return apperr.ErrRecordNotFound
	}
	t.st.cart[item.ID] = cartRow{
		item: circulation.CartItem{ID: item.ID, MemberID: item.MemberID, CopyID: item.CopyID, AddedAt: item.AddedAt},
		seq:  t.st.seq(),
	}
	return nil
}

func (t *tx) DeleteCartItem(_ context.Context, itemID uuid.UUID) error {
	if err := t.mutable(); err != nil {
		return err
	}
	if _, ok := t.st.cart[itemID]; !ok {
		return apperr.ErrRecordNotFound
	}
	delete(t.st.cart, itemID)
	return nil
}

func (t *tx) DeleteCartItemsForMember(_ context.Context, memberID uuid.UUID) (int, error) {
	if err := t.mutable(); err != nil {
		return 0, err
	}
	n := 0
	for id, row := range t.st.cart {
		if row.item.MemberID == memberID {
			delete(t.st.cart, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) AppendEvents(_ context.Context, events ...eventlog.Event) error {
	if err := t.mutable(); err != nil {
		return err
	}
	return t.st.appendEvents(events)
}

func (t *tx) LatestMembershipPayment(_ context.Context, memberID uuid.UUID) (*membership.Payment, error) {
	return t.st.latestMembershipPayment(memberID), nil
}

func (t *tx) AppendPayment(_ context.Context, p membership.Payment) error {
	if err := t.mutable(); err != nil {
		return err
	}
	t.st.payments = append(t.st.payments, p)
	return nil
}

func (t *tx) PaymentsForMember(_ context.Context, memberID uuid.UUID) ([]membership.Payment, error) {
	return t.st.memberPayments(memberID), nil
}
