// Package memory is a transactional in-memory backend for every ShelfSync repository.
// Each write transaction works on a private clone of the state which replaces the shared
// state on commit, so a failed transaction leaves nothing behind. Only one writer runs at a
// time and waiting for the writer slot is bounded.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/membership"
)

// DefaultLockTimeout bounds how long a transaction waits for the writer slot.
const DefaultLockTimeout = 2 * time.Second

var errReadOnly = errors.New("memory store: write in read-only transaction")

type cartRow struct {
	item circulation.CartItem
	seq  int64
}

type recordRow struct {
	record circulation.IssueRecord
	seq    int64
}

type state struct {
	members     map[uuid.UUID]membership.Member
	credentials map[uuid.UUID]membership.Credential
	books       map[uuid.UUID]catalog.Book
	copies      map[uuid.UUID]catalog.BookCopy
	cart        map[uuid.UUID]cartRow
	records     map[uuid.UUID]recordRow
	payments    []membership.Payment
	events      []eventlog.Event
	nextSeq     int64
	nextEventID int64
}

func newState() *state {
	return &state{
		members:     map[uuid.UUID]membership.Member{},
		credentials: map[uuid.UUID]membership.Credential{},
		books:       map[uuid.UUID]catalog.Book{},
		copies:      map[uuid.UUID]catalog.BookCopy{},
		cart:        map[uuid.UUID]cartRow{},
		records:     map[uuid.UUID]recordRow{},
		payments:    []membership.Payment{},
		events:      []eventlog.Event{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone copies every table. Rows are values; the pointers they carry (return and due
// dates) are never mutated in place, only replaced.
func (s *state) clone() *state {
	return &state{
		members:     cloneMap(s.members),
		credentials: cloneMap(s.credentials),
		books:       cloneMap(s.books),
		copies:      cloneMap(s.copies),
		cart:        cloneMap(s.cart),
		records:     cloneMap(s.records),
		payments:    append([]membership.Payment(nil), s.payments...),
		events:      append([]eventlog.Event(nil), s.events...),
		nextSeq:     s.nextSeq,
		nextEventID: s.nextEventID,
	}
}

func (s *state) seq() int64 {
	s.nextSeq++
	return s.nextSeq
}

// Store holds the committed state.
type Store struct {
	mu          sync.RWMutex
	committed   *state
	writer      chan struct{}
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout sets how long a transaction may wait for the writer slot before it fails
// with apperr.ErrTxConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		committed:   newState(),
		writer:      make(chan struct{}, 1),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

func (s *Store) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case s.writer <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: writer lock not acquired within %s", apperr.ErrTxConflict, s.lockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("wait for writer lock: %w", ctx.Err())
	}
}

func (s *Store) release() {
	<-s.writer
}

// write runs fn against a private clone and publishes it when fn succeeds.
func (s *Store) write(ctx context.Context, fn func(*state) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	work := s.snapshot().clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = work
	s.mu.Unlock()
	return nil
}

// RunInTx implements circulation.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(circulation.Tx) error) error {
	return s.write(ctx, func(st *state) error {
		return fn(&tx{st: st, writable: true})
	})
}

// View implements circulation.Store. The snapshot it reads is never modified.
func (s *Store) View(ctx context.Context, fn func(circulation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&tx{st: s.snapshot()})
}

func (st *state) appendEvents(events []eventlog.Event) error {
	for i := range events {
		if events[i].EventType == "" {
			return eventlog.ErrEmptyEventType
		}
		st.nextEventID++
		events[i].ID = st.nextEventID
		st.events = append(st.events, events[i])
	}
	return nil
}

func (st *state) book(id uuid.UUID) catalog.Book {
	b := st.books[id]
	b.TotalCopies, b.AvailableCopies = 0, 0
	for _, c := range st.copies {
		if c.BookID != id {
			continue
		}
		b.TotalCopies++
		if c.Status == catalog.StatusAvailable {
			b.AvailableCopies++
		}
	}
	return b
}

func (st *state) cartItem(row cartRow) circulation.CartItem {
	item := row.item
	c := st.copies[item.CopyID]
	b := st.books[c.BookID]
	item.BookID = c.BookID
	item.BookTitle = b.Name
	item.BookAuthor = b.Author
	item.Rack = c.Rack
	return item
}

func (st *state) issueRecord(row recordRow) circulation.IssueRecord {
	r := row.record
	b := st.books[st.copies[r.CopyID].BookID]
	r.BookTitle = b.Name
	r.BookAuthor = b.Author
	return r
}

// memberRecords returns a member's loans, newest issue date first.
func (st *state) memberRecords(memberID uuid.UUID, openOnly bool) []circulation.IssueRecord {
	rows := make([]recordRow, 0)
	for _, row := range st.records {
		if row.record.MemberID != memberID {
			continue
		}
		if openOnly && !row.record.Open() {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.record.IssueDate.Equal(b.record.IssueDate) {
			return a.record.IssueDate.After(b.record.IssueDate)
		}
		return a.seq > b.seq
	})
	out := make([]circulation.IssueRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, st.issueRecord(row))
	}
	return out
}

func (st *state) latestMembershipPayment(memberID uuid.UUID) *membership.Payment {
	var latest *membership.Payment
	for i := range st.payments {
		p := st.payments[i]
		if p.MemberID != memberID || p.Type != membership.PaymentMembership || p.DueDate == nil {
			continue
		}
		if latest == nil || p.DueDate.After(*latest.DueDate) ||
			(p.DueDate.Equal(*latest.DueDate) && p.TransactionTime.After(latest.TransactionTime)) {
			latest = &p
		}
	}
	return latest
}

// memberPayments returns payments newest first. Ties keep the most recently appended first.
func (st *state) memberPayments(memberID uuid.UUID) []membership.Payment {
	out := make([]membership.Payment, 0)
	for i := len(st.payments) - 1; i >= 0; i-- {
		if st.payments[i].MemberID == memberID {
			out = append(out, st.payments[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TransactionTime.After(out[j].TransactionTime)
	})
	return out
}
