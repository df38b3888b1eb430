package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/circulation"
	"shelfsync/internal/dashboard"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/membership"
)

const defaultStreamLimit = 100

var (
	_ circulation.Store     = (*Store)(nil)
	_ circulation.Tx        = (*tx)(nil)
	_ catalog.Repository    = (*Store)(nil)
	_ membership.Repository = (*Store)(nil)
	_ dashboard.Reader      = (*Store)(nil)
	_ dashboard.AuditReader = (*Store)(nil)
)

// Catalog

func (s *Store) InsertBook(ctx context.Context, b catalog.Book, events ...eventlog.Event) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.books[b.ID]; ok {
			return apperr.Conflict("book %s already exists", b.ID)
		}
		b.TotalCopies, b.AvailableCopies = 0, 0
		st.books[b.ID] = b
		return st.appendEvents(events)
	})
}

func (s *Store) InsertCopies(ctx context.Context, copies []catalog.BookCopy, events ...eventlog.Event) error {
	if len(copies) == 0 {
		return nil
	}
	return s.write(ctx, func(st *state) error {
		for _, c := range copies {
			if _, ok := st.books[c.BookID]; !ok {
				return apperr.ErrRecordNotFound
			}
			if _, ok := st.copies[c.ID]; ok {
				return apperr.Conflict("copy %s already exists", c.ID)
			}
			st.copies[c.ID] = c
		}
		return st.appendEvents(events)
	})
}

func (s *Store) GetBook(_ context.Context, id uuid.UUID) (catalog.Book, error) {
	st := s.snapshot()
	if _, ok := st.books[id]; !ok {
		return catalog.Book{}, apperr.ErrRecordNotFound
	}
	return st.book(id), nil
}

func (s *Store) ListBooks(_ context.Context) ([]catalog.Book, error) {
	return s.books(func(catalog.Book) bool { return true }), nil
}

// SearchBooks matches the query case-insensitively against name, author, subject and ISBN.
func (s *Store) SearchBooks(_ context.Context, query string) ([]catalog.Book, error) {
	q := strings.ToLower(query)
	return s.books(func(b catalog.Book) bool {
		for _, field := range []string{b.Name, b.Author, b.Subject, b.ISBN} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}), nil
}

func (s *Store) books(match func(catalog.Book) bool) []catalog.Book {
	st := s.snapshot()
	out := make([]catalog.Book, 0)
	for id, b := range st.books {
		if match(b) {
			out = append(out, st.book(id))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ListCopies returns a title's copies by rack; an empty status selects every copy.
func (s *Store) ListCopies(_ context.Context, bookID uuid.UUID, status catalog.CopyStatus) ([]catalog.BookCopy, error) {
	st := s.snapshot()
	out := make([]catalog.BookCopy, 0)
	for _, c := range st.copies {
		if c.BookID == bookID && (status == "" || c.Status == status) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rack != out[j].Rack {
			return out[i].Rack < out[j].Rack
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Membership

func (s *Store) CreateMember(ctx context.Context, m membership.Member, c membership.Credential, events ...eventlog.Event) error {
	return s.write(ctx, func(st *state) error {
		for _, existing := range st.members {
			if existing.Email == m.Email {
				return apperr.Conflict("email %s is already registered", m.Email)
			}
		}
		if _, ok := st.members[m.ID]; ok {
			return apperr.Conflict("member %s already exists", m.ID)
		}
		st.members[m.ID] = m
		st.credentials[m.ID] = c
		return st.appendEvents(events)
	})
}

func (s *Store) GetMember(_ context.Context, id uuid.UUID) (membership.Member, error) {
	m, ok := s.snapshot().members[id]
	if !ok {
		return membership.Member{}, apperr.ErrRecordNotFound
	}
	return m, nil
}

func (s *Store) GetMemberByEmail(_ context.Context, email string) (membership.Member, error) {
	for _, m := range s.snapshot().members {
		if m.Email == email {
			return m, nil
		}
	}
	return membership.Member{}, apperr.ErrRecordNotFound
}

func (s *Store) GetCredential(_ context.Context, memberID uuid.UUID) (membership.Credential, error) {
	c, ok := s.snapshot().credentials[memberID]
	if !ok {
		return membership.Credential{}, apperr.ErrRecordNotFound
	}
	return c, nil
}

func (s *Store) UpdateCredential(ctx context.Context, c membership.Credential) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.credentials[c.MemberID]; !ok {
			return apperr.ErrRecordNotFound
		}
		st.credentials[c.MemberID] = c
		return nil
	})
}

// Payment ledger outside a circulation transaction.

func (s *Store) LatestMembershipPayment(_ context.Context, memberID uuid.UUID) (*membership.Payment, error) {
	return s.snapshot().latestMembershipPayment(memberID), nil
}

func (s *Store) AppendPayment(ctx context.Context, p membership.Payment) error {
	return s.write(ctx, func(st *state) error {
		st.payments = append(st.payments, p)
		return nil
	})
}

func (s *Store) PaymentsForMember(_ context.Context, memberID uuid.UUID) ([]membership.Payment, error) {
	return s.snapshot().memberPayments(memberID), nil
}

// Dashboard reads

func (s *Store) MemberName(_ context.Context, memberID uuid.UUID) (string, error) {
	m, ok := s.snapshot().members[memberID]
	if !ok {
		return "", apperr.ErrRecordNotFound
	}
	return m.Name, nil
}

func (s *Store) IssueHistory(_ context.Context, memberID uuid.UUID) ([]circulation.IssueRecord, error) {
	return s.snapshot().memberRecords(memberID, false), nil
}

func (s *Store) KPIs(_ context.Context, today time.Time) (dashboard.KPIs, error) {
	st := s.snapshot()
	k := dashboard.KPIs{
		TotalMembers: int64(len(st.members)),
		TotalBooks:   int64(len(st.books)),
		TotalCopies:  int64(len(st.copies)),
	}
	for id := range st.members {
		if p := st.latestMembershipPayment(id); p != nil && p.DueDate.After(today) {
			k.ActiveMembers++
		}
	}
	for _, c := range st.copies {
		if c.Status == catalog.StatusIssued {
			k.IssuedCopies++
		}
	}
	for _, row := range st.records {
		if row.record.Open() && row.record.DueDate.Before(today) {
			k.OverdueLoans++
		}
	}
	for _, b := range st.books {
		k.TotalAssetValue = k.TotalAssetValue.Add(b.Price)
	}
	return k, nil
}

// Event log

// Stream returns up to limit events with an id greater than afterID, oldest first.
func (s *Store) Stream(_ context.Context, afterID int64, limit int) ([]eventlog.Event, error) {
	if limit <= 0 {
		limit = defaultStreamLimit
	}
	st := s.snapshot()
	// ids are assigned in append order, so events is sorted by id
	start := sort.Search(len(st.events), func(i int) bool { return st.events[i].ID > afterID })
	end := min(start+limit, len(st.events))
	return append([]eventlog.Event{}, st.events[start:end]...), nil
}

func (s *Store) LoadAggregate(_ context.Context, aggregateID uuid.UUID) ([]eventlog.Event, error) {
	out := make([]eventlog.Event, 0)
	for _, e := range s.snapshot().events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}
