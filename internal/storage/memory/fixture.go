package memory

import (
	"context"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/membership"
	"shelfsync/internal/storage"
)

// Seed inserts every row of f in one transaction. Members get an empty credential.
func (s *Store) Seed(ctx context.Context, f storage.Fixture) error {
	return s.write(ctx, func(st *state) error {
		for _, m := range f.Members {
			if _, ok := st.members[m.ID]; ok {
				return apperr.Conflict("member %s already exists", m.ID)
			}
			st.members[m.ID] = m
			st.credentials[m.ID] = membership.Credential{MemberID: m.ID}
		}
		for _, b := range f.Books {
			st.books[b.ID] = b
		}
		for _, c := range f.Copies {
			if _, ok := st.books[c.BookID]; !ok {
				return apperr.ErrRecordNotFound
			}
			st.copies[c.ID] = c
		}
		st.payments = append(st.payments, f.Payments...)
		return nil
	})
}

// Purge removes the fixture and everything that came to reference it.
func (s *Store) Purge(ctx context.Context, f storage.Fixture) error {
	members := set(f.MemberIDs())
	copies := set(f.CopyIDs())
	books := set(f.BookIDs())

	return s.write(ctx, func(st *state) error {
		for id, row := range st.cart {
			if members[row.item.MemberID] || copies[row.item.CopyID] {
				delete(st.cart, id)
			}
		}
		for id, row := range st.records {
			if members[row.record.MemberID] || copies[row.record.CopyID] {
				delete(st.records, id)
			}
		}
		payments := st.payments[:0]
		for _, p := range st.payments {
			if !members[p.MemberID] {
				payments = append(payments, p)
			}
		}
		st.payments = payments

		events := st.events[:0]
		for _, e := range st.events {
			if !members[e.AggregateID] && !copies[e.AggregateID] && !books[e.AggregateID] {
				events = append(events, e)
			}
		}
		st.events = events

		for id := range copies {
			delete(st.copies, id)
		}
		for id := range books {
			delete(st.books, id)
		}
		for id := range members {
			delete(st.members, id)
			delete(st.credentials, id)
		}
		return nil
	})
}

func set(ids []uuid.UUID) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
