// Package storage holds what the memory and Postgres backends share.
package storage

import (
	"github.com/google/uuid"

	"shelfsync/internal/catalog"
	"shelfsync/internal/membership"
)

// Fixture is a self-contained slice of library data that a backend can seed and later purge.
// Chaos experiments and load scripts use it so they never touch data they did not create.
type Fixture struct {
	Members  []membership.Member
	Payments []membership.Payment
	Books    []catalog.Book
	Copies   []catalog.BookCopy
}

func (f Fixture) MemberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(f.Members))
	for i, m := range f.Members {
		ids[i] = m.ID
	}
	return ids
}

func (f Fixture) CopyIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(f.Copies))
	for i, c := range f.Copies {
		ids[i] = c.ID
	}
	return ids
}

func (f Fixture) BookIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(f.Books))
	for i, b := range f.Books {
		ids[i] = b.ID
	}
	return ids
}
