// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/money"
)

// CopyStatus is the physical state of a copy. Cart holds are tracked separately and never
// change it.
type CopyStatus string

const (
	StatusAvailable CopyStatus = "AVAILABLE"
	StatusIssued    CopyStatus = "ISSUED"
)

func (s CopyStatus) Valid() bool {
	return s == StatusAvailable || s == StatusIssued
}

// Book is a catalog title. It groups copies and is otherwise immutable for circulation.
type Book struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	Name            string       `json:"name" db:"name"`
	Author          string       `json:"author" db:"author"`
	Subject         string       `json:"subject,omitempty" db:"subject"`
	ISBN            string       `json:"isbn" db:"isbn"`
	Price           money.Amount `json:"price" db:"price"`
	TotalCopies     int          `json:"total_copies" db:"total_copies"`
	AvailableCopies int          `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
}

// BookCopy is one physical item on a rack.
type BookCopy struct {
	ID     uuid.UUID  `json:"id" db:"id"`
	BookID uuid.UUID  `json:"book_id" db:"book_id"`
	Rack   string     `json:"rack" db:"rack"`
	Status CopyStatus `json:"status" db:"status"`
}

// Issue moves an available copy to ISSUED.
func (c *BookCopy) Issue() error {
	if c.Status != StatusAvailable {
		return apperr.Conflict("copy %s is not available (status %s)", c.ID, c.Status)
	}
	c.Status = StatusIssued
	return nil
}

// MarkReturned moves an issued copy back to AVAILABLE.
func (c *BookCopy) MarkReturned() error {
	if c.Status != StatusIssued {
		return apperr.InvalidState("copy %s is not issued (status %s)", c.ID, c.Status)
	}
	c.Status = StatusAvailable
	return nil
}

// NewBook is the input for adding a title.
type NewBook struct {
	Name    string       `json:"name"`
	Author  string       `json:"author"`
	Subject string       `json:"subject"`
	ISBN    string       `json:"isbn"`
	Price   money.Amount `json:"price"`
}

// BookAddedEvent is recorded when a title is added.
type BookAddedEvent struct {
	BookID uuid.UUID    `json:"book_id"`
	Name   string       `json:"name"`
	Author string       `json:"author"`
	ISBN   string       `json:"isbn"`
	Price  money.Amount `json:"price"`
}

// CopiesAddedEvent is recorded when copies are shelved for a title.
type CopiesAddedEvent struct {
	BookID  uuid.UUID   `json:"book_id"`
	Rack    string      `json:"rack"`
	CopyIDs []uuid.UUID `json:"copy_ids"`
}
