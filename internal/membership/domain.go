// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/identity"
	"shelfsync/internal/money"
)

// Member represents a library member. Staff accounts are members with a librarian or owner role.
type Member struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	Email     string        `json:"email" db:"email"`
	Name      string        `json:"name" db:"name"`
	Phone     string        `json:"phone" db:"phone"`
	Role      identity.Role `json:"role" db:"role"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// Credential represents a member's login credentials.
type Credential struct {
	MemberID     uuid.UUID `db:"member_id"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
}

type PaymentType string

const (
	PaymentMembership PaymentType = "MEMBERSHIP"
	PaymentFine       PaymentType = "FINE"
)

// Payment is one entry of the append-only payment ledger. DueDate is set only for
// membership payments and marks the end of the validity window.
type Payment struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	MemberID        uuid.UUID    `json:"member_id" db:"member_id"`
	Amount          money.Amount `json:"amount" db:"amount"`
	Type            PaymentType  `json:"type" db:"type"`
	TransactionTime time.Time    `json:"transaction_time" db:"transaction_time"`
	DueDate         *time.Time   `json:"due_date,omitempty" db:"due_date"`
}

// Registration is the input for a self-service sign up.
type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// StaffAccount is a librarian or owner account created at startup when missing.
type StaffAccount struct {
	Name     string        `yaml:"name"`
	Email    string        `yaml:"email"`
	Phone    string        `yaml:"phone"`
	Password string        `yaml:"password"`
	Role     identity.Role `yaml:"role"`
}

// Profile is a member together with their current membership standing.
type Profile struct {
	Member
	MembershipActive  bool       `json:"membership_active"`
	MembershipDueDate *time.Time `json:"membership_due_date,omitempty"`
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Member    Member    `json:"member"`
}

// MemberRegisteredEvent is recorded when a new member registers.
type MemberRegisteredEvent struct {
	ID    uuid.UUID     `json:"id"`
	Email string        `json:"email"`
	Name  string        `json:"name"`
	Role  identity.Role `json:"role"`
}
