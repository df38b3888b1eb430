// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"

	"shelfsync/internal/eventlog"
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterMember(ctx context.Context, reg Registration) (*Member, error)
	Authenticate(ctx context.Context, email, password string) (*Session, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	Profile(ctx context.Context, id uuid.UUID) (*Profile, error)
	ChangePassword(ctx context.Context, id uuid.UUID, oldPassword, newPassword string) error
	PaymentHistory(ctx context.Context, id uuid.UUID) ([]Payment, error)
	EnsureStaff(ctx context.Context, accounts []StaffAccount) error
}

// Repository persists members and their credentials. Lookups of a missing member return
// apperr.ErrRecordNotFound; a duplicate email is an apperr conflict.
type Repository interface {
	CreateMember(ctx context.Context, m Member, c Credential, events ...eventlog.Event) error
	GetMember(ctx context.Context, id uuid.UUID) (Member, error)
	GetMemberByEmail(ctx context.Context, email string) (Member, error)
	GetCredential(ctx context.Context, memberID uuid.UUID) (Credential, error)
	UpdateCredential(ctx context.Context, c Credential) error
}
