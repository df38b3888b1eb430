// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shelfsync/internal/apperr"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/fines"
	"shelfsync/internal/identity"
)

// ErrInvalidCredentials is returned by Authenticate for an unknown email or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// service implements the Service interface.
type service struct {
	repo        Repository
	ledger      PaymentLedger
	billing     Billing
	issuer      *identity.Issuer
	logger      *slog.Logger
	rateLimiter *rate.Limiter
	now         func() time.Time
}

type Option func(*service)

// WithRateLimit bounds register and login attempts across all callers.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(s *service) {
		s.rateLimiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// NewService creates a new membership service instance.
func NewService(repo Repository, ledger PaymentLedger, billing Billing, issuer *identity.Issuer, logger *slog.Logger, opts ...Option) Service {
	s := &service{
		repo:        repo,
		ledger:      ledger,
		billing:     billing,
		issuer:      issuer,
		logger:      logger,
		rateLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterMember creates a new member with the member role.
func (s *service) RegisterMember(ctx context.Context, reg Registration) (*Member, error) {
	if !s.rateLimiter.Allow() {
		return nil, apperr.RateLimited("too many registration attempts, try again later")
	}
	return s.register(ctx, reg, identity.RoleMember)
}

func (s *service) register(ctx context.Context, reg Registration, role identity.Role) (*Member, error) {
	email, err := normalizeEmail(reg.Email)
	if err != nil {
		return nil, err
	}
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Phone = strings.TrimSpace(reg.Phone)
	switch {
	case reg.Name == "":
		return nil, apperr.Invalid("name is required")
	case reg.Phone == "":
		return nil, apperr.Invalid("phone is required")
	case len(reg.Password) < minPasswordLength:
		return nil, apperr.Invalid("password must be at least %d characters", minPasswordLength)
	}

	member := Member{
		ID:        uuid.New(),
		Email:     email,
		Name:      reg.Name,
		Phone:     reg.Phone,
		Role:      role,
		CreatedAt: s.now().UTC(),
	}
	credential, err := newCredential(member.ID, reg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	event, err := eventlog.NewEvent(eventlog.AggregateMember, member.ID, eventlog.MemberRegistered, MemberRegisteredEvent{
		ID:    member.ID,
		Email: member.Email,
		Name:  member.Name,
		Role:  member.Role,
	}, member.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateMember(ctx, member, credential, event); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create member: %w", err)
	}

	s.logger.InfoContext(ctx, "member registered",
		slog.String("member_id", member.ID.String()),
		slog.String("role", string(member.Role)),
	)
	return &member, nil
}

// Authenticate verifies a member's credentials and returns a signed session token.
func (s *service) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	if !s.rateLimiter.Allow() {
		return nil, apperr.RateLimited("too many login attempts, try again later")
	}

	member, err := s.repo.GetMemberByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, apperr.ErrRecordNotFound) {
			return nil, apperr.Wrap(apperr.KindAuthorization, ErrInvalidCredentials, "invalid email or password")
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if err := s.checkPassword(ctx, member.ID, password); err != nil {
		return nil, err
	}

	token, expiresAt, err := s.issuer.Issue(identity.Caller{MemberID: member.ID, Role: member.Role})
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return &Session{Token: token, ExpiresAt: expiresAt, Member: member}, nil
}

func (s *service) checkPassword(ctx context.Context, memberID uuid.UUID, password string) error {
	credential, err := s.repo.GetCredential(ctx, memberID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	ok, err := credential.matches(password)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return apperr.Wrap(apperr.KindAuthorization, ErrInvalidCredentials, "invalid email or password")
	}
	return nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	member, err := s.repo.GetMember(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrRecordNotFound) {
			return nil, apperr.NotFound("member %s not found", id)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &member, nil
}

// Profile returns the member with their membership standing as of today.
func (s *service) Profile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	member, err := s.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	standing, err := s.billing.Standing(ctx, s.ledger, id, fines.DateOf(s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to read membership standing: %w", err)
	}
	return &Profile{
		Member:            *member,
		MembershipActive:  standing.Active,
		MembershipDueDate: standing.DueDate,
	}, nil
}

func (s *service) ChangePassword(ctx context.Context, id uuid.UUID, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperr.Invalid("password must be at least %d characters", minPasswordLength)
	}
	if _, err := s.GetMember(ctx, id); err != nil {
		return err
	}
	if err := s.checkPassword(ctx, id, oldPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return apperr.BusinessRule("incorrect old password")
		}
		return err
	}

	credential, err := newCredential(id, newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.repo.UpdateCredential(ctx, credential); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	s.logger.InfoContext(ctx, "password changed", slog.String("member_id", id.String()))
	return nil
}

// PaymentHistory lists a member's payments, newest first.
func (s *service) PaymentHistory(ctx context.Context, id uuid.UUID) ([]Payment, error) {
	if _, err := s.GetMember(ctx, id); err != nil {
		return nil, err
	}
	payments, err := s.ledger.PaymentsForMember(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// EnsureStaff creates the configured staff accounts that do not exist yet.
func (s *service) EnsureStaff(ctx context.Context, accounts []StaffAccount) error {
	for _, acc := range accounts {
		if acc.Role != identity.RoleLibrarian && acc.Role != identity.RoleOwner {
			return apperr.Invalid("staff account %s must be a librarian or owner", acc.Email)
		}
		email, err := normalizeEmail(acc.Email)
		if err != nil {
			return err
		}
		_, err = s.repo.GetMemberByEmail(ctx, email)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrRecordNotFound) {
			return fmt.Errorf("look up staff account %s: %w", email, err)
		}

		if _, err := s.register(ctx, Registration{
			Name:     acc.Name,
			Email:    email,
			Phone:    acc.Phone,
			Password: acc.Password,
		}, acc.Role); err != nil {
			return fmt.Errorf("create staff account %s: %w", email, err)
		}
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", apperr.Invalid("email %q is not valid", raw)
	}
	return strings.ToLower(addr.Address), nil
}
