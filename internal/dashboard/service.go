package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/fines"
	"shelfsync/internal/membership"
)

const defaultAuditLimit = 50

type Service interface {
	MemberDashboard(ctx context.Context, memberID uuid.UUID) (*MemberDashboard, error)
	KPIs(ctx context.Context) (*KPIs, error)
	Audit(ctx context.Context, afterID int64, limit int) ([]eventlog.Event, error)
}

type service struct {
	reader  Reader
	audit   AuditReader
	billing membership.Billing
	fines   fines.Calculator
	now     func() time.Time
}

func NewService(reader Reader, audit AuditReader, billing membership.Billing, calc fines.Calculator, now func() time.Time) Service {
	if now == nil {
		now = time.Now
	}
	return &service{reader: reader, audit: audit, billing: billing, fines: calc, now: now}
}

func (s *service) MemberDashboard(ctx context.Context, memberID uuid.UUID) (*MemberDashboard, error) {
	today := fines.DateOf(s.now())

	name, err := s.reader.MemberName(ctx, memberID)
	if errors.Is(err, apperr.ErrRecordNotFound) {
		return nil, apperr.NotFound("member %s not found", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("member name: %w", err)
	}
	standing, err := s.billing.Standing(ctx, s.reader, memberID, today)
	if err != nil {
		return nil, err
	}
	history, err := s.reader.IssueHistory(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("issue history: %w", err)
	}

	d := BuildMemberDashboard(name, standing, history, s.fines, today)
	return &d, nil
}

func (s *service) KPIs(ctx context.Context) (*KPIs, error) {
	k, err := s.reader.KPIs(ctx, fines.DateOf(s.now()))
	if err != nil {
		return nil, fmt.Errorf("kpis: %w", err)
	}
	return &k, nil
}

// Audit pages through the event log in id order.
func (s *service) Audit(ctx context.Context, afterID int64, limit int) ([]eventlog.Event, error) {
	if afterID < 0 {
		return nil, apperr.Invalid("after must not be negative")
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	events, err := s.audit.Stream(ctx, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit stream: %w", err)
	}
	return events, nil
}
