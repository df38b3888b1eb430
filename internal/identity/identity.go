// Package identity carries the authenticated caller through the services.
// The gateway verifies bearer tokens and forwards the caller as headers; services
// behind it trust those headers.
package identity

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"shelfsync/internal/apperr"
)

type Role string

const (
	RoleMember    Role = "member"
	RoleLibrarian Role = "librarian"
	RoleOwner     Role = "owner"
)

const (
	HeaderMemberID = "X-Member-ID"
	HeaderRole     = "X-Member-Role"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleMember, RoleLibrarian, RoleOwner:
		return r, nil
	default:
		return "", apperr.Invalid("unknown role %q", s)
	}
}

// Caller is the identity a request acts on behalf of.
type Caller struct {
	MemberID uuid.UUID
	Role     Role
}

// HasRole reports whether the caller holds any of roles.
func (c Caller) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// SetHeaders writes the caller onto an outgoing request.
func (c Caller) SetHeaders(h http.Header) {
	h.Set(HeaderMemberID, c.MemberID.String())
	h.Set(HeaderRole, string(c.Role))
}

// FromRequest reads the caller forwarded by the gateway.
func FromRequest(r *http.Request) (Caller, error) {
	rawID := r.Header.Get(HeaderMemberID)
	if rawID == "" {
		return Caller{}, apperr.Unauthorized("missing caller identity")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Caller{}, apperr.Unauthorized("malformed caller identity")
	}
	role, err := ParseRole(r.Header.Get(HeaderRole))
	if err != nil {
		return Caller{}, apperr.Unauthorized("malformed caller role")
	}
	return Caller{MemberID: id, Role: role}, nil
}

type ctxKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}
