package clients

import (
	"context"
	"net/http"

	"shelfsync/internal/membership"
)

type MembershipClient struct {
	c *client
}

func NewMembershipClient(baseURL string, opts ...Option) *MembershipClient {
	return &MembershipClient{c: newClient("membership", baseURL, opts...)}
}

func (c *MembershipClient) Register(ctx context.Context, reg membership.Registration) (*membership.Member, error) {
	var m membership.Member
	if err := c.c.do(ctx, http.MethodPost, "/members", reg, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Login exchanges credentials for a session token.
func (c *MembershipClient) Login(ctx context.Context, email, password string) (*membership.Session, error) {
	req := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password}

	var s membership.Session
	if err := c.c.do(ctx, http.MethodPost, "/login", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *MembershipClient) Profile(ctx context.Context) (*membership.Profile, error) {
	var p membership.Profile
	if err := c.c.do(ctx, http.MethodGet, "/members/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *MembershipClient) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	req := struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}{oldPassword, newPassword}
	return c.c.do(ctx, http.MethodPost, "/members/me/password", req, nil)
}

func (c *MembershipClient) Payments(ctx context.Context) ([]membership.Payment, error) {
	var payments []membership.Payment
	err := c.c.do(ctx, http.MethodGet, "/members/me/payments", nil, &payments)
	return payments, err
}
