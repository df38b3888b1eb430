package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"shelfsync/internal/circulation"
	"shelfsync/internal/dashboard"
	"shelfsync/internal/eventlog"
)

type CirculationClient struct {
	c *client
}

func NewCirculationClient(baseURL string, opts ...Option) *CirculationClient {
	return &CirculationClient{c: newClient("circulation", baseURL, opts...)}
}

func (c *CirculationClient) AddToCart(ctx context.Context, copyID uuid.UUID) (*circulation.CartItem, error) {
	var item circulation.CartItem
	if err := c.c.do(ctx, http.MethodPost, "/cart/"+copyID.String(), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *CirculationClient) RemoveFromCart(ctx context.Context, itemID uuid.UUID) error {
	return c.c.do(ctx, http.MethodDelete, "/cart/"+itemID.String(), nil, nil)
}

func (c *CirculationClient) ViewCart(ctx context.Context) ([]circulation.CartItem, error) {
	var items []circulation.CartItem
	err := c.c.do(ctx, http.MethodGet, "/cart", nil, &items)
	return items, err
}

func (c *CirculationClient) Checkout(ctx context.Context) (*circulation.CheckoutSummary, error) {
	var summary circulation.CheckoutSummary
	if err := c.c.do(ctx, http.MethodPost, "/cart/checkout", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *CirculationClient) Borrowed(ctx context.Context) ([]circulation.IssueRecord, error) {
	var records []circulation.IssueRecord
	err := c.c.do(ctx, http.MethodGet, "/me/borrowed", nil, &records)
	return records, err
}

func (c *CirculationClient) History(ctx context.Context) ([]circulation.IssueRecord, error) {
	var records []circulation.IssueRecord
	err := c.c.do(ctx, http.MethodGet, "/me/history", nil, &records)
	return records, err
}

func (c *CirculationClient) Dashboard(ctx context.Context) (*dashboard.MemberDashboard, error) {
	var d dashboard.MemberDashboard
	if err := c.c.do(ctx, http.MethodGet, "/me/dashboard", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Issue lends a copy to a member. Librarians only.
func (c *CirculationClient) Issue(ctx context.Context, memberID, copyID uuid.UUID) (*circulation.IssueRecord, error) {
	req := struct {
		MemberID uuid.UUID `json:"member_id"`
		CopyID   uuid.UUID `json:"copy_id"`
	}{memberID, copyID}

	var record circulation.IssueRecord
	if err := c.c.do(ctx, http.MethodPost, "/issue", req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *CirculationClient) Return(ctx context.Context, copyID uuid.UUID) (*circulation.IssueRecord, error) {
	var record circulation.IssueRecord
	if err := c.c.do(ctx, http.MethodPost, "/return/"+copyID.String(), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *CirculationClient) Overdue(ctx context.Context) ([]circulation.IssueRecord, error) {
	var records []circulation.IssueRecord
	err := c.c.do(ctx, http.MethodGet, "/overdue", nil, &records)
	return records, err
}

func (c *CirculationClient) KPIs(ctx context.Context) (*dashboard.KPIs, error) {
	var k dashboard.KPIs
	if err := c.c.do(ctx, http.MethodGet, "/kpis", nil, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (c *CirculationClient) Audit(ctx context.Context, afterID int64, limit int) ([]eventlog.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var events []eventlog.Event
	err := c.c.do(ctx, http.MethodGet, fmt.Sprintf("/audit?%s", q.Encode()), nil, &events)
	return events, err
}
