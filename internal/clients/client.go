// Package clients holds HTTP clients for the ShelfSync APIs. Every call goes through a circuit
// breaker and non-2xx responses come back as apperr errors of the server's kind.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"shelfsync/internal/apperr"
	"shelfsync/internal/httpx"
)

const defaultTimeout = 10 * time.Second

// ErrCircuitOpen is returned while a breaker refuses calls to a failing service.
var ErrCircuitOpen = errors.New("service unavailable: circuit open")

type Option func(*client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.http = hc
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *client) {
		c.token = token
	}
}

// WithBreaker tunes the breaker: it opens after failures consecutive failures and half-opens
// after cooldown.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *client) {
		c.settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		}
		c.settings.Timeout = cooldown
	}
}

type client struct {
	baseURL  string
	token    string
	http     *http.Client
	settings gobreaker.Settings
	breaker  *gobreaker.CircuitBreaker
}

func newClient(name, baseURL string, opts ...Option) *client {
	c := &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		settings: gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// only transport faults and 5xx count against the service
			IsSuccessful: func(err error) bool {
				return err == nil || apperr.KindOf(err) != apperr.KindInternal
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(c.settings)
	return c
}

// do sends body as JSON and decodes a 2xx response into out when out is not nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w", method, path, ErrCircuitOpen)
	}
	return err
}

func (c *client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError rebuilds the server's error. The kind comes from the body when present and from
// the status code otherwise.
func decodeError(resp *http.Response) error {
	var body httpx.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	kind := body.Kind
	if kind == "" {
		kind = kindFor(resp.StatusCode)
	}
	msg := body.Error
	if msg == "" {
		msg = fmt.Sprintf("unexpected status code: %d", resp.StatusCode)
	}
	if kind == apperr.KindInternal {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, msg)
	}
	return &apperr.Error{Kind: kind, Message: msg}
}

func kindFor(status int) apperr.Kind {
	switch status {
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindAuthorization
	case http.StatusUnprocessableEntity:
		return apperr.KindBusinessRule
	case http.StatusBadRequest:
		return apperr.KindInvalidInput
	case http.StatusTooManyRequests:
		return apperr.KindRateLimited
	default:
		return apperr.KindInternal
	}
}
