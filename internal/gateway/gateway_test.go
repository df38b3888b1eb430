package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"shelfsync/internal/identity"
)

// echo reports the identity headers and path an upstream received.
func echo(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", name)
		w.Header().Set("X-Path", r.URL.Path)
		w.Header().Set("X-Seen-Member", r.Header.Get(identity.HeaderMemberID))
		w.Header().Set("X-Seen-Role", r.Header.Get(identity.HeaderRole))
		w.WriteHeader(http.StatusOK)
	})
}

func newGateway(t *testing.T, burst int) (http.Handler, *identity.Issuer) {
	t.Helper()
	issuer := identity.NewIssuer("test-secret", time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ups := Upstreams{Catalog: echo("catalog"), Circulation: echo("circulation"), Membership: echo("membership")}
	return New(ups, issuer, rate.Every(time.Hour), burst, logger), issuer
}

func Test_Gateway_RoutesByPrefix(t *testing.T) {
	gw, _ := newGateway(t, 10)
	for path, want := range map[string]string{
		"/api/v1/catalog/books":      "catalog",
		"/api/v1/circulation/cart":   "circulation",
		"/api/v1/membership/members": "membership",
	} {
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, want, rec.Header().Get("X-Upstream"))
	}

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/circulation/me/history", nil))
	assert.Equal(t, "/me/history", rec.Header().Get("X-Path"))
}

func Test_Gateway_ForwardsVerifiedCaller(t *testing.T) {
	gw, issuer := newGateway(t, 10)
	caller := identity.Caller{MemberID: uuid.New(), Role: identity.RoleLibrarian}
	token, _, err := issuer.Issue(caller)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/circulation/issue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, caller.MemberID.String(), rec.Header().Get("X-Seen-Member"))
	assert.Equal(t, "librarian", rec.Header().Get("X-Seen-Role"))
}

func Test_Gateway_StripsForgedHeaders(t *testing.T) {
	gw, _ := newGateway(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/circulation/kpis", nil)
	identity.Caller{MemberID: uuid.New(), Role: identity.RoleOwner}.SetHeaders(req.Header)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("X-Seen-Member"))
	assert.Empty(t, rec.Header().Get("X-Seen-Role"))
}

func Test_Gateway_RejectsBadTokens(t *testing.T) {
	gw, _ := newGateway(t, 10)
	for _, auth := range []string{"Basic abc", "Bearer nope"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/circulation/cart", nil)
		req.Header.Set("Authorization", auth)
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, auth)
	}
}

func Test_Gateway_LimitsPerClient(t *testing.T) {
	gw, _ := newGateway(t, 2)
	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/catalog/books", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:5000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5002"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:5000"))
}

func Test_Gateway_LimitIgnoresForwardedHeaders(t *testing.T) {
	gw, _ := newGateway(t, 1)
	codes := map[int]int{}
	for i := range 20 {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/membership/login", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		codes[rec.Code]++
	}

	assert.Equal(t, 1, codes[http.StatusOK])
	assert.Equal(t, 19, codes[http.StatusTooManyRequests])
}

func Test_limiter_ForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(rate.Every(time.Hour), 1, func() time.Time { return now })

	assert.True(t, l.allow("ip:a"))
	assert.False(t, l.allow("ip:a"))

	now = now.Add(2 * limiterTTL)
	assert.True(t, l.allow("ip:b"))
	_, kept := l.visitors["ip:a"]
	assert.False(t, kept)
}
