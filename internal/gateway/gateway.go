// Package gateway is the public edge: it verifies bearer tokens, forwards the caller to the
// services as identity headers, limits each client's request rate and routes by prefix.
package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"shelfsync/internal/apperr"
	"shelfsync/internal/httpx"
	"shelfsync/internal/identity"
)

const (
	PrefixCatalog     = "/api/v1/catalog"
	PrefixCirculation = "/api/v1/circulation"
	PrefixMembership  = "/api/v1/membership"

	// idle client limiters are dropped after this long
	limiterTTL = 10 * time.Minute
)

// Upstreams are the handlers behind each prefix: reverse proxies in a deployment, the
// service routers themselves in single-process mode.
type Upstreams struct {
	Catalog     http.Handler
	Circulation http.Handler
	Membership  http.Handler
}

// Proxies builds reverse proxies to the three service base URLs.
func Proxies(catalog, circulation, membership string) (Upstreams, error) {
	var ups Upstreams
	for _, p := range []struct {
		raw string
		dst *http.Handler
	}{
		{catalog, &ups.Catalog},
		{circulation, &ups.Circulation},
		{membership, &ups.Membership},
	} {
		u, err := url.Parse(p.raw)
		if err != nil {
			return Upstreams{}, apperr.Invalid("invalid upstream url %q: %v", p.raw, err)
		}
		*p.dst = httputil.NewSingleHostReverseProxy(u)
	}
	return ups, nil
}

// New returns the gateway router.
func New(ups Upstreams, issuer *identity.Issuer, limit rate.Limit, burst int, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpx.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", httpx.Health("gateway"))

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(issuer))
		r.Use(newLimiter(limit, burst, time.Now).Middleware)

		r.Mount(PrefixCatalog, http.StripPrefix(PrefixCatalog, ups.Catalog))
		r.Mount(PrefixCirculation, http.StripPrefix(PrefixCirculation, ups.Circulation))
		r.Mount(PrefixMembership, http.StripPrefix(PrefixMembership, ups.Membership))
	})
	return r
}

// Authenticate replaces any client supplied identity headers with the caller from a valid
// bearer token. Requests without a token pass through anonymously; the services decide
// which routes need a caller.
func Authenticate(issuer *identity.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(identity.HeaderMemberID)
			r.Header.Del(identity.HeaderRole)

			auth := r.Header.Get("Authorization")
			if auth == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				httpx.WriteJSON(w, http.StatusUnauthorized, httpx.ErrorResponse{Error: "malformed authorization header", Kind: apperr.KindAuthorization})
				return
			}
			caller, err := issuer.Verify(token)
			if err != nil {
				httpx.WriteJSON(w, http.StatusUnauthorized, httpx.ErrorResponse{Error: apperr.Message(err), Kind: apperr.KindAuthorization})
				return
			}

			caller.SetHeaders(r.Header)
			r.Header.Del("Authorization")
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiter keeps one token bucket per client: the member for authenticated requests and the
// socket's remote address otherwise. Forwarded-for headers are client controlled and ignored.
type limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
	swept    time.Time
}

func newLimiter(limit rate.Limit, burst int, now func() time.Time) *limiter {
	return &limiter{visitors: map[string]*visitor{}, limit: limit, burst: burst, now: now, swept: now()}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > limiterTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterTTL {
				delete(l.visitors, k)
			}
		}
		l.swept = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, apperr.RateLimited("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if caller, ok := identity.CallerFrom(r.Context()); ok {
		return "member:" + caller.MemberID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
