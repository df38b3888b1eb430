package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"shelfsync/internal/apperr"
	"shelfsync/internal/identity"
)

// RequestLogger writes one structured access log line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), levelFor(ww.Status()), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Authenticate resolves the forwarded caller and stores it on the request context.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := identity.FromRequest(r)
		if err != nil {
			WriteJSON(w, http.StatusUnauthorized, ErrorResponse{Error: apperr.Message(err), Kind: apperr.KindAuthorization})
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
	})
}

// RequireRole rejects callers that hold none of roles. It must run after Authenticate.
func RequireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := identity.CallerFrom(r.Context())
			if !ok {
				WriteJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing caller identity", Kind: apperr.KindAuthorization})
				return
			}
			if !caller.HasRole(roles...) {
				WriteError(w, apperr.Unauthorized("role %s may not perform this action", caller.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MustCaller returns the caller placed on the context by Authenticate.
func MustCaller(r *http.Request) identity.Caller {
	caller, ok := identity.CallerFrom(r.Context())
	if !ok {
		panic("httpx: handler mounted without Authenticate")
	}
	return caller
}
