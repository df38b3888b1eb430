package httpx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Registrar is implemented by every API handler.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter returns a router with the common middleware stack, a /health route and the
// routes of each handler.
func NewRouter(service string, logger *slog.Logger, handlers ...Registrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", Health(service))
	for _, h := range handlers {
		h.Register(r)
	}
	return r
}
