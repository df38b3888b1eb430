package dashboard

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"shelfsync/internal/apperr"
	"shelfsync/internal/httpx"
	"shelfsync/internal/identity"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the dashboard API next to the circulation routes.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpx.Authenticate)
		r.With(httpx.RequireRole(identity.RoleMember)).Get("/me/dashboard", h.handleMemberDashboard)
		r.Group(func(r chi.Router) {
			r.Use(httpx.RequireRole(identity.RoleOwner))
			r.Get("/kpis", h.handleKPIs)
			r.Get("/audit", h.handleAudit)
		})
	})
}

func (h *Handler) handleMemberDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.MemberDashboard(r.Context(), httpx.MustCaller(r).MemberID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) handleKPIs(w http.ResponseWriter, r *http.Request) {
	k, err := h.service.KPIs(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, k)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.WriteError(w, apperr.Invalid("after must be an event id"))
			return
		}
		after = v
	}
	limit, err := httpx.ParseLimit(r, "limit", defaultAuditLimit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	events, err := h.service.Audit(r.Context(), after, limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, events)
}
