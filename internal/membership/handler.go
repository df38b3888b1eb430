// internal/membership/handler.go
package membership

import (
	"errors"
	"net/http"

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

// Register mounts the membership API. Registration and login are public.
func (h *Handler) Register(r chi.Router) {
	r.Post("/members", h.handleRegisterMember)
	r.Post("/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(httpx.Authenticate)
		r.Get("/members/me", h.handleProfile)
		r.Post("/members/me/password", h.handleChangePassword)
		r.Get("/members/me/payments", h.handlePayments)
		r.With(httpx.RequireRole(identity.RoleLibrarian, identity.RoleOwner)).
			Get("/members/{memberID}", h.handleGetMember)
	})
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, member)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	session, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpx.WriteJSON(w, http.StatusUnauthorized, httpx.ErrorResponse{
				Error: apperr.Message(err),
				Kind:  apperr.KindAuthorization,
			})
			return
		}
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Profile(r.Context(), httpx.MustCaller(r).MemberID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), httpx.MustCaller(r).MemberID, req.OldPassword, req.NewPassword); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.PaymentHistory(r.Context(), httpx.MustCaller(r).MemberID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, payments)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "memberID")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, member)
}
