// internal/circulation/handler.go
package circulation

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

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

// Register mounts the circulation API. Role gating happens here so the service only has to
// check ownership.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpx.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(httpx.RequireRole(identity.RoleMember))
			r.Get("/cart", h.handleViewCart)
			r.Post("/cart/checkout", h.handleCheckout)
			r.Post("/cart/{copyID}", h.handleAddToCart)
			r.Delete("/cart/{itemID}", h.handleRemoveFromCart)
			r.Get("/me/borrowed", h.handleBorrowed)
			r.Get("/me/history", h.handleHistory)
		})

		r.Group(func(r chi.Router) {
			r.Use(httpx.RequireRole(identity.RoleLibrarian))
			r.Post("/issue", h.handleIssue)
			r.Post("/return/{copyID}", h.handleReturn)
			r.Get("/overdue", h.handleOverdue)
		})
	})
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID uuid.UUID `json:"member_id"`
		CopyID   uuid.UUID `json:"copy_id"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.MemberID == uuid.Nil || req.CopyID == uuid.Nil {
		httpx.WriteError(w, apperr.Invalid("member_id and copy_id are required"))
		return
	}

	record, err := h.service.IssueDirect(r.Context(), httpx.MustCaller(r), req.MemberID, req.CopyID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	copyID, err := httpx.URLParamUUID(r, "copyID")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	record, err := h.service.ReturnCopy(r.Context(), copyID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleOverdue(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.OverdueLoans(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, records)
}

func (h *Handler) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	copyID, err := httpx.URLParamUUID(r, "copyID")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	item, err := h.service.AddToCart(r.Context(), httpx.MustCaller(r).MemberID, copyID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.URLParamUUID(r, "itemID")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	if err := h.service.RemoveFromCart(r.Context(), httpx.MustCaller(r).MemberID, itemID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleViewCart(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ViewCart(r.Context(), httpx.MustCaller(r).MemberID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.CheckoutCart(r.Context(), httpx.MustCaller(r).MemberID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleBorrowed(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.BorrowedBooks(r.Context(), httpx.MustCaller(r).MemberID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, records)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.BorrowingHistory(r.Context(), httpx.MustCaller(r).MemberID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, records)
}
