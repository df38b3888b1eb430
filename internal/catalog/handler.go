// internal/catalog/handler.go
package catalog

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"shelfsync/internal/httpx"
	"shelfsync/internal/identity"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the catalog API. Reads are open to every authenticated caller;
// writes need a librarian or owner.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpx.Authenticate)

		r.Get("/books", h.handleListBooks)
		r.Get("/books/{bookID}", h.handleGetBook)
		r.Get("/books/{bookID}/copies", h.handleListCopies)
		r.Get("/search", h.handleSearch)

		r.Group(func(r chi.Router) {
			r.Use(httpx.RequireRole(identity.RoleLibrarian, identity.RoleOwner))
			r.Post("/books", h.handleAddBook)
			r.Post("/books/{bookID}/copies", h.handleAddCopies)
		})
	})
}

func (h *Handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleAddCopies(w http.ResponseWriter, r *http.Request) {
	bookID, err := httpx.URLParamUUID(r, "bookID")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req struct {
		Rack           string `json:"rack"`
		NumberOfCopies int    `json:"number_of_copies"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	copies, err := h.service.AddCopies(r.Context(), bookID, req.Rack, req.NumberOfCopies)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, copies)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	bookID, err := httpx.URLParamUUID(r, "bookID")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	book, err := h.service.GetBook(r.Context(), bookID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, books)
}

func (h *Handler) handleListCopies(w http.ResponseWriter, r *http.Request) {
	bookID, err := httpx.URLParamUUID(r, "bookID")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	copies, err := h.service.ListAvailableCopies(r.Context(), bookID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, copies)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, books)
}
