package catalog_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
	"shelfsync/internal/eventlog"
	"shelfsync/internal/identity"
	"shelfsync/internal/money"
	"shelfsync/internal/storage/memory"
)

func newService(t *testing.T) (catalog.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return catalog.NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func validBook() catalog.NewBook {
	return catalog.NewBook{
		Name:    "  A Wizard of Earthsea ",
		Author:  "Ursula K. Le Guin",
		Subject: "Fantasy",
		ISBN:    "9780547773742",
		Price:   money.MustParse("12.99"),
	}
}

func Test_AddBook_TrimsAndRecordsEvent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	book, err := svc.AddBook(ctx, validBook())
	require.NoError(t, err)
	assert.Equal(t, "A Wizard of Earthsea", book.Name)

	events, err := store.LoadAggregate(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.BookAdded, events[0].EventType)

	var payload catalog.BookAddedEvent
	require.NoError(t, events[0].Decode(&payload))
	assert.Equal(t, money.MustParse("12.99"), payload.Price)
}

func Test_AddBook_Validation(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(*catalog.NewBook)
	}{
		{"no name", func(b *catalog.NewBook) { b.Name = " " }},
		{"no author", func(b *catalog.NewBook) { b.Author = "" }},
		{"no isbn", func(b *catalog.NewBook) { b.ISBN = "" }},
		{"negative price", func(b *catalog.NewBook) { b.Price = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validBook()
			tt.mutate(&in)
			_, err := svc.AddBook(context.Background(), in)
			assert.True(t, apperr.Is(err, apperr.KindInvalidInput), "got %v", err)
		})
	}
}

func Test_AddCopies_CountsOnBook(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	book, err := svc.AddBook(ctx, validBook())
	require.NoError(t, err)

	copies, err := svc.AddCopies(ctx, book.ID, "B-12", 3)
	require.NoError(t, err)
	require.Len(t, copies, 3)
	for _, c := range copies {
		assert.Equal(t, catalog.StatusAvailable, c.Status)
		assert.Equal(t, "B-12", c.Rack)
	}

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalCopies)
	assert.Equal(t, 3, got.AvailableCopies)

	available, err := svc.ListAvailableCopies(ctx, book.ID)
	require.NoError(t, err)
	assert.Len(t, available, 3)
}

func Test_AddCopies_Rejects(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	book, err := svc.AddBook(ctx, validBook())
	require.NoError(t, err)

	_, err = svc.AddCopies(ctx, book.ID, "", 1)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))

	_, err = svc.AddCopies(ctx, book.ID, "A", 0)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))

	_, err = svc.AddCopies(ctx, book.ID, "A", 101)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))

	_, err = svc.AddCopies(ctx, uuid.New(), "A", 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func Test_Search(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.AddBook(ctx, validBook())
	require.NoError(t, err)

	found, err := svc.Search(ctx, "earthsea")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = svc.Search(ctx, "fantasy")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = svc.Search(ctx, "  ")
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}

func Test_Handler_WritesNeedStaff(t *testing.T) {
	svc, _ := newService(t)
	r := chi.NewRouter()
	catalog.NewHandler(svc).Register(r)

	body := `{"name":"Dune","author":"Herbert","isbn":"9780441013593","price":"9.99"}`
	post := func(role identity.Role) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/books", strings.NewReader(body))
		identity.Caller{MemberID: uuid.New(), Role: role}.SetHeaders(req.Header)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusForbidden, post(identity.RoleMember).Code)

	rec := post(identity.RoleLibrarian)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var book catalog.Book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &book))
	assert.Equal(t, "Dune", book.Name)

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	identity.Caller{MemberID: uuid.New(), Role: identity.RoleMember}.SetHeaders(req.Header)
	list := httptest.NewRecorder()
	r.ServeHTTP(list, req)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "Dune")
}
