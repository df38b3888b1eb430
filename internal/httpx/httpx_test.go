package httpx_test

import (
	"encoding/json"
	"errors"
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
	"shelfsync/internal/httpx"
	"shelfsync/internal/identity"
)

func Test_WriteError_MapsKinds(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.NotFound("copy not found"), http.StatusNotFound},
		{apperr.Conflict("copy is issued"), http.StatusConflict},
		{apperr.InvalidState("copy is available"), http.StatusConflict},
		{apperr.Unauthorized("not your cart item"), http.StatusForbidden},
		{apperr.BusinessRule("cart is empty"), http.StatusUnprocessableEntity},
		{apperr.Invalid("bad id"), http.StatusBadRequest},
		{apperr.RateLimited("slow down"), http.StatusTooManyRequests},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		httpx.WriteError(rec, tt.err)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}

func Test_WriteError_HidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()

	httpx.WriteError(rec, errors.New("pq: password authentication failed"))

	var body httpx.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
	assert.Equal(t, apperr.KindInternal, body.Kind)
}

func Test_DecodeJSON_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"copy_id":"x","extra":1}`))
	var dst struct {
		CopyID string `json:"copy_id"`
	}

	err := httpx.DecodeJSON(req, &dst)

	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}

func Test_DecodeJSON_EmptyBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", http.NoBody)
	var dst struct{}

	err := httpx.DecodeJSON(req, &dst)

	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}

func Test_URLParamUUID(t *testing.T) {
	id := uuid.New()
	r := chi.NewRouter()
	var got uuid.UUID
	var gotErr error
	r.Get("/copies/{copyID}", func(w http.ResponseWriter, r *http.Request) {
		got, gotErr = httpx.URLParamUUID(r, "copyID")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/copies/"+id.String(), nil))
	require.NoError(t, gotErr)
	assert.Equal(t, id, got)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/copies/nope", nil))
	assert.True(t, apperr.Is(gotErr, apperr.KindInvalidInput))
}

func Test_RequireRole(t *testing.T) {
	r := chi.NewRouter()
	r.Use(httpx.Authenticate)
	r.With(httpx.RequireRole(identity.RoleLibrarian, identity.RoleOwner)).
		Post("/issue", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

	send := func(c *identity.Caller) int {
		req := httptest.NewRequest("POST", "/issue", nil)
		if c != nil {
			c.SetHeaders(req.Header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(nil))
	assert.Equal(t, http.StatusForbidden, send(&identity.Caller{MemberID: uuid.New(), Role: identity.RoleMember}))
	assert.Equal(t, http.StatusNoContent, send(&identity.Caller{MemberID: uuid.New(), Role: identity.RoleLibrarian}))
}

func Test_RequestLogger_PassesThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := httpx.RequestLogger(logger)(httpx.Health("circulation"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"circulation"}`, rec.Body.String())
}

func Test_ParseLimit(t *testing.T) {
	n, err := httpx.ParseLimit(httptest.NewRequest("GET", "/audit", nil), "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	n, err = httpx.ParseLimit(httptest.NewRequest("GET", "/audit?limit=7", nil), "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = httpx.ParseLimit(httptest.NewRequest("GET", "/audit?limit=-1", nil), "limit", 50)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}
