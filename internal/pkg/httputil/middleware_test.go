package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/xconfess/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	userID string
	role   domain.Role
	err    error
}

func (s stubValidator) ValidateToken(context.Context, string) (string, domain.Role, error) {
	return s.userID, s.role, s.err
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "actor-1", GetUserID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		validator stubValidator
		want      int
	}{
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", want: http.StatusUnauthorized},
		{
			name:      "rejected token",
			header:    "Bearer abc",
			validator: stubValidator{err: errors.New("expired")},
			want:      http.StatusUnauthorized,
		},
		{
			name:      "accepted token",
			header:    "bearer abc",
			validator: stubValidator{userID: "actor-1", role: domain.RoleAdmin},
			want:      http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			AuthMiddleware(tt.validator)(okHandler(t)).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name string
		role domain.Role
		want int
	}{
		{name: "admin passes admin gate", role: domain.RoleAdmin, want: http.StatusOK},
		{name: "operator blocked by admin gate", role: domain.RoleOperator, want: http.StatusForbidden},
		{name: "user blocked by admin gate", role: domain.RoleUser, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := AuthMiddleware(stubValidator{userID: "actor-1", role: tt.role})(
				RequireRole(domain.RoleAdmin)(okHandler(t)),
			)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer abc")
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireRole_NoActor(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireRole(domain.RoleOperator)(okHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleError(t *testing.T) {
	errNotFound := errors.New("job not found")
	mappings := []ErrorMapping{{Error: errNotFound, Status: http.StatusNotFound}}

	t.Run("mapped error uses sentinel message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleError(context.Background(), rec, errors.Join(errNotFound, errors.New("row 42")), mappings)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		var body map[string]map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "job not found", body["error"]["message"])
	})

	t.Run("unmapped error hides details", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleError(context.Background(), rec, errors.New("pq: connection refused"), mappings)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	h := CORSMiddleware([]string{"https://admin.xconfess.app"})(okHandler(t))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://admin.xconfess.app")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://admin.xconfess.app", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}
