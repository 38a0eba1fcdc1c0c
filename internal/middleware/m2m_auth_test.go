package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClientID(t *testing.T) {
	ctx := context.WithValue(context.Background(), ClientIDKey, "ingester")
	assert.Equal(t, "ingester", GetClientID(ctx))
	assert.Empty(t, GetClientID(context.Background()))
}

func TestRequireM2M(t *testing.T) {
	m := NewM2MAuthMiddleware(map[string]string{"secret-token-1": "ingester"})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer secret-token-1", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token-1", http.StatusUnauthorized},
		{"bare token", "secret-token-1", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/ingest", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler := m.RequireM2M(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "ingester", GetClientID(r.Context()))
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequireM2MNoTokensConfigured(t *testing.T) {
	m := NewM2MAuthMiddleware(nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/ingest", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	m.RequireM2M(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "empty token map must reject everything")
}

func TestOptionalM2M(t *testing.T) {
	m := NewM2MAuthMiddleware(map[string]string{"tok": "partner"})

	var sawClient string
	record := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClient = GetClientID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/edr/collections", nil)
	m.OptionalM2M(record).ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, sawClient, "anonymous requests pass with no client")

	req = httptest.NewRequest(http.MethodGet, "/edr/collections", nil)
	req.Header.Set("Authorization", "Bearer tok")
	m.OptionalM2M(record).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "partner", sawClient)
}

func TestExtractBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, extractBearerToken(req))

	req.Header.Set("Authorization", "bearer lower-case-scheme")
	assert.Equal(t, "lower-case-scheme", extractBearerToken(req))
}
