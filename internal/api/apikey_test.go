package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcryptAPIKeyStoreValidatesMatchingKey(t *testing.T) {
	hash, err := HashAPIKey("super-secret", 4)
	require.NoError(t, err)

	store := NewBcryptAPIKeyStore(map[string]string{"tenant-a": hash})

	assert.True(t, store.Validate("tenant-a", "super-secret"))
	assert.False(t, store.Validate("tenant-a", "wrong-key"))
	assert.False(t, store.Validate("tenant-b", "super-secret"))
}

func TestBcryptAPIKeyStoreDropsMalformedHash(t *testing.T) {
	store := NewBcryptAPIKeyStore(map[string]string{"tenant-a": "not-a-bcrypt-hash"})
	assert.False(t, store.Validate("tenant-a", "anything"))
}

func TestAPIKeyMiddlewareOpenWithoutValidator(t *testing.T) {
	s := &Server{}
	called := false
	handler := s.apiKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddlewareRejectsMissingOrInvalidKey(t *testing.T) {
	hash, err := HashAPIKey("super-secret", 4)
	require.NoError(t, err)
	s := &Server{apiKeys: NewBcryptAPIKeyStore(map[string]string{"tenant-a": hash})}

	handler := s.apiKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without a valid key")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	req = req.WithContext(context.WithValue(req.Context(), tenantContextKey, "tenant-a"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyMiddlewareAllowsValidKey(t *testing.T) {
	hash, err := HashAPIKey("super-secret", 4)
	require.NoError(t, err)
	s := &Server{apiKeys: NewBcryptAPIKeyStore(map[string]string{"tenant-a": hash})}

	called := false
	handler := s.apiKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	req = req.WithContext(context.WithValue(req.Context(), tenantContextKey, "tenant-a"))
	req.Header.Set("Authorization", "Bearer super-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
