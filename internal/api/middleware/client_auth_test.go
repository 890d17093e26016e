package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/storage"
)

const testKey = "reconciler_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"

func newKeyStore(t *testing.T, keys ...*storage.APIKey) storage.APIKeyStore {
	t.Helper()

	store := storage.NewInMemoryKeyStore()
	for _, k := range keys {
		require.NoError(t, store.Add(context.Background(), k))
	}

	return store
}

func activeKey(key string, permissions ...string) *storage.APIKey {
	return &storage.APIKey{
		ID:          "key-" + key[len(key)-4:],
		Key:         key,
		ClientID:    "airflow",
		Name:        "Airflow DAGs",
		Permissions: permissions,
		CreatedAt:   time.Now(),
		Active:      true,
	}
}

// echoClient writes the authenticated client ID, or "anonymous".
func echoClient() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok := GetClientContext(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))

			return
		}

		_, _ = w.Write([]byte(client.ClientID))
	})
}

func TestExtractAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		headers map[string]string
		want    string
		found   bool
	}{
		{"x-api-key", map[string]string{"X-Api-Key": "abc"}, "abc", true},
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc", true},
		{"x-api-key wins", map[string]string{"X-Api-Key": "primary", "Authorization": "Bearer secondary"}, "primary", true},
		{"basic auth ignored", map[string]string{"Authorization": "Basic abc"}, "", false},
		{"whitespace trimmed", map[string]string{"X-Api-Key": "  abc  "}, "abc", true},
		{"blank", map[string]string{"X-Api-Key": "   "}, "", false},
		{"none", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got, found := extractAPIKey(req)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractAPIKey_RejectsHeaderInjection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header["X-Api-Key"] = []string{"abc\r\nX-Evil: 1"}

	_, found := extractAPIKey(req)
	assert.False(t, found)
}

func TestAuthenticate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	expired := time.Now().Add(-time.Hour)
	expiredKey := activeKey("reconciler_ak_"+strings.Repeat("e", 64), storage.PermissionCatalogRead)
	expiredKey.ExpiresAt = &expired

	inactiveKey := activeKey("reconciler_ak_"+strings.Repeat("f", 64), storage.PermissionCatalogRead)
	inactiveKey.Active = false

	store := newKeyStore(t, activeKey(testKey, storage.PermissionCatalogRead), expiredKey, inactiveKey)
	handler := Authenticate(store, config.DiscardLogger())(echoClient())

	tests := []struct {
		name   string
		key    string
		status int
		body   string
	}{
		{"valid", testKey, http.StatusOK, "airflow"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"malformed", "not-a-key", http.StatusUnauthorized, ""},
		{"unknown", "reconciler_ak_" + strings.Repeat("0", 64), http.StatusUnauthorized, ""},
		{"expired", expiredKey.Key, http.StatusUnauthorized, ""},
		{"inactive", inactiveKey.Key, http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/entities/1", nil)
			if tt.key != "" {
				req.Header.Set("X-Api-Key", tt.key)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)

			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())

				return
			}

			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

			var problem map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			assert.InDelta(t, float64(tt.status), problem["status"], 0)
			assert.Equal(t, "/api/v1/entities/1", problem["instance"])
		})
	}
}

func TestAuthenticate_PublicEndpointBypass(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	RegisterPublicEndpoint("/ping-test")

	handler := Authenticate(newKeyStore(t), config.DiscardLogger())(echoClient())

	req := httptest.NewRequest(http.MethodGet, "/ping-test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestRequirePermission(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }
	guarded := RequirePermission(storage.PermissionCatalogWrite, config.DiscardLogger(), ok)

	t.Run("no client context passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		guarded(rec, httptest.NewRequest(http.MethodPost, "/api/v1/entities", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing permission is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/entities", nil)
		req = req.WithContext(SetClientContext(req.Context(), ClientContext{
			ClientID:    "reader",
			Permissions: []string{storage.PermissionCatalogRead},
		}))

		rec := httptest.NewRecorder()
		guarded(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "catalog:write")
	})

	t.Run("granted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/entities", nil)
		req = req.WithContext(SetClientContext(req.Context(), ClientContext{
			ClientID:    "writer",
			Permissions: []string{storage.PermissionCatalogWrite},
		}))

		rec := httptest.NewRecorder()
		guarded(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
