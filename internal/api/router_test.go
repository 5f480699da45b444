package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/api"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore knows no keys, so every authenticated route rejects.
type stubStore struct {
	store.Store
}

func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}

type stubCache struct {
	cache.Cache
}

func (c *stubCache) IncrWindow(_ context.Context, _ string, window time.Duration) (int64, time.Duration, error) {
	return 1, window, nil
}

func newTestRouter() http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(&stubStore{}),
		RateLimit: mw.NewRateLimit(&stubCache{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_WebhookIsPublic(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/webhooks/cadence", nil)
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/6f1c2e0a-0000-4000-8000-000000000001"},
		{"POST", "/api/v1/jobs/6f1c2e0a-0000-4000-8000-000000000001/cancel"},
		{"GET", "/api/v1/jobs/6f1c2e0a-0000-4000-8000-000000000001/events"},
		{"GET", "/api/v1/jobs/6f1c2e0a-0000-4000-8000-000000000001/stream"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
