package adapter_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoJSON_SendsBodyAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := adapter.NewClient(srv.URL, "k-123", 5*time.Second)
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.DoJSON(context.Background(), http.MethodPost, "/x", map[string]string{"a": "b"}, &out))
	assert.True(t, out.OK)
}

func TestDoJSON_StatusError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		transient bool
	}{
		{"string error", http.StatusBadRequest, `{"error":"prompt too long"}`, "prompt too long", false},
		{"nested error", http.StatusUnprocessableEntity, `{"error":{"message":"bad genre"}}`, "bad genre", false},
		{"message field", http.StatusForbidden, `{"message":"quota exceeded"}`, "quota exceeded", false},
		{"plain text", http.StatusBadGateway, `upstream down`, "upstream down", true},
		{"rate limited", http.StatusTooManyRequests, ``, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := adapter.NewClient(srv.URL, "", time.Second).DoJSON(context.Background(), http.MethodGet, "/", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, adapter.ErrRejected)

			var se *adapter.StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Code)
			assert.Equal(t, tt.wantMsg, se.Message)
			assert.Equal(t, tt.transient, adapter.IsTransient(err))
		})
	}
}

func TestDoJSON_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := adapter.NewClient(url, "", time.Second).DoJSON(context.Background(), http.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, adapter.ErrUnreachable)
	assert.True(t, adapter.IsTransient(err))
}

func TestDoJSON_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	err := adapter.NewClient(srv.URL, "", 50*time.Millisecond).DoJSON(context.Background(), http.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, adapter.ErrTimeout)
}

func TestDoJSON_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	var out map[string]any
	err := adapter.NewClient(srv.URL, "", time.Second).DoJSON(context.Background(), http.MethodGet, "/", nil, &out)
	assert.ErrorIs(t, err, adapter.ErrMalformed)
	assert.False(t, adapter.IsTransient(err))
}

func TestGates(t *testing.T) {
	g := adapter.NewGates(config.ProviderConfig{Enabled: true, TenantClasses: []string{"Enterprise"}, MaxItems: 0})
	assert.True(t, g.Enabled())
	assert.True(t, g.AllowedForTenantClass("enterprise"))
	assert.False(t, g.AllowedForTenantClass("standard"))
	assert.Equal(t, 1, g.MaxItemsPerCall())
}

func TestFieldReaders(t *testing.T) {
	fields := map[string]any{"s": "x", "n": 12.5, "ns": "3.25"}
	assert.Equal(t, "x", adapter.String(fields, "s"))
	assert.Equal(t, "12.5", adapter.String(fields, "n"))
	assert.Equal(t, "", adapter.String(fields, "missing"))
	assert.InDelta(t, 12.5, adapter.Float(fields, "n"), 0.0001)
	assert.InDelta(t, 3.25, adapter.Float(fields, "ns"), 0.0001)
	assert.Zero(t, adapter.Float(fields, "s"))
}
