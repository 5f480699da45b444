package melodia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAdapter(config.ProviderConfig{
		Enabled:  true,
		BaseURL:  srv.URL,
		APIKey:   "mk-test",
		MaxItems: 3,
		Variants: 2,
		Timeout:  5 * time.Second,
	})
}

func TestPrepare(t *testing.T) {
	jobID := uuid.New()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generate", r.URL.Path)
		assert.Equal(t, "Bearer mk-test", r.Header.Get("Authorization"))

		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body.N)
		assert.Equal(t, 2, body.Variants)
		assert.Equal(t, jobID.String(), body.ReferenceID)
		assert.JSONEq(t, `{"prompt":"lofi beat"}`, string(body.Params))

		w.Write([]byte(`{"task_id":"mt-1","variants":2}`))
	})

	res, err := a.Prepare(context.Background(), models.GenerationRequest{
		JobID:     jobID,
		Params:    json.RawMessage(`{"prompt":"lofi beat"}`),
		ItemCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPoll, res.DeliveryMode)
	assert.Equal(t, "mt-1", res.ProviderTaskID)
	assert.Equal(t, 2, res.ExpectedVariants)
}

func TestPrepare_MissingTaskID(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"variants":2}`))
	})
	_, err := a.Prepare(context.Background(), models.GenerationRequest{JobID: uuid.New(), ItemCount: 1})
	assert.ErrorIs(t, err, adapter.ErrMalformed)
}

func TestPrepare_Rejected(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"prompt violates content policy"}`))
	})
	_, err := a.Prepare(context.Background(), models.GenerationRequest{JobID: uuid.New(), ItemCount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrRejected)
	assert.Contains(t, err.Error(), "content policy")
	assert.False(t, adapter.IsTransient(err))
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus string
		wantMsg    string
		wantReady  []bool
	}{
		{
			name:       "in progress",
			body:       `{"task_id":"mt-1","status":"streaming","choices":[{"id":"c1","audio_url":"https://m/c1.mp3"},{"id":"c2"}]}`,
			wantStatus: models.ProviderStatusPending,
			wantReady:  []bool{true, false},
		},
		{
			name:       "complete",
			body:       `{"task_id":"mt-1","status":"complete","choices":[{"id":"c1","audio_url":"https://m/c1.mp3"},{"id":"c2","audio_url":"https://m/c2.mp3"}]}`,
			wantStatus: models.ProviderStatusSucceeded,
			wantReady:  []bool{true, true},
		},
		{
			name:       "error with message",
			body:       `{"task_id":"mt-1","status":"error","error":"model overloaded"}`,
			wantStatus: models.ProviderStatusFailed,
			wantMsg:    "model overloaded",
		},
		{
			name:       "error without message",
			body:       `{"task_id":"mt-1","status":"error"}`,
			wantStatus: models.ProviderStatusFailed,
			wantMsg:    "Provider reported failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/tasks/mt-1", r.URL.Path)
				w.Write([]byte(tt.body))
			})
			res, err := a.Poll(context.Background(), "mt-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantMsg, res.Message)
			require.Len(t, res.Results, len(tt.wantReady))
			for i, ready := range tt.wantReady {
				assert.Equal(t, ready, res.Results[i].Ready)
				assert.Equal(t, "mt-1", res.Results[i].TaskID)
				assert.Equal(t, res.Results[i].ChoiceID, res.Results[i].ConversionID)
			}
		})
	}
}

func TestPoll_ServerErrorIsTransient(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := a.Poll(context.Background(), "mt-1")
	require.Error(t, err)
	assert.True(t, adapter.IsTransient(err))
}

func TestNormalize(t *testing.T) {
	a := NewAdapter(config.ProviderConfig{Enabled: true})

	res, err := a.Normalize(models.RawResult{
		ChoiceID: "c1",
		Fields: map[string]any{
			"id": "c1", "audio_url": "https://m/c1.mp3", "duration": 92.5,
			"title": "Night Drive", "tags": "lofi", "ignored": "x",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", res.ConversionID)
	assert.Equal(t, []string{"https://m/c1.mp3"}, res.MediaURLs)
	assert.InDelta(t, 92.5, res.DurationSeconds, 0.001)
	assert.Equal(t, map[string]any{"title": "Night Drive", "tags": "lofi"}, res.Metadata)

	_, err = a.Normalize(models.RawResult{ChoiceID: "c2", Fields: map[string]any{"id": "c2"}})
	assert.ErrorIs(t, err, adapter.ErrMalformed)
}

func TestDecodeCallback_NotSupported(t *testing.T) {
	a := NewAdapter(config.ProviderConfig{Enabled: true})
	_, err := a.DecodeCallback([]byte(`{}`))
	assert.ErrorIs(t, err, adapter.ErrNotSupported)
}
