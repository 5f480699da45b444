package cadence

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

func TestPrepare(t *testing.T) {
	jobID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/convert", r.URL.Path)
		var body convertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 3, body.Count)
		assert.Equal(t, "https://media.example.com/api/v1/webhooks/cadence", body.CallbackURL)
		assert.Equal(t, jobID.String(), body.ExternalID)
		w.Write([]byte(`{"task_id":"cd-9"}`))
	}))
	defer srv.Close()

	a := NewAdapter(config.ProviderConfig{Enabled: true, BaseURL: srv.URL, MaxItems: 5, Timeout: 5 * time.Second})
	res, err := a.Prepare(context.Background(), models.GenerationRequest{
		JobID:       jobID,
		Params:      json.RawMessage(`{"source":"s3://in/take1.wav"}`),
		ItemCount:   3,
		CallbackURL: "https://media.example.com/api/v1/webhooks/cadence",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryWebhook, res.DeliveryMode)
	assert.Equal(t, "cd-9", res.ProviderTaskID)
	assert.Equal(t, 3, res.ExpectedVariants)
}

func TestPrepare_RequiresCallbackURL(t *testing.T) {
	a := NewAdapter(config.ProviderConfig{Enabled: true, BaseURL: "http://unused.invalid"})
	_, err := a.Prepare(context.Background(), models.GenerationRequest{JobID: uuid.New(), ItemCount: 1})
	assert.Error(t, err)
}

func TestPoll_NotSupported(t *testing.T) {
	a := NewAdapter(config.ProviderConfig{Enabled: true})
	_, err := a.Poll(context.Background(), "cd-9")
	assert.ErrorIs(t, err, adapter.ErrNotSupported)
}

func TestDecodeCallback(t *testing.T) {
	a := NewAdapter(config.ProviderConfig{Enabled: true})

	tests := []struct {
		name       string
		body       string
		wantStatus string
		wantMsg    string
		wantErr    error
	}{
		{"completed", `{"task_id":"cd-9","conversion_id":"v1","status":"completed","audio_url":"https://c/v1.mp3"}`, models.ProviderStatusSucceeded, "", nil},
		{"status omitted", `{"task_id":"cd-9","conversion_id":"v1","audio_url":"https://c/v1.mp3"}`, models.ProviderStatusSucceeded, "", nil},
		{"failed", `{"task_id":"cd-9","status":"failed","message":"unsupported codec"}`, models.ProviderStatusFailed, "unsupported codec", nil},
		{"failed without message", `{"task_id":"cd-9","status":"error"}`, models.ProviderStatusFailed, "Provider reported failure", nil},
		{"processing", `{"task_id":"cd-9","status":"processing"}`, models.ProviderStatusPending, "", nil},
		{"completed without conversion", `{"task_id":"cd-9","status":"completed"}`, "", "", adapter.ErrMalformed},
		{"not json", `task=cd-9`, "", "", adapter.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := a.DecodeCallback([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "cd-9", cb.TaskID)
			assert.Equal(t, tt.wantStatus, cb.Status)
			assert.Equal(t, tt.wantMsg, cb.Message)
		})
	}
}

func TestDecodeThenNormalize(t *testing.T) {
	a := NewAdapter(config.ProviderConfig{Enabled: true})

	cb, err := a.DecodeCallback([]byte(`{"task_id":"cd-9","conversion_id":"v2","audio_url":"https://c/v2.flac","duration_ms":61500,"format":"flac","bitrate":1411}`))
	require.NoError(t, err)

	res, err := a.Normalize(cb.Result)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.ConversionID)
	assert.Equal(t, []string{"https://c/v2.flac"}, res.MediaURLs)
	assert.InDelta(t, 61.5, res.DurationSeconds, 0.001)
	assert.Equal(t, "flac", res.Metadata["format"])
	assert.Equal(t, "1411", res.Metadata["bitrate"])
}

func TestNormalize_MissingAudio(t *testing.T) {
	a := NewAdapter(config.ProviderConfig{Enabled: true})
	_, err := a.Normalize(models.RawResult{ConversionID: "v3", Fields: map[string]any{}})
	assert.ErrorIs(t, err, adapter.ErrMalformed)
}
