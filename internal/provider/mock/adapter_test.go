package mock

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollAdapter_CompletesOnFirstPoll(t *testing.T) {
	m := NewPollAdapter("mock")
	prep, err := m.Prepare(context.Background(), models.GenerationRequest{JobID: uuid.New(), ItemCount: 2})
	require.NoError(t, err)

	res, err := m.Poll(context.Background(), prep.ProviderTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStatusSucceeded, res.Status)
	require.Len(t, res.Results, 2)

	norm, err := m.Normalize(res.Results[0])
	require.NoError(t, err)
	assert.Equal(t, res.Results[0].ConversionID, norm.ConversionID)
	assert.Len(t, norm.MediaURLs, 1)
	assert.Equal(t, 1, m.PollCalls())
	assert.Len(t, m.PrepareRequests(), 1)
}

func TestWebhookAdapter_DecodesCallbacks(t *testing.T) {
	m := NewWebhookAdapter("hook")
	assert.Equal(t, models.DeliveryWebhook, m.DeliveryMode())

	cb, err := m.DecodeCallback([]byte(`{"task_id":"t1","conversion_id":"v1","url":"https://cdn.example.com/v1.mp3"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStatusSucceeded, cb.Status)

	cb, err = m.DecodeCallback([]byte(`{"task_id":"t1","status":"failed","message":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStatusFailed, cb.Status)
	assert.Equal(t, "boom", cb.Message)
}
