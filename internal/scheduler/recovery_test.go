package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/provider/mock"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneChoicePoll(_ context.Context, taskID string) (models.PollResult, error) {
	return models.PollResult{Status: models.ProviderStatusSucceeded, Results: []models.RawResult{readyChoice(taskID, 0)}}, nil
}

func TestRecover_ResumesPollingAndRequeues(t *testing.T) {
	m := &mock.MockAdapter{ID_: "mock", PollFunc: oneChoicePoll}
	h := newHarness(t, testConfig(), m)
	ctx := context.Background()

	withTask := h.submit(t, 1).Job
	withoutTask := h.submit(t, 1).Job

	started := time.Now().UTC()
	poll := models.DeliveryPoll
	_, err := h.store.UpdateJob(ctx, withTask.ID, store.DefaultTenantID, models.JobPatch{
		Status:           ptr(models.JobStatusRunning),
		StartedAt:        &started,
		ProviderTaskID:   ptr("resumed-task"),
		DeliveryMode:     &poll,
		ExpectedVariants: ptr(1),
	})
	require.NoError(t, err)
	_, err = h.store.UpdateJob(ctx, withoutTask.ID, store.DefaultTenantID, models.JobPatch{
		Status:    ptr(models.JobStatusRunning),
		StartedAt: &started,
	})
	require.NoError(t, err)

	runCtx := h.start(t)
	resumed, requeued, err := h.sched.Recover(runCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 1, requeued)

	job := h.waitForStatus(t, withTask.ID, models.JobStatusSucceeded)
	assert.Equal(t, 1, job.CompletedCount)
	units, err := h.store.ListResultUnits(ctx, withTask.ID, store.DefaultTenantID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "resumed-task", units[0].ProviderTaskID)

	requeuedJob := h.waitForStatus(t, withoutTask.ID, models.JobStatusSucceeded)
	assert.Equal(t, "task-"+withoutTask.ID.String(), requeuedJob.ProviderTaskID)
}

func TestReap_FailsStaleWebhookJobs(t *testing.T) {
	cfg := testConfig()
	cfg.WebhookTimeout = 30 * time.Minute
	h := newHarness(t, cfg, mock.NewWebhookAdapter("hook"))
	ctx := context.Background()

	stale := h.submit(t, 1).Job
	fresh := h.submit(t, 1).Job
	webhook := models.DeliveryWebhook
	for _, tc := range []struct {
		id      *models.Job
		started time.Time
	}{
		{stale, time.Now().UTC().Add(-time.Hour)},
		{fresh, time.Now().UTC().Add(-time.Minute)},
	} {
		started := tc.started
		_, err := h.store.UpdateJob(ctx, tc.id.ID, store.DefaultTenantID, models.JobPatch{
			Status:         ptr(models.JobStatusRunning),
			StartedAt:      &started,
			ProviderTaskID: ptr("t-" + tc.id.ID.String()),
			DeliveryMode:   &webhook,
		})
		require.NoError(t, err)
	}

	n, err := h.sched.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := h.job(t, stale.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, MessageTimeout, *job.ErrorMessage)
	assert.Equal(t, true, payloadOf(t, lastEvent(t, h.events(t, stale.ID), models.EventFailed))["reaped"])

	assert.Equal(t, models.JobStatusRunning, h.job(t, fresh.ID).Status)

	n, err = h.sched.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
