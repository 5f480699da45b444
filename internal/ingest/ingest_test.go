package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/artifact"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/provider/mock"
	"github.com/kiranshivaraju/mediaforge/internal/scheduler"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec-test"

type fixture struct {
	store    *store.SQLiteStore
	sched    *scheduler.Scheduler
	ingester *Ingester
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	return newMirroredFixture(t, secret, nil)
}

func newMirroredFixture(t *testing.T, secret string, mirror *artifact.Mirror) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := provider.NewRegistry("hook",
		mock.NewWebhookAdapter("hook"),
		mock.NewWebhookAdapter("other-hook"),
		mock.NewPollAdapter("poller"),
	)
	sched := scheduler.New(scheduler.Options{
		Store:         st,
		Registry:      reg,
		Mirror:        mirror,
		Config:        config.SchedulerConfig{WorkerConcurrency: 1, MaxBatchItems: 10},
		PublicBaseURL: "https://media.example.com",
	})
	return &fixture{store: st, sched: sched, ingester: New(st, reg, sched, secret)}
}

// runningJob submits a webhook job and moves it to running with a provider task, as dispatch would.
func (f *fixture) runningJob(t *testing.T, providerID string, items int) *models.Job {
	t.Helper()
	ctx := context.Background()
	res, err := f.sched.Submit(ctx, scheduler.SubmitRequest{
		TenantID:   store.DefaultTenantID,
		OwnerID:    uuid.New(),
		ProviderID: providerID,
		Params:     json.RawMessage(`{"source":"take1.wav"}`),
		ItemCount:  items,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	job, err := f.store.UpdateJob(ctx, res.Job.ID, store.DefaultTenantID, models.JobPatch{
		Status:           ptr(models.JobStatusRunning),
		StartedAt:        &now,
		ProviderTaskID:   ptr("task-" + res.Job.ID.String()),
		ExpectedVariants: &items,
	})
	require.NoError(t, err)
	return job
}

func ptr[T any](v T) *T { return &v }

func body(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func secretHeader() http.Header {
	h := http.Header{}
	h.Set(HeaderSecret, testSecret)
	return h
}

func TestIngest_DuplicateCallbackIsIgnored(t *testing.T) {
	f := newFixture(t, testSecret)
	job := f.runningJob(t, "hook", 2)
	ctx := context.Background()

	cb := Callback{
		ProviderID: "hook",
		JobID:      job.ID.String(),
		Header:     secretHeader(),
		Body: body(t, map[string]any{
			"task_id": job.ProviderTaskID, "conversion_id": "conv-1",
			"url": "https://cdn.example.com/conv-1.mp3", "duration": 31.5,
		}),
	}

	first, err := f.ingester.Ingest(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)
	require.NotNil(t, first.JobID)
	assert.Equal(t, job.ID, *first.JobID)

	after, err := f.store.GetJob(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedCount)
	assert.Equal(t, 50, after.ProgressPct)

	second, err := f.ingester.Ingest(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, second.Outcome)
	assert.Equal(t, "duplicate conversion", second.Reason)

	after, err = f.store.GetJob(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedCount)

	units, err := f.store.ListResultUnits(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "conv-1", units[0].ConversionID)
	assert.InDelta(t, 31.5, units[0].DurationSeconds, 0.001)
}

func TestIngest_SlowMirrorKeepsSourceURL(t *testing.T) {
	release := make(chan struct{})
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer media.Close()
	defer close(release)

	blobs := artifact.NewMemoryStore()
	f := newMirroredFixture(t, testSecret, artifact.NewMirror(blobs, 1<<20, 15*time.Minute, 100*time.Millisecond))
	job := f.runningJob(t, "hook", 1)
	ctx := context.Background()
	source := media.URL + "/conv-1.mp3"

	start := time.Now()
	res, err := f.ingester.Ingest(ctx, Callback{
		ProviderID: "hook",
		JobID:      job.ID.String(),
		Header:     secretHeader(),
		Body:       body(t, map[string]any{"task_id": job.ProviderTaskID, "conversion_id": "conv-1", "url": source}),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	after, err := f.store.GetJob(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, after.Status)

	units, err := f.store.ListResultUnits(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, []string{source}, units[0].SourceURLs)
	for _, key := range units[0].StorageKeys {
		assert.Empty(t, key)
	}
	assert.Zero(t, blobs.Len())
}

func TestIngest_CompletesJobAtExpectedVariants(t *testing.T) {
	f := newFixture(t, "")
	job := f.runningJob(t, "hook", 2)
	ctx := context.Background()

	for _, conv := range []string{"a", "b"} {
		res, err := f.ingester.Ingest(ctx, Callback{
			ProviderID: "hook",
			Body:       body(t, map[string]any{"task_id": job.ProviderTaskID, "conversion_id": conv, "url": "https://x/" + conv}),
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, res.Outcome)
	}

	after, err := f.store.GetJob(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, after.Status)
	assert.Equal(t, 2, after.CompletedCount)

	late, err := f.ingester.Ingest(ctx, Callback{
		ProviderID: "hook",
		Body:       body(t, map[string]any{"task_id": job.ProviderTaskID, "conversion_id": "c", "url": "https://x/c"}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, late.Outcome)
}

func TestIngest_FailureCallbackFailsJob(t *testing.T) {
	f := newFixture(t, "")
	job := f.runningJob(t, "hook", 1)
	ctx := context.Background()

	res, err := f.ingester.Ingest(ctx, Callback{
		ProviderID: "hook",
		JobID:      job.ID.String(),
		Body:       body(t, map[string]any{"task_id": job.ProviderTaskID, "status": "failed", "message": "unsupported codec"}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	after, err := f.store.GetJob(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, after.Status)
	require.NotNil(t, after.ErrorMessage)
	assert.Equal(t, "unsupported codec", *after.ErrorMessage)
}

func TestIngest_ResultAfterCancelIsDiscarded(t *testing.T) {
	f := newFixture(t, "")
	job := f.runningJob(t, "hook", 1)
	ctx := context.Background()

	_, err := f.sched.Cancel(ctx, store.DefaultTenantID, job.ID)
	require.NoError(t, err)

	res, err := f.ingester.Ingest(ctx, Callback{
		ProviderID: "hook",
		JobID:      job.ID.String(),
		Body:       body(t, map[string]any{"task_id": job.ProviderTaskID, "conversion_id": "late", "url": "https://x/late"}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	units, err := f.store.ListResultUnits(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestIngest_Errors(t *testing.T) {
	f := newFixture(t, testSecret)
	job := f.runningJob(t, "hook", 1)
	otherJob := f.runningJob(t, "other-hook", 1)
	ctx := context.Background()
	valid := body(t, map[string]any{"task_id": job.ProviderTaskID, "conversion_id": "c1", "url": "https://x/c1"})

	tests := []struct {
		name    string
		cb      Callback
		wantErr error
	}{
		{"unknown provider", Callback{ProviderID: "suno", Header: secretHeader(), Body: valid}, ErrUnknownProvider},
		{"poll provider", Callback{ProviderID: "poller", Header: secretHeader(), Body: valid}, ErrUnknownProvider},
		{"missing secret", Callback{ProviderID: "hook", Body: valid}, ErrUnauthorized},
		{"wrong secret", Callback{ProviderID: "hook", Header: http.Header{HeaderSecret: {"nope"}}, Body: valid}, ErrUnauthorized},
		{"unknown provider without secret", Callback{ProviderID: "suno", Body: valid}, ErrUnauthorized},
		{"unknown provider wrong secret", Callback{ProviderID: "suno", Header: http.Header{HeaderSecret: {"nope"}}, Body: valid}, ErrUnauthorized},
		{"poll provider without secret", Callback{ProviderID: "poller", Body: valid}, ErrUnauthorized},
		{"not json", Callback{ProviderID: "hook", Header: secretHeader(), Body: []byte("task=1")}, ErrMalformed},
		{"bad job id", Callback{ProviderID: "hook", JobID: "42", Header: secretHeader(), Body: valid}, ErrMalformed},
		{"no identifiers", Callback{ProviderID: "hook", Header: secretHeader(), Body: body(t, map[string]any{"conversion_id": "c1"})}, ErrMalformed},
		{"job gone", Callback{ProviderID: "hook", JobID: uuid.NewString(), Header: secretHeader(), Body: valid}, ErrGone},
		{
			"task mismatch",
			Callback{ProviderID: "hook", JobID: job.ID.String(), Header: secretHeader(),
				Body: body(t, map[string]any{"task_id": "someone-else", "conversion_id": "c1"})},
			ErrConflict,
		},
		{
			"provider mismatch",
			Callback{ProviderID: "hook", JobID: otherJob.ID.String(), Header: secretHeader(),
				Body: body(t, map[string]any{"conversion_id": "c1"})},
			ErrConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ingester.Ingest(ctx, tt.cb)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	after, err := f.store.GetJob(ctx, job.ID, store.DefaultTenantID)
	require.NoError(t, err)
	assert.Zero(t, after.CompletedCount)
}

func TestIngest_UnknownTaskIsDeferred(t *testing.T) {
	f := newFixture(t, "")
	res, err := f.ingester.Ingest(context.Background(), Callback{
		ProviderID: "hook",
		Body:       body(t, map[string]any{"task_id": "not-yet-known", "conversion_id": "c1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Nil(t, res.JobID)
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"task_id":"t1"}`)
	sig := "sha256=" + hex.EncodeToString(Sign(testSecret, payload))

	tests := []struct {
		name   string
		secret string
		header http.Header
		want   bool
	}{
		{"no secret configured", "", http.Header{}, true},
		{"shared secret", testSecret, http.Header{HeaderSecret: {testSecret}}, true},
		{"wrong shared secret", testSecret, http.Header{HeaderSecret: {"x"}}, false},
		{"valid signature", testSecret, http.Header{HeaderSignature: {sig}}, true},
		{"signature for other body", testSecret, http.Header{HeaderSignature: {"sha256=" + hex.EncodeToString(Sign(testSecret, []byte("{}")))}}, false},
		{"signature without scheme", testSecret, http.Header{HeaderSignature: {hex.EncodeToString(Sign(testSecret, payload))}}, false},
		{"signature not hex", testSecret, http.Header{HeaderSignature: {"sha256=zz"}}, false},
		{"nothing sent", testSecret, http.Header{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.secret, tt.header, payload))
		})
	}
}
