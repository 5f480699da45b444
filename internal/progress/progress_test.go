package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/notify"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	id    string
	event string
	frame Frame
}

func parseFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var out []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if f, ok := parseBlock(t, block); ok {
			out = append(out, f)
		}
	}
	return out
}

func parseBlock(t *testing.T, block string) (sseFrame, bool) {
	t.Helper()
	var f sseFrame
	var data string
	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if f.event == "" {
		return f, false
	}
	require.NoError(t, json.Unmarshal([]byte(data), &f.frame))
	return f, true
}

func eventNames(frames []sseFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.event
	}
	return out
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newJob(t *testing.T, st store.Store, items int) *models.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		TenantID:   store.DefaultTenantID,
		OwnerID:    uuid.New(),
		ProviderID: "mock",
		Status:     models.JobStatusQueued,
		ItemCount:  items,
		Params:     json.RawMessage(`{}`),
		RunAt:      now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, st.CreateJobs(context.Background(), job))
	return job
}

func appendEvent(t *testing.T, st store.Store, job *models.Job, eventType string, payload string) {
	t.Helper()
	_, err := st.AppendEvent(context.Background(), job.ID, job.TenantID, eventType, json.RawMessage(payload))
	require.NoError(t, err)
}

func setStatus(t *testing.T, st store.Store, job *models.Job, status string) {
	t.Helper()
	_, err := st.UpdateJob(context.Background(), job.ID, job.TenantID, models.JobPatch{Status: &status})
	require.NoError(t, err)
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{Interval: 10 * time.Millisecond, Keepalive: time.Minute}
}

func TestStream_FinishedJobReplaysAndCompletes(t *testing.T) {
	st := newStore(t)
	job := newJob(t, st, 1)
	appendEvent(t, st, job, models.EventQueued, `{"status":"queued"}`)
	appendEvent(t, st, job, models.EventStarted, `{"status":"running"}`)
	setStatus(t, st, job, models.JobStatusSucceeded)
	appendEvent(t, st, job, models.EventSucceeded, `{"status":"succeeded","progress_pct":100}`)

	d := NewDistributor(st, notify.Noop{}, testStreamConfig())
	rec := httptest.NewRecorder()
	require.NoError(t, d.Stream(context.Background(), rec, job.TenantID, job.ID, 0))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	frames := parseFrames(t, rec.Body.String())
	assert.Equal(t, []string{"progress", "queued", "started", "succeeded", "complete"}, eventNames(frames))

	snapshot := frames[0]
	assert.Empty(t, snapshot.id)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(snapshot.frame.Data, &snap))
	assert.True(t, snap.Snapshot)
	assert.Equal(t, models.JobStatusSucceeded, snap.Status)

	for i, f := range frames[1:4] {
		assert.Equal(t, strconv.Itoa(i+1), f.id)
		assert.Equal(t, int64(i+1), f.frame.Seq)
		assert.Equal(t, job.ID, f.frame.JobID)
	}
	assert.JSONEq(t, `{"status":"succeeded","progress_pct":100}`, string(frames[3].frame.Data))
}

func TestStream_ResumesAfterCursor(t *testing.T) {
	st := newStore(t)
	job := newJob(t, st, 1)
	appendEvent(t, st, job, models.EventQueued, `{}`)
	appendEvent(t, st, job, models.EventStarted, `{}`)
	setStatus(t, st, job, models.JobStatusFailed)
	appendEvent(t, st, job, models.EventFailed, `{"error":"Timeout"}`)

	d := NewDistributor(st, nil, testStreamConfig())
	rec := httptest.NewRecorder()
	require.NoError(t, d.Stream(context.Background(), rec, job.TenantID, job.ID, 2))

	frames := parseFrames(t, rec.Body.String())
	assert.Equal(t, []string{"progress", "failed", "complete"}, eventNames(frames))
	assert.Equal(t, "3", frames[1].id)
}

func TestStream_UnknownJob(t *testing.T) {
	st := newStore(t)
	job := newJob(t, st, 1)
	d := NewDistributor(st, nil, testStreamConfig())

	rec := httptest.NewRecorder()
	err := d.Stream(context.Background(), rec, uuid.New(), job.ID, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, rec.Body.String())
}

// A terminal status without its terminal event still completes after one interval.
func TestStream_CompletesWithoutTerminalEvent(t *testing.T) {
	st := newStore(t)
	job := newJob(t, st, 1)
	setStatus(t, st, job, models.JobStatusCanceled)

	d := NewDistributor(st, nil, testStreamConfig())
	rec := httptest.NewRecorder()
	require.NoError(t, d.Stream(context.Background(), rec, job.TenantID, job.ID, 0))

	assert.Equal(t, []string{"progress", "complete"}, eventNames(parseFrames(t, rec.Body.String())))
}

type failingEvents struct {
	store.Store
}

func (failingEvents) EventsSince(context.Context, uuid.UUID, uuid.UUID, int64, int) ([]*models.Event, error) {
	return nil, errors.New("connection refused")
}

func TestStream_StoreFailureEndsWithError(t *testing.T) {
	st := newStore(t)
	job := newJob(t, st, 1)

	d := NewDistributor(failingEvents{st}, nil, testStreamConfig())
	rec := httptest.NewRecorder()
	require.NoError(t, d.Stream(context.Background(), rec, job.TenantID, job.ID, 0))

	frames := parseFrames(t, rec.Body.String())
	require.Equal(t, []string{"progress", "error"}, eventNames(frames))
	assert.JSONEq(t, `{"message":"progress temporarily unavailable"}`, string(frames[1].frame.Data))
}

func TestStream_LiveUpdates(t *testing.T) {
	st := newStore(t)
	job := newJob(t, st, 2)
	n := notify.NewLocal()
	d := NewDistributor(st, n, config.StreamConfig{Interval: time.Second, Keepalive: time.Minute})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = d.Stream(r.Context(), w, job.TenantID, job.ID, 0)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	next := func() sseFrame {
		var block strings.Builder
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line == "\n" {
				f, ok := parseBlock(t, block.String())
				if ok {
					return f
				}
				block.Reset()
				continue
			}
			block.WriteString(line)
		}
	}

	assert.Equal(t, "progress", next().event)

	appendEvent(t, st, job, models.EventStarted, `{}`)
	require.NoError(t, n.Publish(context.Background(), job.ID))
	assert.Equal(t, "started", next().event)

	appendEvent(t, st, job, models.EventItemSucceeded, `{"completed_count":1}`)
	require.NoError(t, n.Publish(context.Background(), job.ID))
	item := next()
	assert.Equal(t, "item_succeeded", item.event)
	assert.Equal(t, "2", item.id)

	setStatus(t, st, job, models.JobStatusFailed)
	appendEvent(t, st, job, models.EventFailed, `{"error":"Canceled by user"}`)
	require.NoError(t, n.Publish(context.Background(), job.ID))
	assert.Equal(t, "failed", next().event)
	assert.Equal(t, "complete", next().event)
}
