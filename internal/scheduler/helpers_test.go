package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/notify"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"github.com/stretchr/testify/require"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		WorkerConcurrency:    4,
		QueuePollInterval:    10 * time.Millisecond,
		ProviderPollInterval: 10 * time.Millisecond,
		ProviderPollTimeout:  5 * time.Second,
		MaxPollErrors:        3,
		WebhookTimeout:       time.Minute,
		ReaperInterval:       time.Minute,
		MaxBatchItems:        100,
	}
}

type harness struct {
	sched *Scheduler
	store *store.SQLiteStore
}

func newHarness(t *testing.T, cfg config.SchedulerConfig, adapters ...models.ProviderAdapter) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := New(Options{
		Store:         st,
		Registry:      provider.NewRegistry(adapters[0].ID(), adapters...),
		Notifier:      notify.NewLocal(),
		Config:        cfg,
		PublicBaseURL: "https://media.example.com/",
	})
	return &harness{sched: s, store: st}
}

// start runs the queue runner until the test ends.
func (h *harness) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func (h *harness) submit(t *testing.T, items int) *SubmitResult {
	t.Helper()
	res, err := h.sched.Submit(context.Background(), SubmitRequest{
		TenantID:    store.DefaultTenantID,
		TenantClass: "standard",
		OwnerID:     uuid.New(),
		Params:      json.RawMessage(`{"prompt":"lofi beat"}`),
		ItemCount:   items,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id, store.DefaultTenantID)
	require.NoError(t, err)
	return j
}

func (h *harness) waitForStatus(t *testing.T, id uuid.UUID, status string) *models.Job {
	t.Helper()
	var last *models.Job
	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), id, store.DefaultTenantID)
		if err != nil {
			return false
		}
		last = j
		return j.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, status)
	return last
}

func (h *harness) waitFor(t *testing.T, id uuid.UUID, cond func(*models.Job) bool) *models.Job {
	t.Helper()
	var last *models.Job
	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), id, store.DefaultTenantID)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func (h *harness) events(t *testing.T, id uuid.UUID) []*models.Event {
	t.Helper()
	events, err := h.store.EventsSince(context.Background(), id, store.DefaultTenantID, 0, 0)
	require.NoError(t, err)
	return events
}

func eventTypes(events []*models.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func payloadOf(t *testing.T, e *models.Event) map[string]any {
	t.Helper()
	var p map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	return p
}

func lastEvent(t *testing.T, events []*models.Event, eventType string) *models.Event {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return events[i]
		}
	}
	t.Fatalf("no %s event", eventType)
	return nil
}

// pendingPoll keeps every task in progress.
func pendingPoll(context.Context, string) (models.PollResult, error) {
	return models.PollResult{Status: models.ProviderStatusPending}, nil
}

func readyChoice(taskID string, n int) models.RawResult {
	id := fmt.Sprintf("%s-c%d", taskID, n)
	return models.RawResult{
		TaskID: taskID, ChoiceID: id, ConversionID: id, Ready: true,
		Fields: map[string]any{"url": "https://cdn.example.com/" + id + ".mp3", "duration": 42.0},
	}
}
