package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// MockAdapter satisfies models.ProviderAdapter for testing. Nil funcs fall back to defaults.
type MockAdapter struct {
	ID_             string
	Mode            models.DeliveryMode
	Disabled        bool
	AllowedClasses  []string
	MaxItems        int
	PrepareFunc     func(ctx context.Context, req models.GenerationRequest) (models.PrepareResult, error)
	PollFunc        func(ctx context.Context, taskID string) (models.PollResult, error)
	NormalizeFunc   func(raw models.RawResult) (models.NormalizedResult, error)
	DecodeFunc      func(body []byte) (models.Callback, error)
	mu              sync.Mutex
	prepareRequests []models.GenerationRequest
	pollCalls       int
}

func (m *MockAdapter) ID() string {
	if m.ID_ == "" {
		return "mock"
	}
	return m.ID_
}

func (m *MockAdapter) DeliveryMode() models.DeliveryMode {
	if m.Mode == "" {
		return models.DeliveryPoll
	}
	return m.Mode
}

func (m *MockAdapter) Enabled() bool { return !m.Disabled }

func (m *MockAdapter) AllowedForTenantClass(class string) bool {
	if len(m.AllowedClasses) == 0 {
		return true
	}
	for _, c := range m.AllowedClasses {
		if c == class {
			return true
		}
	}
	return false
}

func (m *MockAdapter) MaxItemsPerCall() int {
	if m.MaxItems < 1 {
		return 3
	}
	return m.MaxItems
}

func (m *MockAdapter) Prepare(ctx context.Context, req models.GenerationRequest) (models.PrepareResult, error) {
	m.mu.Lock()
	m.prepareRequests = append(m.prepareRequests, req)
	m.mu.Unlock()
	if m.PrepareFunc != nil {
		return m.PrepareFunc(ctx, req)
	}
	return models.PrepareResult{
		DeliveryMode:     m.DeliveryMode(),
		ProviderTaskID:   "task-" + req.JobID.String(),
		ExpectedVariants: req.ItemCount,
	}, nil
}

func (m *MockAdapter) Poll(ctx context.Context, taskID string) (models.PollResult, error) {
	m.mu.Lock()
	m.pollCalls++
	m.mu.Unlock()
	if m.PollFunc != nil {
		return m.PollFunc(ctx, taskID)
	}
	if m.DeliveryMode() != models.DeliveryPoll {
		return models.PollResult{}, adapter.ErrNotSupported
	}
	return models.PollResult{Status: models.ProviderStatusPending}, nil
}

// Normalize by default reads "url" and "duration" fields.
func (m *MockAdapter) Normalize(raw models.RawResult) (models.NormalizedResult, error) {
	if m.NormalizeFunc != nil {
		return m.NormalizeFunc(raw)
	}
	conv := raw.ConversionID
	if conv == "" {
		conv = raw.ChoiceID
	}
	out := models.NormalizedResult{
		ConversionID:    conv,
		DurationSeconds: adapter.Float(raw.Fields, "duration"),
		Metadata:        map[string]any{},
	}
	if u := adapter.String(raw.Fields, "url"); u != "" {
		out.MediaURLs = []string{u}
	}
	return out, nil
}

// DecodeCallback fails unless DecodeFunc is set.
func (m *MockAdapter) DecodeCallback(body []byte) (models.Callback, error) {
	if m.DecodeFunc != nil {
		return m.DecodeFunc(body)
	}
	return models.Callback{}, fmt.Errorf("%w: mock has no callback decoder", adapter.ErrNotSupported)
}

// PrepareRequests returns every request Prepare received.
func (m *MockAdapter) PrepareRequests() []models.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.GenerationRequest(nil), m.prepareRequests...)
}

// PollCalls returns how many times Poll ran.
func (m *MockAdapter) PollCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCalls
}

// NewPollAdapter returns a poll-mode adapter whose tasks complete on the first poll with
// one ready choice per requested item.
func NewPollAdapter(id string) *MockAdapter {
	m := &MockAdapter{ID_: id, Mode: models.DeliveryPoll}
	var mu sync.Mutex
	items := map[string]int{}
	m.PrepareFunc = func(_ context.Context, req models.GenerationRequest) (models.PrepareResult, error) {
		taskID := "task-" + req.JobID.String()
		mu.Lock()
		items[taskID] = req.ItemCount
		mu.Unlock()
		return models.PrepareResult{DeliveryMode: models.DeliveryPoll, ProviderTaskID: taskID, ExpectedVariants: req.ItemCount}, nil
	}
	m.PollFunc = func(_ context.Context, taskID string) (models.PollResult, error) {
		mu.Lock()
		n := items[taskID]
		mu.Unlock()
		res := models.PollResult{Status: models.ProviderStatusSucceeded}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s-choice-%d", taskID, i)
			res.Results = append(res.Results, models.RawResult{
				TaskID: taskID, ChoiceID: id, ConversionID: id, Ready: true,
				Fields: map[string]any{"url": "https://cdn.example.com/" + id + ".mp3", "duration": 30.0},
			})
		}
		return res, nil
	}
	return m
}

// NewWebhookAdapter returns a webhook-mode adapter whose callbacks are JSON bodies of the form
// {"task_id","conversion_id","status","message","url","duration"}.
func NewWebhookAdapter(id string) *MockAdapter {
	m := &MockAdapter{ID_: id, Mode: models.DeliveryWebhook}
	m.DecodeFunc = decodeJSONCallback
	return m
}

// NewFailingAdapter returns an adapter whose Prepare always fails with err.
func NewFailingAdapter(id string, err error) *MockAdapter {
	return &MockAdapter{
		ID_: id,
		PrepareFunc: func(_ context.Context, _ models.GenerationRequest) (models.PrepareResult, error) {
			return models.PrepareResult{}, err
		},
	}
}

// Compile-time check that MockAdapter implements ProviderAdapter.
var _ models.ProviderAdapter = (*MockAdapter)(nil)
