// Package melodia adapts the Melodia music generation API. Melodia is poll-mode: a submission
// returns a task id and the caller polls the task until its choices are ready.
package melodia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

const ID = "melodia"

// Adapter implements models.ProviderAdapter for Melodia.
type Adapter struct {
	adapter.Gates
	client   *adapter.Client
	variants int
}

func NewAdapter(cfg config.ProviderConfig) *Adapter {
	return &Adapter{
		Gates:    adapter.NewGates(cfg),
		client:   adapter.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		variants: cfg.Variants,
	}
}

func (a *Adapter) ID() string { return ID }

func (a *Adapter) DeliveryMode() models.DeliveryMode { return models.DeliveryPoll }

type generateRequest struct {
	Params      json.RawMessage `json:"params"`
	N           int             `json:"n"`
	Variants    int             `json:"variants,omitempty"`
	ReferenceID string          `json:"reference_id"`
}

type generateResponse struct {
	TaskID   string `json:"task_id"`
	Variants int    `json:"variants"`
}

func (a *Adapter) Prepare(ctx context.Context, req models.GenerationRequest) (models.PrepareResult, error) {
	var resp generateResponse
	raw := json.RawMessage{}
	err := a.client.DoJSON(ctx, http.MethodPost, "/v1/generate", generateRequest{
		Params:      req.Params,
		N:           req.ItemCount,
		Variants:    a.variants,
		ReferenceID: req.JobID.String(),
	}, &raw)
	if err != nil {
		return models.PrepareResult{}, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.PrepareResult{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}
	if resp.TaskID == "" {
		return models.PrepareResult{}, fmt.Errorf("%w: missing task_id", adapter.ErrMalformed)
	}

	return models.PrepareResult{
		DeliveryMode:     models.DeliveryPoll,
		ProviderTaskID:   resp.TaskID,
		ExpectedVariants: resp.Variants,
		Raw:              raw,
	}, nil
}

type taskResponse struct {
	TaskID  string           `json:"task_id"`
	Status  string           `json:"status"`
	Error   string           `json:"error"`
	Choices []map[string]any `json:"choices"`
}

// Poll maps Melodia task states: "complete" is success, "error" is failure, anything else is pending.
// Choices count as ready once they carry an audio URL.
func (a *Adapter) Poll(ctx context.Context, taskID string) (models.PollResult, error) {
	var resp taskResponse
	if err := a.client.DoJSON(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return models.PollResult{}, err
	}

	out := models.PollResult{Status: models.ProviderStatusPending, Message: resp.Error}
	switch resp.Status {
	case "complete":
		out.Status = models.ProviderStatusSucceeded
	case "error":
		out.Status = models.ProviderStatusFailed
		if out.Message == "" {
			out.Message = "Provider reported failure"
		}
	}

	for _, choice := range resp.Choices {
		id := adapter.String(choice, "id")
		out.Results = append(out.Results, models.RawResult{
			TaskID:       taskID,
			ChoiceID:     id,
			ConversionID: id,
			Ready:        adapter.String(choice, "audio_url") != "",
			Fields:       choice,
		})
	}
	return out, nil
}

// Normalize reads a Melodia choice. Durations are reported in seconds.
func (a *Adapter) Normalize(raw models.RawResult) (models.NormalizedResult, error) {
	audioURL := adapter.String(raw.Fields, "audio_url")
	if audioURL == "" {
		return models.NormalizedResult{}, fmt.Errorf("%w: choice %q has no audio_url", adapter.ErrMalformed, raw.ChoiceID)
	}
	conv := raw.ConversionID
	if conv == "" {
		conv = raw.ChoiceID
	}
	if conv == "" {
		return models.NormalizedResult{}, fmt.Errorf("%w: choice has no id", adapter.ErrMalformed)
	}

	meta := map[string]any{}
	for _, k := range []string{"title", "tags", "image_url", "model"} {
		if v := adapter.String(raw.Fields, k); v != "" {
			meta[k] = v
		}
	}
	return models.NormalizedResult{
		ConversionID:    conv,
		MediaURLs:       []string{audioURL},
		DurationSeconds: adapter.Float(raw.Fields, "duration"),
		Metadata:        meta,
	}, nil
}

func (a *Adapter) DecodeCallback(_ []byte) (models.Callback, error) {
	return models.Callback{}, fmt.Errorf("%w: %s delivers by polling", adapter.ErrNotSupported, ID)
}

var _ models.ProviderAdapter = (*Adapter)(nil)
