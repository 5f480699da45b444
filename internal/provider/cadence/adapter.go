// Package cadence adapts the Cadence audio conversion API. Cadence is webhook-mode:
// each finished conversion is POSTed back to the callback URL given at submission.
package cadence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

const ID = "cadence"

// Adapter implements models.ProviderAdapter for Cadence.
type Adapter struct {
	adapter.Gates
	client *adapter.Client
}

func NewAdapter(cfg config.ProviderConfig) *Adapter {
	return &Adapter{
		Gates:  adapter.NewGates(cfg),
		client: adapter.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
	}
}

func (a *Adapter) ID() string { return ID }

func (a *Adapter) DeliveryMode() models.DeliveryMode { return models.DeliveryWebhook }

type convertRequest struct {
	Params      json.RawMessage `json:"params"`
	Count       int             `json:"count"`
	CallbackURL string          `json:"callback_url"`
	ExternalID  string          `json:"external_id"`
}

type convertResponse struct {
	TaskID string `json:"task_id"`
}

func (a *Adapter) Prepare(ctx context.Context, req models.GenerationRequest) (models.PrepareResult, error) {
	if req.CallbackURL == "" {
		return models.PrepareResult{}, fmt.Errorf("%s requires a callback url", ID)
	}

	raw := json.RawMessage{}
	err := a.client.DoJSON(ctx, http.MethodPost, "/api/convert", convertRequest{
		Params:      req.Params,
		Count:       req.ItemCount,
		CallbackURL: req.CallbackURL,
		ExternalID:  req.JobID.String(),
	}, &raw)
	if err != nil {
		return models.PrepareResult{}, err
	}

	var resp convertResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.PrepareResult{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}

	return models.PrepareResult{
		DeliveryMode:     models.DeliveryWebhook,
		ProviderTaskID:   resp.TaskID,
		ExpectedVariants: req.ItemCount,
		Raw:              raw,
	}, nil
}

func (a *Adapter) Poll(_ context.Context, _ string) (models.PollResult, error) {
	return models.PollResult{}, fmt.Errorf("%w: %s delivers by callback", adapter.ErrNotSupported, ID)
}

// callbackPayload is the body Cadence POSTs for each conversion.
type callbackPayload struct {
	TaskID       string `json:"task_id"`
	ConversionID string `json:"conversion_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// DecodeCallback accepts "completed" and "failed" callbacks. A completed callback must name its conversion.
func (a *Adapter) DecodeCallback(body []byte) (models.Callback, error) {
	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Callback{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return models.Callback{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}

	cb := models.Callback{
		TaskID:       p.TaskID,
		ConversionID: p.ConversionID,
		Message:      p.Message,
		Result: models.RawResult{
			TaskID:       p.TaskID,
			ConversionID: p.ConversionID,
			Ready:        true,
			Fields:       fields,
		},
	}
	switch p.Status {
	case "completed", "complete", "succeeded", "":
		cb.Status = models.ProviderStatusSucceeded
		if p.ConversionID == "" {
			return models.Callback{}, fmt.Errorf("%w: missing conversion_id", adapter.ErrMalformed)
		}
	case "failed", "error":
		cb.Status = models.ProviderStatusFailed
		if cb.Message == "" {
			cb.Message = "Provider reported failure"
		}
	default:
		cb.Status = models.ProviderStatusPending
	}
	return cb, nil
}

// Normalize reads a Cadence conversion. Durations arrive in milliseconds.
func (a *Adapter) Normalize(raw models.RawResult) (models.NormalizedResult, error) {
	audioURL := adapter.String(raw.Fields, "audio_url")
	if audioURL == "" {
		return models.NormalizedResult{}, fmt.Errorf("%w: conversion %q has no audio_url", adapter.ErrMalformed, raw.ConversionID)
	}
	if raw.ConversionID == "" {
		return models.NormalizedResult{}, fmt.Errorf("%w: missing conversion_id", adapter.ErrMalformed)
	}

	meta := map[string]any{}
	for _, k := range []string{"title", "format", "bitrate"} {
		if v := adapter.String(raw.Fields, k); v != "" {
			meta[k] = v
		}
	}
	return models.NormalizedResult{
		ConversionID:    raw.ConversionID,
		MediaURLs:       []string{audioURL},
		DurationSeconds: adapter.Float(raw.Fields, "duration_ms") / 1000,
		Metadata:        meta,
	}, nil
}

var _ models.ProviderAdapter = (*Adapter)(nil)
