package models

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// DeliveryMode is how a provider signals completion.
type DeliveryMode string

const (
	DeliveryPoll    DeliveryMode = "poll"
	DeliveryWebhook DeliveryMode = "webhook"
)

// Provider-reported task status, as seen by Poll or a callback.
const (
	ProviderStatusPending   = "pending"
	ProviderStatusSucceeded = "succeeded"
	ProviderStatusFailed    = "failed"
)

// ProviderAdapter is the contract every generation provider implements.
// The scheduler and ingester branch on DeliveryMode, never on provider identity.
type ProviderAdapter interface {
	// ID returns the stable provider identifier (e.g. "melodia").
	ID() string
	DeliveryMode() DeliveryMode
	// Enabled and AllowedForTenantClass gate submission before any job row exists.
	Enabled() bool
	AllowedForTenantClass(class string) bool
	// MaxItemsPerCall is the provider-imposed batch size; larger requests fan out into children.
	MaxItemsPerCall() int
	// Prepare submits the request. For webhook providers this alone starts the work.
	Prepare(ctx context.Context, req GenerationRequest) (PrepareResult, error)
	// Poll reports task status and ready choices. Only poll-mode adapters implement it.
	Poll(ctx context.Context, taskID string) (PollResult, error)
	// Normalize maps provider field names and units onto the canonical result shape.
	Normalize(raw RawResult) (NormalizedResult, error)
	// DecodeCallback parses an inbound completion callback body. Only webhook-mode adapters implement it.
	DecodeCallback(body []byte) (Callback, error)
}

// GenerationRequest is the finished parameter set handed to a provider for one job.
type GenerationRequest struct {
	JobID       uuid.UUID
	TenantID    uuid.UUID
	Params      json.RawMessage
	ItemCount   int
	CallbackURL string
}

// PrepareResult is what a provider returned on submission.
type PrepareResult struct {
	DeliveryMode     DeliveryMode
	ProviderTaskID   string
	ExpectedVariants int
	Raw              json.RawMessage
}

// PollResult is a provider status snapshot.
type PollResult struct {
	Status  string
	Message string
	Results []RawResult
}

// RawResult is one provider result choice before normalization.
type RawResult struct {
	TaskID       string
	ChoiceID     string
	ConversionID string
	Ready        bool
	Fields       map[string]any
}

// NormalizedResult is the canonical shape recorded as a ResultUnit.
type NormalizedResult struct {
	ConversionID    string
	MediaURLs       []string
	DurationSeconds float64
	Metadata        map[string]any
}

// Callback is a decoded provider completion callback.
type Callback struct {
	TaskID       string
	ConversionID string
	Status       string
	Message      string
	Result       RawResult
}
