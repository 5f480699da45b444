package models

import (
	"time"

	"github.com/google/uuid"
)

// ResultUnit is one produced artifact recorded against a job. At most one exists per
// (JobID, ConversionID); that pair is the idempotency boundary for completion delivery.
type ResultUnit struct {
	ID              uuid.UUID      `db:"id"               json:"id"`
	JobID           uuid.UUID      `db:"job_id"           json:"job_id"`
	TenantID        uuid.UUID      `db:"tenant_id"        json:"tenant_id"`
	ProviderTaskID  string         `db:"provider_task_id" json:"provider_task_id,omitempty"`
	ChoiceID        string         `db:"choice_id"        json:"choice_id,omitempty"`
	ConversionID    string         `db:"conversion_id"    json:"conversion_id"`
	SourceURLs      []string       `db:"source_urls"      json:"source_urls"`
	StorageKeys     []string       `db:"storage_keys"     json:"storage_keys"`
	DurationSeconds float64        `db:"duration_seconds" json:"duration_seconds"`
	Metadata        map[string]any `db:"metadata"         json:"metadata,omitempty"`
	CreatedAt       time.Time      `db:"created_at"       json:"created_at"`
}
