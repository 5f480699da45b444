package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventQueued        = "queued"
	EventStarted       = "started"
	EventProgress      = "progress"
	EventItemSucceeded = "item_succeeded"
	EventSucceeded     = "succeeded"
	EventFailed        = "failed"
	EventError         = "error"

	// EventComplete is a stream-only frame; it is never stored.
	EventComplete = "complete"
)

// Event is one immutable fact about a job's progress. Seq is assigned by the store and is
// strictly increasing per job, so it doubles as the stream cursor.
type Event struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	JobID     uuid.UUID       `db:"job_id"     json:"job_id"`
	TenantID  uuid.UUID       `db:"tenant_id"  json:"tenant_id"`
	Seq       int64           `db:"seq"        json:"seq"`
	Type      string          `db:"type"       json:"type"`
	Payload   json.RawMessage `db:"payload"    json:"data"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
