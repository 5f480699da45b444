// Package models contains shared data models used across the mediaforge codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// IsTerminalStatus reports whether status is final. Terminal jobs are never mutated again.
func IsTerminalStatus(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed || status == JobStatusCanceled
}

// TerminalStatuses lists every final status.
var TerminalStatuses = []string{JobStatusSucceeded, JobStatusFailed, JobStatusCanceled}

var validTransitions = map[string][]string{
	JobStatusQueued:    {JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled},
	JobStatusRunning:   {JobStatusQueued, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled},
	JobStatusSucceeded: {},
	JobStatusFailed:    {},
	JobStatusCanceled:  {},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusesAllowingTransitionTo returns every status from which `to` is reachable.
func StatusesAllowingTransitionTo(to string) []string {
	var out []string
	for _, from := range []string{JobStatusQueued, JobStatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Job is one unit of generative work. A job with IsParent set only aggregates its children
// and is never dispatched to a provider itself.
type Job struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	TenantID         uuid.UUID       `db:"tenant_id"         json:"tenant_id"`
	OwnerID          uuid.UUID       `db:"owner_id"          json:"owner_id"`
	ParentJobID      *uuid.UUID      `db:"parent_job_id"     json:"parent_job_id,omitempty"`
	IsParent         bool            `db:"is_parent"         json:"is_parent"`
	ProviderID       string          `db:"provider_id"       json:"provider"`
	DeliveryMode     DeliveryMode    `db:"delivery_mode"     json:"delivery_mode,omitempty"`
	Status           string          `db:"status"            json:"status"`
	ItemCount        int             `db:"item_count"        json:"item_count"`
	CompletedCount   int             `db:"completed_count"   json:"completed_count"`
	ProgressPct      int             `db:"progress_pct"      json:"progress_pct"`
	Params           json.RawMessage `db:"params"            json:"params"`
	ProviderTaskID   string          `db:"provider_task_id"  json:"provider_task_id,omitempty"`
	ExpectedVariants int             `db:"expected_variants" json:"expected_variants"`
	ErrorMessage     *string         `db:"error_message"     json:"error,omitempty"`
	RunAt            time.Time       `db:"run_at"            json:"-"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	StartedAt        *time.Time      `db:"started_at"        json:"started_at,omitempty"`
	FinishedAt       *time.Time      `db:"finished_at"       json:"finished_at,omitempty"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
}

// IsTerminal reports whether the job has reached a final status.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// ProgressPercent derives 0..100 progress from completed and expected item counts.
func ProgressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := completed * 100 / total
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// JobPatch is a partial update to a job row. Nil fields are left untouched.
type JobPatch struct {
	Status           *string
	ErrorMessage     *string
	ProviderTaskID   *string
	DeliveryMode     *DeliveryMode
	ExpectedVariants *int
	CompletedCount   *int
	ProgressPct      *int
	RunAt            *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// ChildSummary aggregates a parent's children by status.
type ChildSummary struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ItemCount      int            `json:"item_count"`
	CompletedCount int            `json:"completed_count"`
}

// AllTerminal reports whether every child has reached a final status.
func (s ChildSummary) AllTerminal() bool {
	terminal := 0
	for _, st := range TerminalStatuses {
		terminal += s.ByStatus[st]
	}
	return s.Total > 0 && terminal == s.Total
}

// Failed counts children that did not succeed among terminal children.
func (s ChildSummary) Failed() int {
	return s.ByStatus[JobStatusFailed] + s.ByStatus[JobStatusCanceled]
}
