package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrAlreadyExists is returned when a result unit for (job, conversion id) was already recorded.
	ErrAlreadyExists = errors.New("result already recorded")
	// ErrJobTerminal is returned by every write against a job that already reached a final status.
	ErrJobTerminal       = errors.New("job is terminal")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// DefaultTenantID is the tenant seeded by the initial migration.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Store is the data access interface. All database operations go through here.
//
// Writers never assume they are the only writer: UpdateJob and CreateResultUnit refuse to touch
// terminal jobs, and CreateResultUnit relies on a unique (job_id, conversion_id) constraint rather
// than a read-then-insert check.
type Store interface {
	Ping(ctx context.Context) error

	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	// CreateJobs inserts all jobs in one transaction (a batch parent and its children, or a single job).
	CreateJobs(ctx context.Context, jobs ...*models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	// GetJobByID is unscoped; only the completion ingester uses it, because callbacks carry no tenant.
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, patch models.JobPatch) (*models.Job, error)
	FindByProviderTask(ctx context.Context, providerID, taskID string) (*models.Job, error)
	ListChildren(ctx context.Context, parentID uuid.UUID, tenantID uuid.UUID) ([]*models.Job, error)
	SummarizeChildren(ctx context.Context, parentID uuid.UUID) (models.ChildSummary, error)

	// ClaimQueued atomically moves up to limit runnable queued jobs to running and returns them.
	ClaimQueued(ctx context.Context, limit int) ([]*models.Job, error)
	// PromoteNextChild makes the earliest still-deferred queued child of parentID runnable now.
	PromoteNextChild(ctx context.Context, parentID uuid.UUID) error
	ListRunning(ctx context.Context) ([]*models.Job, error)
	ListStaleRunning(ctx context.Context, mode models.DeliveryMode, startedBefore time.Time) ([]*models.Job, error)

	AppendEvent(ctx context.Context, jobID, tenantID uuid.UUID, eventType string, payload json.RawMessage) (*models.Event, error)
	EventsSince(ctx context.Context, jobID, tenantID uuid.UUID, sinceSeq int64, limit int) ([]*models.Event, error)

	ResultExists(ctx context.Context, jobID uuid.UUID, conversionID string) (bool, error)
	// CreateResultUnit inserts the unit and advances the job's completed_count in one transaction.
	// Returns ErrAlreadyExists for a duplicate conversion id and ErrJobTerminal for a finished job.
	CreateResultUnit(ctx context.Context, unit *models.ResultUnit) (*models.Job, error)
	ListResultUnits(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) ([]*models.ResultUnit, error)
}

// defaultEventPage bounds a single EventsSince read when the caller passes no limit.
const defaultEventPage = 500

func eventLimit(limit int) int {
	if limit <= 0 || limit > defaultEventPage {
		return defaultEventPage
	}
	return limit
}

// patchAllowedFrom returns the statuses a row must currently be in for the patch to apply.
func patchAllowedFrom(p models.JobPatch) []string {
	if p.Status != nil {
		return models.StatusesAllowingTransitionTo(*p.Status)
	}
	return []string{models.JobStatusQueued, models.JobStatusRunning}
}

// classifyMiss explains why a guarded update touched no rows.
func classifyMiss(current *models.Job) error {
	if current.IsTerminal() {
		return ErrJobTerminal
	}
	return ErrInvalidTransition
}

func nonNilParams(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
