package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/artifact"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	"github.com/kiranshivaraju/mediaforge/internal/progress"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/scheduler"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 200
	maxJobBody         = 1 << 20
)

// JobService is the part of the scheduler the job endpoints drive.
type JobService interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (*scheduler.SubmitResult, error)
	Cancel(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error)
}

// JobDeps wires the job endpoints. Mirror and Cache are optional.
type JobDeps struct {
	Store  store.Store
	Jobs   JobService
	Stream *progress.Distributor
	Mirror *artifact.Mirror
	Cache  cache.Cache
	// SnapshotTTL bounds how long a terminal job's rendered snapshot is cached. Keep it
	// below the signed URL lifetime.
	SnapshotTTL time.Duration
}

type createJobRequest struct {
	Provider  string          `json:"provider"`
	Params    json.RawMessage `json:"params"`
	ItemCount int             `json:"item_count"`
}

type createJobResponse struct {
	JobID    uuid.UUID   `json:"job_id"`
	ChildIDs []uuid.UUID `json:"child_ids,omitempty"`
	Status   string      `json:"status"`
	Provider string      `json:"provider"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(d JobDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		ownerID, _ := mw.GetKeyID(r)

		var req createJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
			return
		}

		tenant, err := d.Store.GetTenant(r.Context(), tenantID)
		if err != nil {
			writeStoreError(w, r, err, "Tenant")
			return
		}

		res, err := d.Jobs.Submit(r.Context(), scheduler.SubmitRequest{
			TenantID:    tenantID,
			TenantClass: tenant.Class,
			OwnerID:     ownerID,
			ProviderID:  req.Provider,
			Params:      req.Params,
			ItemCount:   req.ItemCount,
		})
		if err != nil {
			switch {
			case errors.Is(err, scheduler.ErrValidation), errors.Is(err, provider.ErrUnknownProvider):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			case errors.Is(err, provider.ErrProviderDisabled), errors.Is(err, provider.ErrTenantNotAllowed):
				response.Error(w, http.StatusForbidden, "PROVIDER_NOT_ALLOWED", err.Error(), nil)
			default:
				writeStoreError(w, r, err, "Job")
			}
			return
		}

		response.Accepted(w, createJobResponse{
			JobID:    res.Job.ID,
			ChildIDs: res.ChildIDs(),
			Status:   res.Job.Status,
			Provider: res.Job.ProviderID,
		})
	}
}

type jobSnapshot struct {
	ID             uuid.UUID       `json:"id"`
	ParentJobID    *uuid.UUID      `json:"parent_job_id,omitempty"`
	Provider       string          `json:"provider"`
	Status         string          `json:"status"`
	ProgressPct    int             `json:"progress_pct"`
	CompletedCount int             `json:"completed_count"`
	ItemCount      int             `json:"item_count"`
	Error          *string         `json:"error,omitempty"`
	Children       []childSnapshot `json:"children,omitempty"`
	Summary        map[string]int  `json:"summary,omitempty"`
	Results        []resultView    `json:"results"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

type childSnapshot struct {
	ID             uuid.UUID `json:"id"`
	Status         string    `json:"status"`
	ProgressPct    int       `json:"progress_pct"`
	CompletedCount int       `json:"completed_count"`
	ItemCount      int       `json:"item_count"`
	Error          *string   `json:"error,omitempty"`
}

type resultView struct {
	ID              uuid.UUID      `json:"id"`
	JobID           uuid.UUID      `json:"job_id"`
	ConversionID    string         `json:"conversion_id"`
	ChoiceID        string         `json:"choice_id,omitempty"`
	URLs            []string       `json:"urls"`
	DurationSeconds float64        `json:"duration_seconds"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}. A parent's
// snapshot includes its children, a by-status summary and the results of every child.
func NewGetJobHandler(d JobDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID", "Job")
		if !ok {
			return
		}

		key := cache.JobSnapshotKey(tenantID, jobID)
		if d.Cache != nil {
			var cached jobSnapshot
			found, err := cache.GetJSON(r.Context(), d.Cache, key, &cached)
			if err != nil {
				slog.Warn("reading snapshot cache", "job_id", jobID, "error", err)
			}
			if found {
				response.JSON(w, cached)
				return
			}
		}

		snap, terminal, err := buildSnapshot(r.Context(), d, tenantID, jobID)
		if err != nil {
			writeStoreError(w, r, err, "Job")
			return
		}

		if terminal && d.Cache != nil && d.SnapshotTTL > 0 {
			if err := cache.SetJSON(r.Context(), d.Cache, key, snap, d.SnapshotTTL); err != nil {
				slog.Warn("writing snapshot cache", "job_id", jobID, "error", err)
			}
		}
		response.JSON(w, snap)
	}
}

func buildSnapshot(ctx context.Context, d JobDeps, tenantID, jobID uuid.UUID) (*jobSnapshot, bool, error) {
	job, err := d.Store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, false, err
	}
	snap := &jobSnapshot{
		ID:             job.ID,
		ParentJobID:    job.ParentJobID,
		Provider:       job.ProviderID,
		Status:         job.Status,
		ProgressPct:    job.ProgressPct,
		CompletedCount: job.CompletedCount,
		ItemCount:      job.ItemCount,
		Error:          job.ErrorMessage,
		Results:        []resultView{},
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}

	resultJobs := []uuid.UUID{job.ID}
	terminal := job.IsTerminal()
	if job.IsParent {
		children, err := d.Store.ListChildren(ctx, job.ID, tenantID)
		if err != nil {
			return nil, false, err
		}
		snap.Summary = map[string]int{}
		for _, c := range children {
			snap.Children = append(snap.Children, childSnapshot{
				ID:             c.ID,
				Status:         c.Status,
				ProgressPct:    c.ProgressPct,
				CompletedCount: c.CompletedCount,
				ItemCount:      c.ItemCount,
				Error:          c.ErrorMessage,
			})
			snap.Summary[c.Status]++
			resultJobs = append(resultJobs, c.ID)
			// A canceled parent can finish before its children settle.
			terminal = terminal && c.IsTerminal()
		}
	}

	for _, id := range resultJobs {
		units, err := d.Store.ListResultUnits(ctx, id, tenantID)
		if err != nil {
			return nil, false, err
		}
		for _, u := range units {
			snap.Results = append(snap.Results, resultView{
				ID:              u.ID,
				JobID:           u.JobID,
				ConversionID:    u.ConversionID,
				ChoiceID:        u.ChoiceID,
				URLs:            resultURLs(ctx, d.Mirror, u),
				DurationSeconds: u.DurationSeconds,
				Metadata:        u.Metadata,
			})
		}
	}
	return snap, terminal, nil
}

func resultURLs(ctx context.Context, m *artifact.Mirror, u *models.ResultUnit) []string {
	if m == nil {
		return u.SourceURLs
	}
	return m.URLs(ctx, u)
}

type cancelJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(d JobDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID", "Job")
		if !ok {
			return
		}

		job, err := d.Jobs.Cancel(r.Context(), tenantID, jobID)
		if err != nil {
			writeStoreError(w, r, err, "Job")
			return
		}
		response.JSON(w, cancelJobResponse{JobID: job.ID, Status: job.Status})
	}
}

// NewListEventsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/events,
// the polling counterpart of the stream. ?since is the last seq the caller has seen.
func NewListEventsHandler(d JobDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID", "Job")
		if !ok {
			return
		}

		q := r.URL.Query()
		since, err := parseSeq(q.Get("since"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be a non-negative integer", nil)
			return
		}
		limit := defaultEventsLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxEventsLimit {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 200", nil)
				return
			}
			limit = n
		}

		if _, err := d.Store.GetJob(r.Context(), jobID, tenantID); err != nil {
			writeStoreError(w, r, err, "Job")
			return
		}
		events, err := d.Store.EventsSince(r.Context(), jobID, tenantID, since, limit+1)
		if err != nil {
			writeStoreError(w, r, err, "Job")
			return
		}

		meta := response.CursorMeta{Next: since}
		if len(events) > limit {
			events = events[:limit]
			meta.HasMore = true
		}
		if len(events) > 0 {
			meta.Next = events[len(events)-1].Seq
		}
		if events == nil {
			events = []*models.Event{}
		}
		response.Cursor(w, events, meta)
	}
}

// NewStreamHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/stream.
// Reconnecting clients resume from Last-Event-ID, or ?since when the header is absent.
func NewStreamHandler(d JobDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID", "Job")
		if !ok {
			return
		}

		cursor := r.Header.Get("Last-Event-ID")
		if cursor == "" {
			cursor = r.URL.Query().Get("since")
		}
		since, err := parseSeq(cursor)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Last-Event-ID must be an event seq", nil)
			return
		}

		err = d.Stream.Stream(r.Context(), w, tenantID, jobID, since)
		switch {
		case err == nil:
		case errors.Is(err, progress.ErrStreamingUnsupported):
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming not supported", nil)
		default:
			writeStoreError(w, r, err, "Job")
		}
	}
}

func parseSeq(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
