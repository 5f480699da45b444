package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// ErrValidation marks a submission rejected before any job row was written.
var ErrValidation = errors.New("validation failed")

// SubmitRequest is a finished generation request from an authenticated caller.
type SubmitRequest struct {
	TenantID    uuid.UUID
	TenantClass string
	OwnerID     uuid.UUID
	ProviderID  string
	Params      json.RawMessage
	ItemCount   int
}

// SubmitResult holds the top-level job and, for batched requests, its children in dispatch order.
type SubmitResult struct {
	Job      *models.Job
	Children []*models.Job
}

// ChildIDs lists the ids of the batch children.
func (r *SubmitResult) ChildIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(r.Children))
	for i, c := range r.Children {
		ids[i] = c.ID
	}
	return ids
}

// Submit validates the request, applies provider gates and writes the queued job rows.
// Requests larger than the provider's per-call limit become a parent with
// ceil(items/max) children whose start times are staggered.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	a, err := s.registry.Resolve(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if err := provider.CheckGates(a, req.TenantClass); err != nil {
		return nil, err
	}

	now := s.now()
	newJob := func(items int, runAt time.Time) *models.Job {
		return &models.Job{
			ID:           uuid.New(),
			TenantID:     req.TenantID,
			OwnerID:      req.OwnerID,
			ProviderID:   a.ID(),
			DeliveryMode: a.DeliveryMode(),
			Status:       models.JobStatusQueued,
			ItemCount:    items,
			Params:       req.Params,
			RunAt:        runAt,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	result := &SubmitResult{}
	maxItems := a.MaxItemsPerCall()
	if req.ItemCount <= maxItems {
		result.Job = newJob(req.ItemCount, now)
		if err := s.store.CreateJobs(ctx, result.Job); err != nil {
			return nil, fmt.Errorf("creating job: %w", err)
		}
	} else {
		parent := newJob(req.ItemCount, now)
		parent.IsParent = true
		for i, items := range splitItems(req.ItemCount, maxItems) {
			child := newJob(items, now.Add(time.Duration(i)*s.cfg.ChildStagger))
			child.ParentJobID = &parent.ID
			result.Children = append(result.Children, child)
		}
		result.Job = parent
		if err := s.store.CreateJobs(ctx, append([]*models.Job{parent}, result.Children...)...); err != nil {
			return nil, fmt.Errorf("creating batch: %w", err)
		}
	}

	s.emit(ctx, result.Job, models.EventQueued, queuedPayload(result.Job, len(result.Children)))
	for i, child := range result.Children {
		payload := queuedPayload(child, 0)
		payload["parent_job_id"] = result.Job.ID
		payload["index"] = i
		s.emit(ctx, child, models.EventQueued, payload)
	}

	jobLogger(result.Job).Info("job submitted", "item_count", req.ItemCount, "children", len(result.Children))
	s.Wake()
	return result, nil
}

func (s *Scheduler) validate(req SubmitRequest) error {
	if req.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant is required", ErrValidation)
	}
	if req.ItemCount < 1 {
		return fmt.Errorf("%w: item_count must be at least 1", ErrValidation)
	}
	if s.cfg.MaxBatchItems > 0 && req.ItemCount > s.cfg.MaxBatchItems {
		return fmt.Errorf("%w: item_count must be at most %d", ErrValidation, s.cfg.MaxBatchItems)
	}
	trimmed := bytes.TrimSpace(req.Params)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: params must be a JSON object", ErrValidation)
	}
	return nil
}

// splitItems sizes batch children: full children of maxItems followed by the remainder.
func splitItems(total, maxItems int) []int {
	if maxItems < 1 {
		maxItems = 1
	}
	var sizes []int
	for total > 0 {
		n := min(total, maxItems)
		sizes = append(sizes, n)
		total -= n
	}
	return sizes
}

func queuedPayload(job *models.Job, children int) map[string]any {
	p := map[string]any{
		"status":     job.Status,
		"provider":   job.ProviderID,
		"item_count": job.ItemCount,
	}
	if children > 0 {
		p["children"] = children
	}
	return p
}
