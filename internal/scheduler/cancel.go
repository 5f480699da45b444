package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// Cancel fails a non-terminal job with MessageCanceled. Cancellation is cooperative: an
// in-flight provider call finishes, and whatever it returns is discarded by the terminal
// guard on every write. Canceling a batch parent also stops its children: never-started
// children become canceled, started ones fail.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return nil, store.ErrJobTerminal
	}

	updated, err := s.finish(ctx, job, models.JobStatusFailed, MessageCanceled, map[string]any{"canceled": true})
	if err != nil {
		return nil, err
	}
	jobLogger(updated).Info("job canceled")

	// The parent is terminal first so that child terminations do not re-aggregate it.
	if job.IsParent {
		if err := s.cancelChildren(ctx, updated); err != nil {
			jobLogger(updated).Error("canceling children", "error", err)
		}
	}
	return updated, nil
}

func (s *Scheduler) cancelChildren(ctx context.Context, parent *models.Job) error {
	children, err := s.store.ListChildren(ctx, parent.ID, parent.TenantID)
	if err != nil {
		return fmt.Errorf("listing children: %w", err)
	}
	// Queued children first so none of them is claimed while running ones are stopped.
	for _, want := range []string{models.JobStatusQueued, models.JobStatusRunning} {
		for _, child := range children {
			if child.Status != want {
				continue
			}
			status := models.JobStatusFailed
			if want == models.JobStatusQueued {
				status = models.JobStatusCanceled
			}
			if _, err := s.finish(ctx, child, status, MessageCanceled, map[string]any{"canceled": true}); err != nil &&
				!errors.Is(err, store.ErrJobTerminal) {
				return fmt.Errorf("canceling child %s: %w", child.ID, err)
			}
		}
	}
	return nil
}
