package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordOutcome says what RecordResult did with a provider result.
type RecordOutcome int

const (
	// OutcomeRecorded means a new result unit was written.
	OutcomeRecorded RecordOutcome = iota
	// OutcomeDuplicate means the (job, conversion id) pair was already recorded.
	OutcomeDuplicate
	// OutcomeTerminal means the job had already finished; the result was discarded.
	OutcomeTerminal
)

func (o RecordOutcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// RecordResult normalizes one ready provider result and records it at most once. It is the
// single write path for results from both the poll loop and the completion ingester. The job
// succeeds once its completed count reaches its expected variants.
func (s *Scheduler) RecordResult(ctx context.Context, job *models.Job, a models.ProviderAdapter, raw models.RawResult) (RecordOutcome, error) {
	norm, err := a.Normalize(raw)
	if err != nil {
		return 0, fmt.Errorf("normalizing result: %w", err)
	}
	if norm.ConversionID == "" {
		return 0, fmt.Errorf("normalizing result: empty conversion id")
	}

	// Skips the mirror download for obvious redeliveries. The insert below is the real guard.
	exists, err := s.store.ResultExists(ctx, job.ID, norm.ConversionID)
	if err != nil {
		return 0, fmt.Errorf("checking result: %w", err)
	}
	if exists {
		return OutcomeDuplicate, nil
	}

	var keys []string
	if s.mirror != nil && len(norm.MediaURLs) > 0 {
		keys = s.mirror.Copy(ctx, job.ID, norm.ConversionID, norm.MediaURLs)
	}

	taskID := raw.TaskID
	if taskID == "" {
		taskID = job.ProviderTaskID
	}
	unit := &models.ResultUnit{
		ID:              uuid.New(),
		JobID:           job.ID,
		TenantID:        job.TenantID,
		ProviderTaskID:  taskID,
		ChoiceID:        raw.ChoiceID,
		ConversionID:    norm.ConversionID,
		SourceURLs:      norm.MediaURLs,
		StorageKeys:     keys,
		DurationSeconds: norm.DurationSeconds,
		Metadata:        norm.Metadata,
		CreatedAt:       s.now(),
	}

	updated, err := s.store.CreateResultUnit(ctx, unit)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return OutcomeDuplicate, nil
	case errors.Is(err, store.ErrJobTerminal):
		return OutcomeTerminal, nil
	case err != nil:
		return 0, fmt.Errorf("recording result: %w", err)
	}

	s.metrics.resultsRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", job.ProviderID)))
	s.emit(ctx, updated, models.EventItemSucceeded, map[string]any{
		"result_id":        unit.ID,
		"conversion_id":    unit.ConversionID,
		"choice_id":        unit.ChoiceID,
		"duration_seconds": unit.DurationSeconds,
		"completed_count":  updated.CompletedCount,
		"item_count":       updated.ItemCount,
	})
	s.emit(ctx, updated, models.EventProgress, progressPayload(updated))

	if updated.ParentJobID != nil {
		s.aggregateParent(ctx, *updated.ParentJobID, updated.TenantID)
	}

	if updated.CompletedCount >= expectedVariants(updated) {
		if _, err := s.finish(ctx, updated, models.JobStatusSucceeded, "", map[string]any{"partial": false}); err != nil &&
			!errors.Is(err, store.ErrJobTerminal) {
			return OutcomeRecorded, fmt.Errorf("completing job: %w", err)
		}
	}
	return OutcomeRecorded, nil
}

// FailJob marks a non-terminal job failed with message. It returns store.ErrJobTerminal when
// the job had already finished.
func (s *Scheduler) FailJob(ctx context.Context, job *models.Job, message string) (*models.Job, error) {
	return s.finish(ctx, job, models.JobStatusFailed, message, nil)
}

// finish moves a job to a terminal status, announces it, and for batch children settles the
// parent. extra is merged into the terminal event payload.
func (s *Scheduler) finish(ctx context.Context, job *models.Job, status, message string, extra map[string]any) (*models.Job, error) {
	patch := models.JobPatch{Status: &status, FinishedAt: ptr(s.now())}
	if message != "" {
		patch.ErrorMessage = ptr(truncateString(message, maxErrorMessage))
	}
	updated, err := s.store.UpdateJob(ctx, job.ID, job.TenantID, patch)
	if err != nil {
		return nil, err
	}

	payload := progressPayload(updated)
	if updated.ErrorMessage != nil {
		payload["error"] = *updated.ErrorMessage
	}
	for k, v := range extra {
		payload[k] = v
	}
	eventType := models.EventFailed
	if status == models.JobStatusSucceeded {
		eventType = models.EventSucceeded
	}
	s.emit(ctx, updated, eventType, payload)
	s.metrics.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", updated.ProviderID),
		attribute.String("status", status),
	))
	jobLogger(updated).Info("job finished", "status", status, "error_message", message,
		"completed_count", updated.CompletedCount, "item_count", updated.ItemCount)

	if updated.ParentJobID != nil {
		s.onChildTerminal(ctx, updated)
	}
	return updated, nil
}

// onChildTerminal releases the next deferred sibling and re-aggregates the parent.
func (s *Scheduler) onChildTerminal(ctx context.Context, child *models.Job) {
	parentID := *child.ParentJobID
	parent := s.aggregateParent(ctx, parentID, child.TenantID)
	if parent == nil || parent.IsTerminal() {
		return
	}
	if err := s.store.PromoteNextChild(ctx, parentID); err != nil {
		slog.Error("promoting next child", "parent_job_id", parentID, "error", err)
		return
	}
	s.Wake()
}

// aggregateParent recomputes a parent's counts from its children and finishes it once every
// child is terminal: succeeded if all children succeeded, failed otherwise. It returns the
// parent's latest state, or nil if it could not be read.
func (s *Scheduler) aggregateParent(ctx context.Context, parentID, tenantID uuid.UUID) *models.Job {
	log := slog.With("job_id", parentID, "tenant_id", tenantID)
	parent, err := s.store.GetJob(ctx, parentID, tenantID)
	if err != nil {
		log.Error("loading parent job", "error", err)
		return nil
	}
	if parent.IsTerminal() {
		return parent
	}
	summary, err := s.store.SummarizeChildren(ctx, parentID)
	if err != nil {
		log.Error("summarizing children", "error", err)
		return parent
	}

	completed := min(summary.CompletedCount, parent.ItemCount)
	pct := models.ProgressPercent(completed, parent.ItemCount)
	if completed != parent.CompletedCount || pct != parent.ProgressPct {
		updated, err := s.store.UpdateJob(ctx, parentID, tenantID, models.JobPatch{
			CompletedCount: &completed,
			ProgressPct:    &pct,
		})
		switch {
		case errors.Is(err, store.ErrJobTerminal):
			return parent
		case err != nil:
			log.Error("updating parent progress", "error", err)
		default:
			parent = updated
			s.emit(ctx, parent, models.EventProgress, progressPayload(parent))
		}
	}

	if !summary.AllTerminal() {
		return parent
	}

	failed := summary.Failed()
	extra := map[string]any{"summary": summary.ByStatus}
	var finished *models.Job
	if failed == 0 {
		finished, err = s.finish(ctx, parent, models.JobStatusSucceeded, "", extra)
	} else {
		finished, err = s.finish(ctx, parent, models.JobStatusFailed,
			fmt.Sprintf("%d of %d children failed", failed, summary.Total), extra)
	}
	if err != nil {
		if !errors.Is(err, store.ErrJobTerminal) {
			log.Error("finishing parent job", "error", err)
		}
		return parent
	}
	return finished
}
