package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// Recover resumes work that was running when the process last stopped. Poll-mode jobs with
// a provider task resume polling; jobs that never got a provider task go back to the queue.
// Webhook jobs need nothing: their callbacks still arrive, and the reaper times them out.
// Call once at startup, with the same ctx as Run.
func (s *Scheduler) Recover(ctx context.Context) (resumed, requeued int, err error) {
	jobs, err := s.store.ListRunning(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing running jobs: %w", err)
	}

	for _, job := range jobs {
		log := jobLogger(job)
		switch {
		case job.ProviderTaskID == "":
			_, err := s.store.UpdateJob(ctx, job.ID, job.TenantID, models.JobPatch{
				Status: ptr(models.JobStatusQueued),
				RunAt:  ptr(s.now()),
			})
			if err != nil {
				if !errors.Is(err, store.ErrJobTerminal) {
					log.Error("requeueing interrupted job", "error", err)
				}
				continue
			}
			requeued++
			log.Info("requeued interrupted job")
		case job.DeliveryMode == models.DeliveryPoll:
			s.spawn(ctx, job, s.resumePoll)
			resumed++
			log.Info("resumed polling")
		}
	}
	if requeued > 0 {
		s.Wake()
	}
	return resumed, requeued, nil
}

// Reap fails running webhook-mode jobs whose callbacks did not complete them within the
// webhook timeout.
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.WebhookTimeout)
	jobs, err := s.store.ListStaleRunning(ctx, models.DeliveryWebhook, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale webhook jobs: %w", err)
	}
	reaped := 0
	for _, job := range jobs {
		if _, err := s.finish(ctx, job, models.JobStatusFailed, MessageTimeout, map[string]any{"reaped": true}); err != nil {
			if !errors.Is(err, store.ErrJobTerminal) {
				jobLogger(job).Error("reaping stale job", "error", err)
			}
			continue
		}
		reaped++
	}
	return reaped, nil
}

// RunReaper calls Reap every interval until ctx is canceled.
func (s *Scheduler) RunReaper(ctx context.Context) error {
	interval := s.cfg.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Reap(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("reaper pass failed", "error", err)
				}
				continue
			}
			if n > 0 {
				slog.Info("reaped stale webhook jobs", "count", n)
			}
		}
	}
}
