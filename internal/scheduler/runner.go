package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// Run claims runnable queued jobs until ctx is canceled, then waits for in-flight jobs to
// stop. Jobs interrupted by shutdown stay running and are picked up by Recover.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.QueuePollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "workers", cap(s.sem), "queue_poll_interval", interval)
	for {
		s.claim(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) claim(ctx context.Context) {
	free := cap(s.sem) - len(s.sem)
	if free <= 0 || ctx.Err() != nil {
		return
	}
	jobs, err := s.store.ClaimQueued(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("claiming queued jobs", "error", err)
		}
		return
	}
	for _, job := range jobs {
		s.spawn(ctx, job, s.execute)
	}
}

// spawn runs fn for job on a worker slot.
func (s *Scheduler) spawn(ctx context.Context, job *models.Job, fn func(context.Context, *models.Job)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.sem }()
		defer func() {
			if r := recover(); r != nil {
				jobLogger(job).Error("panic in job worker", "error", r)
				_, _ = s.finish(context.WithoutCancel(ctx), job, models.JobStatusFailed, fmt.Sprintf("panic: %v", r), nil)
			}
		}()
		fn(ctx, job)
	}()
}

// execute runs a freshly claimed job: announce start, call Prepare, then either hand off
// to the ingester (webhook) or poll to completion.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) {
	log := jobLogger(job)
	s.emit(ctx, job, models.EventStarted, map[string]any{"status": job.Status, "provider": job.ProviderID})
	if job.ParentJobID != nil {
		s.markParentStarted(ctx, job)
	}

	a, err := s.registry.Get(job.ProviderID)
	if err != nil {
		s.failQuietly(ctx, job, err.Error())
		return
	}

	if err := s.limiter(job.ProviderID).Wait(ctx); err != nil {
		return
	}

	var prep models.PrepareResult
	err = s.traceProviderCall(ctx, "prepare", job, func(ctx context.Context) error {
		var callErr error
		prep, callErr = a.Prepare(ctx, models.GenerationRequest{
			JobID:       job.ID,
			TenantID:    job.TenantID,
			Params:      job.Params,
			ItemCount:   job.ItemCount,
			CallbackURL: s.CallbackURL(a.ID(), job.ID),
		})
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("provider prepare failed", "error", err)
		s.failQuietly(ctx, job, failureMessage(err))
		return
	}

	mode := prep.DeliveryMode
	if mode == "" {
		mode = a.DeliveryMode()
	}
	expected := clampExpected(prep.ExpectedVariants, job.ItemCount)
	updated, err := s.store.UpdateJob(ctx, job.ID, job.TenantID, models.JobPatch{
		ProviderTaskID:   &prep.ProviderTaskID,
		DeliveryMode:     &mode,
		ExpectedVariants: &expected,
	})
	if err != nil {
		if !errors.Is(err, store.ErrJobTerminal) {
			log.Error("recording provider task", "error", err)
		}
		return
	}
	log.Info("job dispatched", "delivery_mode", mode, "provider_task_id", prep.ProviderTaskID, "expected_variants", expected)

	if mode == models.DeliveryWebhook {
		return
	}
	s.pollUntilDone(ctx, updated, a)
}

// markParentStarted moves a batch parent to running when its first child starts.
func (s *Scheduler) markParentStarted(ctx context.Context, child *models.Job) {
	parent, err := s.store.UpdateJob(ctx, *child.ParentJobID, child.TenantID, models.JobPatch{
		Status:    ptr(models.JobStatusRunning),
		StartedAt: ptr(s.now()),
	})
	if err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrJobTerminal) {
			jobLogger(child).Error("marking parent running", "parent_job_id", child.ParentJobID, "error", err)
		}
		return
	}
	s.emit(ctx, parent, models.EventStarted, map[string]any{"status": parent.Status, "provider": parent.ProviderID})
}

// resumePoll continues polling a job recovered after a restart.
func (s *Scheduler) resumePoll(ctx context.Context, job *models.Job) {
	a, err := s.registry.Get(job.ProviderID)
	if err != nil {
		s.failQuietly(ctx, job, err.Error())
		return
	}
	s.pollUntilDone(ctx, job, a)
}

// pollUntilDone polls the provider until the job is terminal, the provider reports a
// terminal status, or the poll timeout measured from the job's start elapses. Ready
// choices are recorded as they appear.
func (s *Scheduler) pollUntilDone(ctx context.Context, job *models.Job, a models.ProviderAdapter) {
	log := jobLogger(job)
	started := s.now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	deadline := started.Add(s.cfg.ProviderPollTimeout)
	consecutiveErrors := 0

	for {
		if ctx.Err() != nil {
			return
		}
		current, err := s.store.GetJob(ctx, job.ID, job.TenantID)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("reloading job during poll", "error", err)
			}
		} else if current.IsTerminal() {
			return
		} else {
			job = current
		}

		if s.now().After(deadline) {
			log.Warn("poll timeout", "timeout", s.cfg.ProviderPollTimeout)
			s.failQuietly(ctx, job, MessageTimeout)
			return
		}

		done := s.pollOnce(ctx, job, a, &consecutiveErrors)
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ProviderPollInterval):
		}
	}
}

// pollOnce performs one poll and applies its outcome. It reports whether polling is over.
func (s *Scheduler) pollOnce(ctx context.Context, job *models.Job, a models.ProviderAdapter, consecutiveErrors *int) bool {
	log := jobLogger(job)
	if err := s.limiter(job.ProviderID).Wait(ctx); err != nil {
		return true
	}

	var res models.PollResult
	err := s.traceProviderCall(ctx, "poll", job, func(ctx context.Context) error {
		var callErr error
		res, callErr = a.Poll(ctx, job.ProviderTaskID)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		*consecutiveErrors++
		log.Warn("provider poll failed", "attempt", *consecutiveErrors, "error", err)
		s.emit(ctx, job, models.EventError, map[string]any{
			"message": failureMessage(err),
			"attempt": *consecutiveErrors,
		})
		if !adapter.IsTransient(err) || *consecutiveErrors >= s.cfg.MaxPollErrors {
			s.failQuietly(ctx, job, failureMessage(err))
			return true
		}
		return false
	}
	*consecutiveErrors = 0

	for _, raw := range res.Results {
		if !raw.Ready {
			continue
		}
		if raw.TaskID == "" {
			raw.TaskID = job.ProviderTaskID
		}
		outcome, err := s.RecordResult(ctx, job, a, raw)
		if err != nil {
			log.Warn("recording polled result", "choice_id", raw.ChoiceID, "error", err)
			continue
		}
		if outcome == OutcomeTerminal {
			return true
		}
	}

	switch res.Status {
	case models.ProviderStatusSucceeded:
		s.completeFromProvider(ctx, job)
		return true
	case models.ProviderStatusFailed:
		msg := res.Message
		if msg == "" {
			msg = provider.ErrProviderFailed.Error()
		}
		log.Warn("provider reported failure", "error", fmt.Errorf("%w: %s", provider.ErrProviderFailed, msg))
		s.failQuietly(ctx, job, msg)
		return true
	}
	return false
}

// completeFromProvider settles a job whose provider reported success. Fewer recorded
// results than expected still succeed, flagged partial; none at all fails.
func (s *Scheduler) completeFromProvider(ctx context.Context, job *models.Job) {
	current, err := s.store.GetJob(ctx, job.ID, job.TenantID)
	if err != nil {
		jobLogger(job).Error("reloading job after provider success", "error", err)
		return
	}
	if current.IsTerminal() {
		return
	}
	if current.CompletedCount == 0 {
		s.failQuietly(ctx, current, MessageNoResults)
		return
	}
	partial := current.CompletedCount < expectedVariants(current)
	_, _ = s.finish(ctx, current, models.JobStatusSucceeded, "", map[string]any{"partial": partial})
}

// failQuietly fails a job, treating a lost race against another terminal write as done.
func (s *Scheduler) failQuietly(ctx context.Context, job *models.Job, message string) {
	if _, err := s.finish(ctx, job, models.JobStatusFailed, message, nil); err != nil &&
		!errors.Is(err, store.ErrJobTerminal) && ctx.Err() == nil {
		jobLogger(job).Error("failing job", "error", err)
	}
}
