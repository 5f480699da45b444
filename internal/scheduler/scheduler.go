// Package scheduler drives jobs through queued -> running -> terminal. The jobs table is the
// queue: Submit only writes rows, and Run claims runnable rows with bounded concurrency, so a
// restart never loses accepted work.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/artifact"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/notify"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	instrumentationName = "github.com/kiranshivaraju/mediaforge/internal/scheduler"

	MessageTimeout   = "Timeout"
	MessageCanceled  = "Canceled by user"
	MessageNoResults = "Provider returned no results"

	maxErrorMessage = 2000
)

// Options wires a Scheduler. Mirror and Notifier may be nil.
type Options struct {
	Store         store.Store
	Registry      *provider.Registry
	Mirror        *artifact.Mirror
	Notifier      notify.Notifier
	Config        config.SchedulerConfig
	PublicBaseURL string
}

// Scheduler owns job state transitions for both delivery modes. The completion ingester
// records webhook results through RecordResult and FailJob so both paths share one write path.
type Scheduler struct {
	store    store.Store
	registry *provider.Registry
	mirror   *artifact.Mirror
	notifier notify.Notifier
	cfg      config.SchedulerConfig
	baseURL  string

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	tracer  trace.Tracer
	metrics *metrics
	now     func() time.Time
}

func New(opts Options) *Scheduler {
	n := opts.Notifier
	if n == nil {
		n = notify.Noop{}
	}
	workers := opts.Config.WorkerConcurrency
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:    opts.Store,
		registry: opts.Registry,
		mirror:   opts.Mirror,
		notifier: n,
		cfg:      opts.Config,
		baseURL:  strings.TrimRight(opts.PublicBaseURL, "/"),
		sem:      make(chan struct{}, workers),
		wake:     make(chan struct{}, 1),
		limiters: make(map[string]*rate.Limiter),
		tracer:   otel.Tracer(instrumentationName),
		metrics:  newMetrics(otel.Meter(instrumentationName)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CallbackURL is the URL a webhook-mode provider posts results to for one job.
func (s *Scheduler) CallbackURL(providerID string, jobID uuid.UUID) string {
	q := url.Values{"job_id": {jobID.String()}}
	return s.baseURL + "/api/v1/webhooks/" + url.PathEscape(providerID) + "?" + q.Encode()
}

// Wake asks the runner to claim work now instead of at its next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) limiter(providerID string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[providerID]
	if !ok {
		limit := rate.Inf
		if s.cfg.ProviderRatePerSec > 0 {
			limit = rate.Limit(s.cfg.ProviderRatePerSec)
		}
		l = rate.NewLimiter(limit, 1)
		s.limiters[providerID] = l
	}
	return l
}

// emit appends an event and wakes stream subscribers. Event write failures are logged, not
// returned: the job row is the source of truth and stream snapshots re-read it.
func (s *Scheduler) emit(ctx context.Context, job *models.Job, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encoding event payload", "job_id", job.ID, "type", eventType, "error", err)
		return
	}
	if _, err := s.store.AppendEvent(ctx, job.ID, job.TenantID, eventType, data); err != nil {
		slog.Error("appending event", "job_id", job.ID, "type", eventType, "error", err)
		return
	}
	if err := s.notifier.Publish(ctx, job.ID); err != nil {
		slog.Warn("publishing job wake-up", "job_id", job.ID, "error", err)
	}
}

func progressPayload(job *models.Job) map[string]any {
	return map[string]any{
		"status":          job.Status,
		"completed_count": job.CompletedCount,
		"item_count":      job.ItemCount,
		"progress_pct":    job.ProgressPct,
	}
}

// expectedVariants is how many result units complete a job.
func expectedVariants(job *models.Job) int {
	if job.ExpectedVariants > 0 && job.ExpectedVariants < job.ItemCount {
		return job.ExpectedVariants
	}
	return job.ItemCount
}

func clampExpected(reported, itemCount int) int {
	if reported <= 0 || reported > itemCount {
		return itemCount
	}
	return reported
}

// failureMessage prefers the provider's own wording over our wrapping.
func failureMessage(err error) string {
	var se *adapter.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

func ptr[T any](v T) *T { return &v }

func jobLogger(job *models.Job) *slog.Logger {
	return slog.With("job_id", job.ID, "tenant_id", job.TenantID, "provider", job.ProviderID)
}
