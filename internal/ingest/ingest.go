// Package ingest turns provider completion callbacks into recorded results. Callbacks may be
// redelivered or race the poll loop; idempotency comes from the store's unique
// (job, conversion id) constraint, and every write re-checks that the job is not terminal.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/internal/scheduler"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

var (
	ErrUnknownProvider = errors.New("unknown callback provider")
	ErrUnauthorized    = errors.New("callback authentication failed")
	ErrMalformed       = errors.New("malformed callback")
	ErrGone            = errors.New("job no longer exists")
	ErrConflict        = errors.New("callback does not match job")
)

const (
	HeaderSecret    = "X-Webhook-Secret"
	HeaderSignature = "X-Webhook-Signature"
)

// Outcome is how an authenticated, well-formed callback was handled.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
	// OutcomeDeferred means no job matches the task yet; the provider should redeliver later.
	OutcomeDeferred Outcome = "deferred"
)

// Result describes a handled callback.
type Result struct {
	Outcome Outcome    `json:"status"`
	JobID   *uuid.UUID `json:"job_id,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Recorder is the scheduler's shared result write path.
type Recorder interface {
	RecordResult(ctx context.Context, job *models.Job, a models.ProviderAdapter, raw models.RawResult) (scheduler.RecordOutcome, error)
	FailJob(ctx context.Context, job *models.Job, message string) (*models.Job, error)
}

// Callback is one inbound provider request.
type Callback struct {
	ProviderID string
	// JobID is the job_id query parameter of the callback URL, if any.
	JobID  string
	Header http.Header
	Body   []byte
}

type Ingester struct {
	store    store.Store
	registry *provider.Registry
	recorder Recorder
	secret   string
}

// New creates an Ingester. An empty secret disables callback authentication.
func New(st store.Store, registry *provider.Registry, recorder Recorder, secret string) *Ingester {
	return &Ingester{store: st, registry: registry, recorder: recorder, secret: secret}
}

// Ingest authenticates, resolves and applies one callback. Sentinel errors map to HTTP
// statuses at the handler: ErrUnknownProvider 404, ErrUnauthorized 401, ErrMalformed 400,
// ErrGone 410, ErrConflict 409. Anything else is a storage failure. Authentication comes
// first, so unauthenticated callers cannot tell registered providers apart.
func (in *Ingester) Ingest(ctx context.Context, cb Callback) (Result, error) {
	if !Verify(in.secret, cb.Header, cb.Body) {
		return Result{}, ErrUnauthorized
	}
	a, err := in.registry.Get(cb.ProviderID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, cb.ProviderID)
	}
	if a.DeliveryMode() != models.DeliveryWebhook {
		return Result{}, fmt.Errorf("%w: %s does not deliver by callback", ErrUnknownProvider, cb.ProviderID)
	}

	decoded, err := a.DecodeCallback(cb.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	job, res, err := in.resolve(ctx, cb, decoded)
	if err != nil || job == nil {
		return res, err
	}
	log := slog.With("job_id", job.ID, "provider", cb.ProviderID, "task_id", decoded.TaskID,
		"conversion_id", decoded.ConversionID)
	res.JobID = &job.ID

	if job.ProviderID != a.ID() {
		return Result{}, fmt.Errorf("%w: job belongs to provider %s", ErrConflict, job.ProviderID)
	}
	if job.IsParent {
		return Result{}, fmt.Errorf("%w: callbacks target batch children, not the parent", ErrConflict)
	}
	if job.IsTerminal() {
		return ignored(res, "job is "+job.Status), nil
	}

	switch decoded.Status {
	case models.ProviderStatusFailed:
		if _, err := in.recorder.FailJob(ctx, job, decoded.Message); err != nil {
			if errors.Is(err, store.ErrJobTerminal) {
				return ignored(res, "job is terminal"), nil
			}
			return Result{}, fmt.Errorf("failing job: %w", err)
		}
		log.Info("provider callback reported failure", "message", decoded.Message)
		res.Outcome = OutcomeAccepted
		return res, nil
	case models.ProviderStatusPending:
		return ignored(res, "task still in progress"), nil
	}

	raw := decoded.Result
	if raw.TaskID == "" {
		raw.TaskID = decoded.TaskID
	}
	if raw.ConversionID == "" {
		raw.ConversionID = decoded.ConversionID
	}
	if raw.ConversionID == "" {
		return Result{}, fmt.Errorf("%w: missing conversion id", ErrMalformed)
	}
	raw.Ready = true

	outcome, err := in.recorder.RecordResult(ctx, job, a, raw)
	if err != nil {
		if errors.Is(err, adapter.ErrMalformed) {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Result{}, err
	}
	switch outcome {
	case scheduler.OutcomeDuplicate:
		return ignored(res, "duplicate conversion"), nil
	case scheduler.OutcomeTerminal:
		return ignored(res, "job is terminal"), nil
	}
	log.Info("callback result recorded")
	res.Outcome = OutcomeAccepted
	return res, nil
}

// resolve finds the callback's job. A nil job with a nil error means the callback was
// answered without one (deferred).
func (in *Ingester) resolve(ctx context.Context, cb Callback, decoded models.Callback) (*models.Job, Result, error) {
	if cb.JobID != "" {
		id, err := uuid.Parse(cb.JobID)
		if err != nil {
			return nil, Result{}, fmt.Errorf("%w: invalid job_id", ErrMalformed)
		}
		job, err := in.store.GetJobByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, Result{}, fmt.Errorf("%w: %s", ErrGone, id)
		}
		if err != nil {
			return nil, Result{}, fmt.Errorf("loading job: %w", err)
		}
		if decoded.TaskID != "" && job.ProviderTaskID != "" && job.ProviderTaskID != decoded.TaskID {
			return nil, Result{}, fmt.Errorf("%w: task %s is not job %s's task", ErrConflict, decoded.TaskID, id)
		}
		return job, Result{}, nil
	}

	if decoded.TaskID == "" {
		return nil, Result{}, fmt.Errorf("%w: neither job_id nor task_id given", ErrMalformed)
	}
	job, err := in.store.FindByProviderTask(ctx, cb.ProviderID, decoded.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Result{Outcome: OutcomeDeferred, Reason: "no job for task yet"}, nil
	}
	if err != nil {
		return nil, Result{}, fmt.Errorf("finding job by task: %w", err)
	}
	return job, Result{}, nil
}

func ignored(res Result, reason string) Result {
	res.Outcome = OutcomeIgnored
	res.Reason = reason
	return res
}

// Verify checks a callback against secret. With no secret configured every callback passes.
// Providers may send the secret itself in X-Webhook-Secret or an HMAC-SHA256 of the body as
// X-Webhook-Signature: sha256=<hex>.
func Verify(secret string, header http.Header, body []byte) bool {
	if secret == "" {
		return true
	}
	if got := header.Get(HeaderSecret); got != "" {
		return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
	}
	sig := header.Get(HeaderSignature)
	hexSig, ok := strings.CutPrefix(sig, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
