// Package progress serves a job's event log as a server-sent event stream. The log is
// re-read on a fixed interval; a notify.Notifier wake-up only shortens the wait.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/notify"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

var ErrStreamingUnsupported = errors.New("streaming not supported")

const (
	pageSize       = 200
	maxStoreErrors = 3
)

// Frame is the JSON body of every SSE data line.
type Frame struct {
	Type  string          `json:"type"`
	Seq   int64           `json:"seq,omitempty"`
	JobID uuid.UUID       `json:"job_id"`
	Data  json.RawMessage `json:"data"`
}

// Snapshot is the job state sent on connect and with the final complete frame.
type Snapshot struct {
	Status         string  `json:"status"`
	ProgressPct    int     `json:"progress_pct"`
	CompletedCount int     `json:"completed_count"`
	ItemCount      int     `json:"item_count"`
	Error          *string `json:"error,omitempty"`
	Snapshot       bool    `json:"snapshot"`
}

func snapshotOf(job *models.Job) Snapshot {
	return Snapshot{
		Status:         job.Status,
		ProgressPct:    job.ProgressPct,
		CompletedCount: job.CompletedCount,
		ItemCount:      job.ItemCount,
		Error:          job.ErrorMessage,
		Snapshot:       true,
	}
}

type Distributor struct {
	store     store.Store
	notifier  notify.Notifier
	interval  time.Duration
	keepalive time.Duration
}

func NewDistributor(st store.Store, n notify.Notifier, cfg config.StreamConfig) *Distributor {
	if n == nil {
		n = notify.Noop{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Distributor{store: st, notifier: n, interval: interval, keepalive: keepalive}
}

// Stream writes the job's events after sinceSeq to w until the job is terminal and drained,
// the client goes away, or the store keeps failing. It returns store.ErrNotFound before
// writing anything when the job is not visible to tenantID.
//
// Delivery is at-least-once: each frame carries the event seq as its SSE id, which clients
// use to deduplicate and to resume with Last-Event-ID.
func (d *Distributor) Stream(ctx context.Context, w http.ResponseWriter, tenantID, jobID uuid.UUID, sinceSeq int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	job, err := d.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return err
	}

	log := slog.With("job_id", jobID, "tenant_id", tenantID)
	sw := &sseWriter{w: w, flusher: flusher, jobID: jobID}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := sw.write(models.EventProgress, 0, snapshotOf(job)); err != nil {
		return nil
	}

	wake, unsubscribe, err := d.notifier.Subscribe(jobID)
	if err != nil {
		log.Warn("subscribing to job wake-ups, falling back to interval", "error", err)
		wake, unsubscribe = nil, func() {}
	}
	defer unsubscribe()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	keepalive := time.NewTicker(d.keepalive)
	defer keepalive.Stop()

	cursor := sinceSeq
	storeErrors := 0
	sawTerminalEvent := false
	var terminalSince time.Time

	for {
		events, err := d.store.EventsSince(ctx, jobID, tenantID, cursor, pageSize)
		if err == nil {
			job, err = d.store.GetJob(ctx, jobID, tenantID)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			storeErrors++
			log.Warn("reading job events for stream", "attempt", storeErrors, "error", err)
			if storeErrors >= maxStoreErrors {
				_ = sw.write(models.EventError, 0, map[string]string{"message": "progress temporarily unavailable"})
				return nil
			}
		} else {
			storeErrors = 0
			for _, e := range events {
				if err := sw.writeRaw(e.Type, e.Seq, e.Payload); err != nil {
					return nil
				}
				cursor = e.Seq
				if e.Type == models.EventSucceeded || e.Type == models.EventFailed {
					sawTerminalEvent = true
				}
			}
			if len(events) == pageSize {
				continue
			}
			if job.IsTerminal() {
				if terminalSince.IsZero() {
					terminalSince = time.Now()
				}
				// The terminal event is appended just after the status write; give it one
				// interval to land so it is not cut off by the complete frame.
				if sawTerminalEvent || time.Since(terminalSince) >= d.interval {
					_ = sw.write(models.EventComplete, 0, snapshotOf(job))
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		case <-keepalive.C:
			if err := sw.comment("keepalive"); err != nil {
				return nil
			}
		}
	}
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	jobID   uuid.UUID
}

func (s *sseWriter) write(eventType string, seq int64, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.writeRaw(eventType, seq, raw)
}

func (s *sseWriter) writeRaw(eventType string, seq int64, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	frame, err := json.Marshal(Frame{Type: eventType, Seq: seq, JobID: s.jobID, Data: data})
	if err != nil {
		return err
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
