// Package client watches mediaforge jobs. Watch follows the server-sent progress
// stream and switches to polling the job snapshot when the stream stays silent
// past a startup window or the server reports it cannot serve progress.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultStartupTimeout = 5 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultRequestTimeout = 10 * time.Second

	maxReconnects = 3
	maxPollErrors = 3
	maxFrameBytes = 1 << 20
)

// Frame types that carry no event sequence number.
const (
	TypeSnapshot = "snapshot"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Sentinel errors for transport failures.
var (
	ErrUnreachable = errors.New("mediaforge unreachable")
	ErrTimeout     = errors.New("mediaforge request timeout")
	ErrMalformed   = errors.New("malformed response")

	errNoFrame           = errors.New("no frame within startup window")
	errPushUnavailable   = errors.New("server reported progress unavailable")
	errStreamInterrupted = errors.New("stream closed before completion")
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mediaforge: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Snapshot is the job state returned by GET /api/v1/jobs/{id}.
type Snapshot struct {
	ID             string         `json:"id"`
	ParentJobID    *string        `json:"parent_job_id,omitempty"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	ProgressPct    int            `json:"progress_pct"`
	CompletedCount int            `json:"completed_count"`
	ItemCount      int            `json:"item_count"`
	Error          *string        `json:"error,omitempty"`
	Children       []Child        `json:"children,omitempty"`
	Summary        map[string]int `json:"summary,omitempty"`
	Results        []Result       `json:"results"`
}

type Child struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	ProgressPct    int     `json:"progress_pct"`
	CompletedCount int     `json:"completed_count"`
	ItemCount      int     `json:"item_count"`
	Error          *string `json:"error,omitempty"`
}

type Result struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id"`
	ConversionID    string         `json:"conversion_id"`
	ChoiceID        string         `json:"choice_id,omitempty"`
	URLs            []string       `json:"urls"`
	DurationSeconds float64        `json:"duration_seconds"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the job will not change again.
func (s *Snapshot) Terminal() bool {
	return isTerminal(s.Status)
}

func isTerminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// Update is one observation handed to a Watch callback. Seq is zero for
// snapshot, complete and error frames. Status is set when the frame carries it.
type Update struct {
	Type   string
	Seq    int64
	Status string
	Data   json.RawMessage
	Polled bool
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	APIKey         string
	HTTPClient     *http.Client
	StartupTimeout time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Client talks to the mediaforge HTTP API.
type Client struct {
	baseURL        string
	apiKey         string
	http           *http.Client
	startupTimeout time.Duration
	pollInterval   time.Duration
	requestTimeout time.Duration
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts Options) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         opts.APIKey,
		http:           opts.HTTPClient,
		startupTimeout: opts.StartupTimeout,
		pollInterval:   opts.PollInterval,
		requestTimeout: opts.RequestTimeout,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.startupTimeout <= 0 {
		c.startupTimeout = defaultStartupTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	return c
}

// GetJob fetches the current snapshot of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Snapshot, error) {
	snap, _, err := c.getJob(ctx, jobID)
	return snap, err
}

func (c *Client) getJob(ctx context.Context, jobID string) (*Snapshot, json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, decodeAPIError(resp)
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding job: %v", ErrMalformed, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding job: %v", ErrMalformed, err)
	}
	return &snap, env.Data, nil
}

// Watch delivers progress for jobID to fn until the job is terminal and returns
// its final snapshot. Frames already delivered are never passed to fn again,
// including across stream reconnects, but a polled snapshot may repeat state
// already seen on the stream.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(Update)) (*Snapshot, error) {
	if fn == nil {
		fn = func(Update) {}
	}

	var lastSeq int64
	for attempt := 0; attempt <= maxReconnects; attempt++ {
		gotFrame, err := c.stream(ctx, jobID, &lastSeq, fn)
		if err == nil {
			return c.GetJob(ctx, jobID)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return nil, err
		}
		if !gotFrame || errors.Is(err, errPushUnavailable) {
			break
		}
	}
	return c.poll(ctx, jobID, fn)
}

// stream reads the SSE endpoint until a complete frame or a frame carrying a
// terminal status arrives. It returns nil only on completion and reports whether
// any frame was received.
func (c *Client) stream(ctx context.Context, jobID string, lastSeq *int64, fn func(Update)) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	startup := time.AfterFunc(c.startupTimeout, cancel)
	defer startup.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID)+"/stream", nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	if *lastSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*lastSeq, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, c.streamError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, decodeAPIError(resp)
	}

	gotFrame := false
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			if rest, ok := strings.CutPrefix(line, "data:"); ok {
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(rest, " "))
			}
			// id, event and comment lines are implied by the frame body.
			continue
		}
		if data.Len() == 0 {
			continue
		}

		if !gotFrame {
			gotFrame = true
			startup.Stop()
		}
		u, err := parseFrame(data.String())
		data.Reset()
		if err != nil {
			return gotFrame, err
		}

		switch {
		case u.Type == TypeError && u.Seq == 0:
			return gotFrame, errPushUnavailable
		case u.Seq > 0 && u.Seq <= *lastSeq:
			continue
		case u.Seq > 0:
			*lastSeq = u.Seq
		}
		fn(u)
		if u.Type == TypeComplete || isTerminal(u.Status) {
			return gotFrame, nil
		}
	}
	if err := sc.Err(); err != nil {
		if !gotFrame {
			return false, c.streamError(err)
		}
		return true, fmt.Errorf("%w: %v", errStreamInterrupted, err)
	}
	if !gotFrame {
		return false, errNoFrame
	}
	return true, errStreamInterrupted
}

func (c *Client) streamError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errNoFrame
	}
	return classifyError(err)
}

type wireFrame struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

func parseFrame(body string) (Update, error) {
	var f wireFrame
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return Update{}, fmt.Errorf("%w: decoding frame: %v", ErrMalformed, err)
	}
	u := Update{Type: f.Type, Seq: f.Seq, Data: f.Data}

	var state struct {
		Status   string `json:"status"`
		Snapshot bool   `json:"snapshot"`
	}
	if len(f.Data) > 0 && json.Unmarshal(f.Data, &state) == nil {
		u.Status = state.Status
		if state.Snapshot && f.Type != TypeComplete {
			u.Type = TypeSnapshot
		}
	}
	return u, nil
}

func (c *Client) poll(ctx context.Context, jobID string, fn func(Update)) (*Snapshot, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last *Snapshot
	failures := 0
	for {
		snap, raw, err := c.getJob(ctx, jobID)
		switch {
		case err == nil:
			failures = 0
			if last == nil || changed(last, snap) {
				fn(Update{Type: TypeSnapshot, Status: snap.Status, Data: raw, Polled: true})
			}
			last = snap
			if snap.Terminal() {
				return snap, nil
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case permanent(err):
			return nil, err
		default:
			failures++
			if failures >= maxPollErrors {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func changed(a, b *Snapshot) bool {
	return a.Status != b.Status ||
		a.ProgressPct != b.ProgressPct ||
		a.CompletedCount != b.CompletedCount ||
		a.ItemCount != b.ItemCount
}

func permanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode < http.StatusInternalServerError && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, ErrMalformed)
}

func (c *Client) jobURL(jobID string) string {
	return c.baseURL + "/api/v1/jobs/" + url.PathEscape(jobID)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
