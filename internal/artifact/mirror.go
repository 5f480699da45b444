package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

var ErrTooLarge = errors.New("artifact exceeds download limit")

// Mirror copies provider-hosted media into a Store so results outlive provider URLs.
type Mirror struct {
	blobs       Store
	client      *http.Client
	maxBytes    int64
	ttl         time.Duration
	copyTimeout time.Duration
}

// NewMirror creates a Mirror. copyTimeout bounds each Copy call across all of its
// files; zero leaves only the per-download client timeout.
func NewMirror(blobs Store, maxBytes int64, signedURLTTL, copyTimeout time.Duration) *Mirror {
	return &Mirror{
		blobs:       blobs,
		client:      &http.Client{Timeout: 2 * time.Minute},
		maxBytes:    maxBytes,
		ttl:         signedURLTTL,
		copyTimeout: copyTimeout,
	}
}

// Key returns the storage key of the n-th media file of a conversion.
func Key(jobID uuid.UUID, conversionID string, n int) string {
	return fmt.Sprintf("jobs/%s/%s/%d", jobID, url.PathEscape(conversionID), n)
}

// Copy downloads each source URL and stores it. The returned keys are index-aligned with
// sources; an entry is empty when that file could not be mirrored and the source URL stands in.
func (m *Mirror) Copy(ctx context.Context, jobID uuid.UUID, conversionID string, sources []string) []string {
	if m.copyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.copyTimeout)
		defer cancel()
	}
	keys := make([]string, len(sources))
	for i, src := range sources {
		key := Key(jobID, conversionID, i)
		if err := m.copyOne(ctx, key, src); err != nil {
			slog.Warn("mirroring artifact failed, keeping source url",
				"job_id", jobID, "conversion_id", conversionID, "url", src, "error", err)
			continue
		}
		keys[i] = key
	}
	return keys
}

func (m *Mirror) copyOne(ctx context.Context, key, src string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading: status %d", resp.StatusCode)
	}
	if m.maxBytes > 0 && resp.ContentLength > m.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	body := io.Reader(resp.Body)
	if m.maxBytes > 0 {
		body = io.LimitReader(resp.Body, m.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if m.maxBytes > 0 && int64(len(data)) > m.maxBytes {
		return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, m.maxBytes)
	}

	return m.blobs.Put(ctx, key, data, resp.Header.Get("Content-Type"))
}

// URLs returns one fetchable URL per media file of unit: a signed blob URL where the file
// was mirrored, otherwise the provider source URL.
func (m *Mirror) URLs(ctx context.Context, unit *models.ResultUnit) []string {
	out := make([]string, len(unit.SourceURLs))
	copy(out, unit.SourceURLs)
	for i, key := range unit.StorageKeys {
		if key == "" || i >= len(out) {
			continue
		}
		signed, err := m.blobs.SignedGet(ctx, key, m.ttl)
		if err != nil {
			slog.Warn("signing artifact url failed", "key", key, "error", err)
			continue
		}
		out[i] = signed
	}
	return out
}
