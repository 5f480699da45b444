package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/ingest"
)

const maxCallbackBody = 4 << 20

type CallbackIngester interface {
	Ingest(ctx context.Context, cb ingest.Callback) (ingest.Result, error)
}

// NewWebhookHandler returns an http.HandlerFunc for POST /api/v1/webhooks/{provider}.
// Duplicates and results for finished jobs are acknowledged with 200 so providers stop
// retrying; a callback that beats its job row gets 202.
func NewWebhookHandler(in CallbackIngester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unreadable callback body", nil)
			return
		}

		providerID := chi.URLParam(r, "provider")
		res, err := in.Ingest(r.Context(), ingest.Callback{
			ProviderID: providerID,
			JobID:      r.URL.Query().Get("job_id"),
			Header:     r.Header,
			Body:       body,
		})
		if err != nil {
			writeIngestError(w, r, providerID, err)
			return
		}

		if res.Outcome == ingest.OutcomeDeferred {
			response.Accepted(w, res)
			return
		}
		response.JSON(w, res)
	}
}

func writeIngestError(w http.ResponseWriter, r *http.Request, providerID string, err error) {
	switch {
	case errors.Is(err, ingest.ErrUnknownProvider):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown callback provider", nil)
	case errors.Is(err, ingest.ErrUnauthorized):
		slog.Warn("rejected unauthenticated callback", "provider", providerID, "remote_addr", r.RemoteAddr)
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Callback signature invalid", nil)
	case errors.Is(err, ingest.ErrMalformed):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, ingest.ErrGone):
		response.Error(w, http.StatusGone, "GONE", "Job no longer exists", nil)
	case errors.Is(err, ingest.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		writeStoreError(w, r, err, "Job")
	}
}
