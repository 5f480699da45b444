package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/store"
)

// writeStoreError maps store sentinels onto the envelope. Anything unrecognised is treated
// as the store being unavailable.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "CONFLICT", what+" already exists", nil)
	case errors.Is(err, store.ErrJobTerminal):
		response.Error(w, http.StatusConflict, "CONFLICT", what+" already finished", nil)
	default:
		slog.Error("store request failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR", "Storage temporarily unavailable", nil)
	}
}

func requireTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
	}
	return tenantID, ok
}

// pathID parses a uuid URL parameter. Malformed ids are reported as not found.
func pathID(w http.ResponseWriter, r *http.Request, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
		return uuid.Nil, false
	}
	return id, true
}
