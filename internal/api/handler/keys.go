package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/apikey"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// createdKey is the only response that ever carries the raw key.
type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
			return
		}

		raw, key, err := apikey.Issue(r.Context(), st, tenantID, req.Name, req.Scopes)
		if err != nil {
			if errors.Is(err, apikey.ErrInvalidScope) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			writeStoreError(w, r, err, "API key")
			return
		}
		response.Created(w, createdKey{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		keys, err := st.ListAPIKeys(r.Context(), tenantID)
		if err != nil {
			writeStoreError(w, r, err, "API key")
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		keyID, ok := pathID(w, r, "keyID", "API key")
		if !ok {
			return
		}
		if err := st.RevokeAPIKey(r.Context(), keyID, tenantID); err != nil {
			writeStoreError(w, r, err, "API key")
			return
		}
		response.NoContent(w)
	}
}

