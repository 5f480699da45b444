package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is how many leading characters of a raw key are stored in clear for lookup.
const KeyPrefixLen = 8

// Auth resolves Bearer API keys to a tenant and an owning key.
type Auth struct {
	store store.Store
}

func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the Bearer token and puts tenant_id, key_id, key_prefix and
// scopes into the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < KeyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:KeyPrefixLen]
		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("looking up api key", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusServiceUnavailable,
				"STORAGE_ERROR", "Failed to validate API key", nil)
			return
		}

		key := matchKey(keys, rawKey)
		if key == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		ctx := r.Context()
		ctx = SetTenantID(ctx, key.TenantID)
		ctx = SetKeyID(ctx, key.ID)
		ctx = SetKeyPrefix(ctx, prefix)
		ctx = setScopes(ctx, key.Scopes)

		go a.touch(context.WithoutCancel(ctx), key)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func matchKey(keys []*models.APIKey, rawKey string) *models.APIKey {
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key
		}
	}
	return nil
}

func (a *Auth) touch(ctx context.Context, key *models.APIKey) {
	if err := a.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		slog.Warn("updating api key last_used_at", "key_id", key.ID, "error", err)
	}
}

// RequireScope rejects keys that lack scope with 403.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
