// Package apikey mints API keys. The raw key is returned once; only its bcrypt hash and a
// short lookup prefix are stored.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	Prefix      = "mf_"
	secretBytes = 24

	ScopeJobs  = "jobs"
	ScopeAdmin = "admin"
)

var ErrInvalidScope = errors.New("invalid scope")

var randReader = rand.Reader

// Generate returns a new raw key and its bcrypt hash.
func Generate(cost int) (raw, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := randReader.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	raw = Prefix + hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash key: %w", err)
	}
	return raw, string(h), nil
}

// Issue creates and stores a key for tenantID. Scopes default to jobs.
func Issue(ctx context.Context, st store.Store, tenantID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeJobs}
	}
	for _, s := range scopes {
		if s != ScopeJobs && s != ScopeAdmin {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}

	raw, hash, err := Generate(bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: raw[:middleware.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return raw, key, nil
}
