package provider

import (
	"fmt"
	"sort"

	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// Registry resolves provider ids to adapters. It is built once at startup and read-only afterwards.
type Registry struct {
	adapters  map[string]models.ProviderAdapter
	defaultID string
}

// NewRegistry creates a registry. defaultID is used when a request names no provider.
func NewRegistry(defaultID string, adapters ...models.ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[string]models.ProviderAdapter, len(adapters)), defaultID: defaultID}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (models.ProviderAdapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return a, nil
}

// Resolve is Get with the default provider substituted for an empty id.
func (r *Registry) Resolve(id string) (models.ProviderAdapter, error) {
	if id == "" {
		id = r.defaultID
	}
	return r.Get(id)
}

// IDs lists registered providers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckGates applies the adapter's compliance gates for a tenant class.
func CheckGates(a models.ProviderAdapter, tenantClass string) error {
	if !a.Enabled() {
		return fmt.Errorf("%w: %s", ErrProviderDisabled, a.ID())
	}
	if !a.AllowedForTenantClass(tenantClass) {
		return fmt.Errorf("%w: %s does not serve %q tenants", ErrTenantNotAllowed, a.ID(), tenantClass)
	}
	return nil
}
