package provider

import (
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/provider/cadence"
	"github.com/kiranshivaraju/mediaforge/internal/provider/melodia"
)

// NewRegistryFromConfig constructs every known adapter from config.
// Disabled adapters are still registered so that submissions naming them fail the enabled gate
// rather than looking like an unknown provider.
// Called once at server startup.
func NewRegistryFromConfig(cfg config.ProvidersConfig) *Registry {
	return NewRegistry(cfg.Default,
		melodia.NewAdapter(cfg.Melodia),
		cadence.NewAdapter(cfg.Cadence),
	)
}
