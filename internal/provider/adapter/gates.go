package adapter

import (
	"strings"

	"github.com/kiranshivaraju/mediaforge/internal/config"
)

// Gates implements the submission gates of models.ProviderAdapter from config.
// Adapters embed it.
type Gates struct {
	enabled  bool
	classes  []string
	maxItems int
}

func NewGates(cfg config.ProviderConfig) Gates {
	maxItems := cfg.MaxItems
	if maxItems < 1 {
		maxItems = 1
	}
	return Gates{enabled: cfg.Enabled, classes: cfg.TenantClasses, maxItems: maxItems}
}

func (g Gates) Enabled() bool { return g.enabled }

// AllowedForTenantClass allows every class when no classes are configured.
func (g Gates) AllowedForTenantClass(class string) bool {
	if len(g.classes) == 0 {
		return true
	}
	for _, c := range g.classes {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}

func (g Gates) MaxItemsPerCall() int { return g.maxItems }
