package provider

import (
	"context"

	"github.com/saiset-co/sai-cache/types"
)

var customProviderCreators = make(map[string]types.CacheProviderCreator)

// RegisterProvider installs a creator for a custom tier type. New tiers are
// added by implementing types.CacheProvider, not by branching on type tags
// elsewhere.
func RegisterProvider(providerType string, creator types.CacheProviderCreator) {
	customProviderCreators[providerType] = creator
}

func NewProvider(ctx context.Context, logger types.Logger, tier *types.TierConfig, health types.HealthManager) (types.CacheProvider, error) {
	if tier == nil {
		return nil, types.ErrConfigIsNil
	}

	switch tier.Type {
	case "memory":
		return NewMemoryProvider(ctx, logger, tier, health)
	case "redis":
		return NewRedisProvider(ctx, logger, tier, health)
	case "clover":
		return NewCloverProvider(ctx, logger, tier, health)
	default:
		if creator, exists := customProviderCreators[tier.Type]; exists {
			return creator(tier.Config)
		}
		return nil, types.Errorf(types.ErrProviderTypeUnknown, "type: %s", tier.Type)
	}
}
