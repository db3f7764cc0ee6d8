package metrics

import (
	"sync"

	"github.com/saiset-co/sai-cache/types"
)

var customMetricsCreators = sync.Map{}

// RegisterMetricsManager makes a custom metrics backend available to
// NewMetricsManager under the given type name.
func RegisterMetricsManager(name string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(name, creator)
}

func NewMetricsManager(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	switch config.Type {
	case "", "prometheus":
		return NewPrometheusMetrics(logger, config)
	default:
		if creator, exists := customMetricsCreators.Load(config.Type); exists {
			return creator.(types.MetricsManagerCreator)(config.Config)
		}
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
	}
}
