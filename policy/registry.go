package policy

import (
	"sync"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

const (
	PolicyStatic  = "static"
	PolicyDynamic = "dynamic"
	PolicyUser    = "user"
	PolicyEntity  = "entity"
	PolicyMicro   = "micro"
)

// Registry holds named immutable policies. Presets cover the common
// cases; ad-hoc policies are built with Custom on top of the default.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]types.Policy
	fallback types.Policy
}

func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[string]types.Policy),
	}

	for name, p := range presets() {
		p.Name = name
		r.policies[name] = p
	}
	r.fallback = r.policies[PolicyDynamic]

	return r
}

func presets() map[string]types.Policy {
	return map[string]types.Policy{
		PolicyStatic: {
			TTL: 24 * time.Hour,
		},
		PolicyDynamic: {
			TTL:                  15 * time.Minute,
			StaleWhileRevalidate: true,
			BackgroundRefresh:    true,
			StaleTTL:             5 * time.Minute,
		},
		PolicyUser: {
			TTL:                  30 * time.Minute,
			StaleWhileRevalidate: true,
			StaleTTL:             5 * time.Minute,
		},
		PolicyEntity: {
			TTL:                  5 * time.Minute,
			StaleWhileRevalidate: true,
			BackgroundRefresh:    true,
			StaleTTL:             time.Minute,
			EntityTag:            true,
		},
		PolicyMicro: {
			TTL:     10 * time.Second,
			HardTTL: true,
		},
	}
}

func (r *Registry) Get(name string) (types.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.policies[name]
	if !exists {
		return types.Policy{}, types.Errorf(types.ErrUnknownPolicy, "policy: %s", name)
	}
	return p, nil
}

// Register adds a named policy. Presets may not be overwritten.
func (r *Registry) Register(name string, p types.Policy) error {
	if name == "" {
		return types.Errorf(types.ErrUnknownPolicy, "empty policy name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[name]; exists {
		return types.Errorf(types.ErrPolicyExists, "policy: %s", name)
	}

	p.Name = name
	r.policies[name] = p
	return nil
}

func (r *Registry) Custom(overrides types.PolicyOverrides) types.Policy {
	r.mu.RLock()
	p := r.fallback
	r.mu.RUnlock()

	p.Name = ""
	if overrides.TTL != nil {
		p.TTL = *overrides.TTL
	}
	if overrides.HardTTL != nil {
		p.HardTTL = *overrides.HardTTL
	}
	if overrides.StaleWhileRevalidate != nil {
		p.StaleWhileRevalidate = *overrides.StaleWhileRevalidate
	}
	if overrides.BackgroundRefresh != nil {
		p.BackgroundRefresh = *overrides.BackgroundRefresh
	}
	if overrides.StaleTTL != nil {
		p.StaleTTL = *overrides.StaleTTL
	}

	return p
}

// SetDefault switches the fallback used by Custom and by managers that
// resolve an empty policy name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.policies[name]
	if !exists {
		return types.Errorf(types.ErrUnknownPolicy, "policy: %s", name)
	}
	r.fallback = p
	return nil
}

func (r *Registry) Default() types.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// FromConfig loads custom named policies declared in the service config.
func (r *Registry) FromConfig(config *types.CacheConfig) error {
	if config == nil {
		return nil
	}

	for name, pc := range config.Policies {
		p := types.Policy{
			TTL:                  pc.TTL,
			HardTTL:              pc.HardTTL,
			StaleWhileRevalidate: pc.StaleWhileRevalidate,
			BackgroundRefresh:    pc.BackgroundRefresh,
			StaleTTL:             pc.StaleTTL,
		}
		if err := r.Register(name, p); err != nil {
			return err
		}
	}

	if config.DefaultPolicy != "" {
		return r.SetDefault(config.DefaultPolicy)
	}

	return nil
}
