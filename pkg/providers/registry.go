package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// Registry maps provider types to the factories that build their adapters.
type Registry struct {
	// mu protects factories.
	mu sync.RWMutex

	// factories maps provider type to its adapter constructor.
	factories map[engine.ProviderType]engine.AdapterFactory

	// wrap is applied to every adapter the registry builds.
	wrap func(engine.ProviderAdapter) engine.ProviderAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[engine.ProviderType]engine.AdapterFactory),
	}
}

// Register sets the factory for a provider type, replacing any previous one.
func (r *Registry) Register(provider engine.ProviderType, factory engine.AdapterFactory) error {
	if err := provider.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("nil factory for provider %s", provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
	return nil
}

// Wrap installs a decorator applied to every adapter built afterwards, such
// as metrics instrumentation.
func (r *Registry) Wrap(wrap func(engine.ProviderAdapter) engine.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wrap = wrap
}

// Providers returns the registered provider types in sorted order.
func (r *Registry) Providers() []engine.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]engine.ProviderType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// New builds the adapter for an account. It has the engine.AdapterFactory
// signature so the registry can be handed to the engine directly.
func (r *Registry) New(ctx context.Context, account engine.ProviderAccount, creds engine.Credentials) (engine.ProviderAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[account.ProviderType]
	wrap := r.wrap
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", account.ProviderType)
	}

	adapter, err := factory(ctx, account, creds)
	if err != nil {
		return nil, err
	}
	if wrap != nil {
		adapter = wrap(adapter)
	}
	return adapter, nil
}
