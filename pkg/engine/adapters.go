package engine

import (
	"context"
	"fmt"
	"sync"
)

// AdapterSource returns the provider adapter for an account.
type AdapterSource interface {
	AdapterFor(ctx context.Context, accountID string) (ProviderAdapter, Credentials, error)
}

// AdapterCache builds one adapter per provider account and reuses it.
type AdapterCache struct {
	mu          sync.Mutex
	credentials CredentialProvider
	factory     AdapterFactory
	adapters    map[string]cachedAdapter
}

type cachedAdapter struct {
	adapter ProviderAdapter
	creds   Credentials
}

// NewAdapterCache creates an adapter cache.
func NewAdapterCache(credentials CredentialProvider, factory AdapterFactory) *AdapterCache {
	return &AdapterCache{
		credentials: credentials,
		factory:     factory,
		adapters:    make(map[string]cachedAdapter),
	}
}

// AdapterFor returns the adapter and credentials for an account, constructing
// the adapter on first use.
func (c *AdapterCache) AdapterFor(ctx context.Context, accountID string) (ProviderAdapter, Credentials, error) {
	c.mu.Lock()
	cached, ok := c.adapters[accountID]
	c.mu.Unlock()
	if ok {
		return cached.adapter, cached.creds, nil
	}

	account, err := c.credentials.Account(ctx, accountID)
	if err != nil {
		return nil, Credentials{}, fmt.Errorf("failed to load provider account %s: %w", accountID, err)
	}
	creds, err := c.credentials.Resolve(ctx, accountID)
	if err != nil {
		return nil, Credentials{}, fmt.Errorf("failed to resolve credentials for %s: %w", accountID, err)
	}
	adapter, err := c.factory(ctx, *account, creds)
	if err != nil {
		return nil, Credentials{}, fmt.Errorf("failed to construct %s adapter: %w", account.ProviderType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.adapters[accountID]; ok {
		return existing.adapter, existing.creds, nil
	}
	c.adapters[accountID] = cachedAdapter{adapter: adapter, creds: creds}
	return adapter, creds, nil
}

// Invalidate drops the cached adapter for an account, for example after its
// credentials were rotated.
func (c *AdapterCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.adapters, accountID)
}
