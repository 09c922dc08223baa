package authretry

import (
	"context"
	"strings"
	"sync"
)

// Registry maps provider slugs to policies.
type Registry struct {
	defaultProvider string

	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewRegistry creates a registry. defaultProvider is used for model ids
// without a "provider/" prefix.
func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		defaultProvider: normalizeProvider(defaultProvider),
		policies:        make(map[string]*Policy),
	}
}

// Register installs a policy under its provider slug.
func (r *Registry) Register(p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[normalizeProvider(p.Provider)] = p
}

// ProviderForModel returns the provider slug of a model id: the prefix before
// the first "/", or the default provider.
func (r *Registry) ProviderForModel(modelID string) string {
	if i := strings.Index(modelID, "/"); i > 0 {
		return normalizeProvider(modelID[:i])
	}
	return r.defaultProvider
}

// Lookup returns the policy for a model id.
func (r *Registry) Lookup(modelID string) (*Policy, bool) {
	provider := r.ProviderForModel(modelID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[provider]
	return p, ok
}

func normalizeProvider(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Do runs op under the policy of the model's provider. Providers without a
// registered policy run op directly.
func Do[T any](ctx context.Context, r *Registry, modelID string, op func(context.Context) (T, error), onRetry func()) (T, error) {
	if r == nil {
		return op(ctx)
	}
	p, ok := r.Lookup(modelID)
	if !ok {
		return op(ctx)
	}
	return Run(ctx, p, op, onRetry)
}
