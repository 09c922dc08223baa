// Package credentials resolves provider credentials into the request entries
// forwarded to the agent engine, and keeps OAuth tokens in sync.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/logger"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// Well-known credential keys.
const (
	KeyAnthropicAPIKey     = "ANTHROPIC_API_KEY"
	KeyAnthropicOAuthToken = "ANTHROPIC_OAUTH_TOKEN"
	KeyOpenAIAPIKey        = "OPENAI_API_KEY"
)

// anthropicOAuthBeta is the beta flag the Anthropic API requires for OAuth
// bearer tokens.
const anthropicOAuthBeta = "oauth-2025-04-20"

// Credential represents a stored credential
type Credential struct {
	Key    string // e.g. ANTHROPIC_API_KEY
	Value  string // never logged
	Source string // env, file, oauth
}

// CredentialProvider is one source of credentials.
type CredentialProvider interface {
	GetCredential(ctx context.Context, key string) (*Credential, error)
	Name() string
}

// Manager looks credentials up across providers in registration order.
type Manager struct {
	providers []CredentialProvider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager creates a new credentials manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		providers: make([]CredentialProvider, 0),
		cache:     make(map[string]*Credential),
		logger:    log.WithFields(zap.String("component", "credentials-manager")),
	}
}

// AddProvider adds a credential provider
func (m *Manager) AddProvider(provider CredentialProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = append(m.providers, provider)
	m.logger.Info("added credential provider", zap.String("provider", provider.Name()))
}

// GetCredential retrieves a credential from providers
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, provider := range m.providers {
		cred, err := provider.GetCredential(ctx, key)
		if err == nil {
			// OAuth tokens rotate; everything else is stable for the process.
			if cred.Source != SourceOAuth {
				m.cache[key] = cred
			}
			m.logger.Debug("credential retrieved",
				zap.String("key", key),
				zap.String("source", cred.Source))
			return cred, nil
		}
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// ClearCache clears the credential cache
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*Credential)
	m.logger.Debug("credential cache cleared")
}

// Reloader is implemented by providers that can re-read their source.
type Reloader interface {
	Reload() error
}

// Reload re-reads every reloadable provider and clears the cache, so rotated
// API keys take effect without a restart.
func (m *Manager) Reload() error {
	m.mu.RLock()
	providers := append([]CredentialProvider(nil), m.providers...)
	m.mu.RUnlock()

	var errs []error
	for _, p := range providers {
		r, ok := p.(Reloader)
		if !ok {
			continue
		}
		if err := r.Reload(); err != nil {
			errs = append(errs, fmt.Errorf("reload %s credentials: %w", p.Name(), err))
		}
	}
	m.ClearCache()
	return errors.Join(errs...)
}

// ResolveHeaders returns the auth request entries for a provider slug. A
// provider with no known credential yields no entries and an error.
func (m *Manager) ResolveHeaders(ctx context.Context, provider string) ([]v1.RequestEntry, error) {
	switch provider {
	case "anthropic":
		if cred, err := m.GetCredential(ctx, KeyAnthropicOAuthToken); err == nil {
			return []v1.RequestEntry{
				{Key: "authorization", Value: "Bearer " + cred.Value},
				{Key: "anthropic-beta", Value: anthropicOAuthBeta},
			}, nil
		}
		cred, err := m.GetCredential(ctx, KeyAnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		return []v1.RequestEntry{{Key: "x-api-key", Value: cred.Value}}, nil
	case "openai":
		cred, err := m.GetCredential(ctx, KeyOpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		return []v1.RequestEntry{{Key: "authorization", Value: "Bearer " + cred.Value}}, nil
	default:
		return nil, fmt.Errorf("no credentials known for provider %q", provider)
	}
}
