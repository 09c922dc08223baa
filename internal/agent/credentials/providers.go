package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Credential sources.
const (
	SourceEnv   = "environment"
	SourceFile  = "file"
	SourceOAuth = "oauth"
)

// EnvProvider provides credentials from environment variables
type EnvProvider struct {
	prefix string // optional prefix tried after the exact key (e.g. "AGENTSTREAM_")
}

// NewEnvProvider creates a new environment provider
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name
func (p *EnvProvider) Name() string {
	return SourceEnv
}

// GetCredential retrieves a credential from environment variables
func (p *EnvProvider) GetCredential(_ context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: SourceEnv}, nil
	}
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: SourceEnv}, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// FileProvider provides credentials from a JSON file
type FileProvider struct {
	path        string
	credentials map[string]*Credential
	mu          sync.RWMutex
	loaded      bool
}

// NewFileProvider creates a new file provider
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{
		path:        path,
		credentials: make(map[string]*Credential),
	}
}

// Name returns the provider name
func (p *FileProvider) Name() string {
	return SourceFile
}

// load reads the file once.
// File format: {"ANTHROPIC_API_KEY": "sk-...", ...}
func (p *FileProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			// No file means no credentials.
			p.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}
	for key, value := range raw {
		p.credentials[key] = &Credential{Key: key, Value: value, Source: SourceFile}
	}

	p.loaded = true
	return nil
}

// GetCredential retrieves a credential from the file
func (p *FileProvider) GetCredential(_ context.Context, key string) (*Credential, error) {
	if err := p.load(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	cred, ok := p.credentials[key]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return cred, nil
}

// Reload forces a reload of credentials from the file
func (p *FileProvider) Reload() error {
	p.mu.Lock()
	p.loaded = false
	p.credentials = make(map[string]*Credential)
	p.mu.Unlock()

	return p.load()
}
