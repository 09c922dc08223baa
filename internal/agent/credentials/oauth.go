package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/agent/authretry"
	"github.com/kandev/agentstream/internal/common/logger"
)

// expirySkew treats tokens about to expire as already expired.
const expirySkew = 60 * time.Second

// oauthToken is one stored OAuth grant. ExpiresAt is in unix milliseconds.
type oauthToken struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// oauthFile accepts both a flat token and the nested layout desktop clients
// write ({"claudeAiOauth": {...}}).
type oauthFile struct {
	oauthToken
	ClaudeAiOauth *oauthToken `json:"claudeAiOauth,omitempty"`
}

// OAuthStore mirrors the Anthropic OAuth token that a signed-in client keeps
// on disk. The desktop client owns refreshing; a sync re-reads its file.
type OAuthStore struct {
	path   string
	now    func() time.Time
	logger *logger.Logger

	mu     sync.RWMutex
	token  *oauthToken
	loaded bool
}

// NewOAuthStore creates a store reading path. A leading "~/" is expanded.
func NewOAuthStore(path string, log *logger.Logger) *OAuthStore {
	return &OAuthStore{
		path:   expandHome(path),
		now:    time.Now,
		logger: log.WithFields(zap.String("component", "oauth-store")),
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Name returns the provider name
func (s *OAuthStore) Name() string {
	return SourceOAuth
}

func (s *OAuthStore) read() (*oauthToken, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var f oauthFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse oauth file: %w", err)
	}
	tok := f.oauthToken
	if f.ClaudeAiOauth != nil {
		tok = *f.ClaudeAiOauth
	}
	if tok.AccessToken == "" {
		return nil, nil
	}
	return &tok, nil
}

func (s *OAuthStore) expired(tok *oauthToken) bool {
	if tok.ExpiresAt == 0 {
		return false
	}
	return !s.now().Add(expirySkew).Before(time.UnixMilli(tok.ExpiresAt))
}

// Sync reloads the token when forced or not yet loaded and reports whether a
// usable token is present. It matches authretry.SyncFunc.
func (s *OAuthStore) Sync(_ context.Context, opts authretry.SyncOptions) (authretry.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.ForceRefresh || !s.loaded {
		tok, err := s.read()
		switch {
		case errors.Is(err, os.ErrNotExist):
			s.token = nil
		case err != nil:
			return authretry.SyncResult{}, err
		default:
			s.token = tok
		}
		s.loaded = true
	}

	if s.token == nil {
		return authretry.SyncResult{ReauthRequired: true, Reason: "no stored oauth credential"}, nil
	}
	if s.expired(s.token) {
		s.logger.Info("stored oauth token is expired")
		return authretry.SyncResult{ReauthRequired: true, Reason: "oauth token expired"}, nil
	}
	return authretry.SyncResult{OK: true}, nil
}

// GetCredential returns the current access token under KeyAnthropicOAuthToken.
func (s *OAuthStore) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if key != KeyAnthropicOAuthToken {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if !loaded {
		if _, err := s.Sync(ctx, authretry.SyncOptions{}); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil || s.expired(s.token) {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &Credential{Key: key, Value: s.token.AccessToken, Source: SourceOAuth}, nil
}

// Exists reports whether the token file is present. Deployments that only
// use API keys skip OAuth syncing when it is not.
func (s *OAuthStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
