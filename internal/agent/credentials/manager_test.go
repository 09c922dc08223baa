package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/kandev/agentstream/internal/agent/authretry"
	"github.com/kandev/agentstream/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestManager_ProviderOrder(t *testing.T) {
	t.Setenv(KeyAnthropicAPIKey, "from-env")
	t.Setenv(KeyOpenAIAPIKey, "")
	path := writeFile(t, "creds.json", `{"ANTHROPIC_API_KEY":"from-file","OPENAI_API_KEY":"sk-openai"}`)

	m := NewManager(newTestLogger(t))
	m.AddProvider(NewEnvProvider(""))
	m.AddProvider(NewFileProvider(path))

	cred, err := m.GetCredential(context.Background(), KeyAnthropicAPIKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Value != "from-env" || cred.Source != SourceEnv {
		t.Errorf("expected env credential, got %q from %s", cred.Value, cred.Source)
	}

	cred, err = m.GetCredential(context.Background(), KeyOpenAIAPIKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Source != SourceFile {
		t.Errorf("expected file credential, got %s", cred.Source)
	}
}

func TestManager_NotFound(t *testing.T) {
	m := NewManager(newTestLogger(t))
	m.AddProvider(NewFileProvider(filepath.Join(t.TempDir(), "missing.json")))

	if _, err := m.GetCredential(context.Background(), "NOPE"); err == nil {
		t.Error("expected error for missing credential")
	}
}

func TestManager_ReloadPicksUpRotatedKey(t *testing.T) {
	t.Setenv(KeyOpenAIAPIKey, "")
	path := writeFile(t, "creds.json", `{"OPENAI_API_KEY":"old"}`)

	m := NewManager(newTestLogger(t))
	m.AddProvider(NewEnvProvider(""))
	m.AddProvider(NewFileProvider(path))

	cred, err := m.GetCredential(context.Background(), KeyOpenAIAPIKey)
	if err != nil || cred.Value != "old" {
		t.Fatalf("expected old key, got %v, %v", cred, err)
	}

	if err := os.WriteFile(path, []byte(`{"OPENAI_API_KEY":"new"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cred, _ = m.GetCredential(context.Background(), KeyOpenAIAPIKey)
	if cred.Value != "old" {
		t.Errorf("expected cached key before reload, got %q", cred.Value)
	}

	if err := m.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	cred, err = m.GetCredential(context.Background(), KeyOpenAIAPIKey)
	if err != nil || cred.Value != "new" {
		t.Errorf("expected rotated key, got %v, %v", cred, err)
	}
}

func TestManager_ReloadReportsBrokenFile(t *testing.T) {
	path := writeFile(t, "creds.json", `{"OPENAI_API_KEY":"old"}`)
	m := NewManager(newTestLogger(t))
	m.AddProvider(NewFileProvider(path))

	if err := os.WriteFile(path, []byte(`{broken`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err == nil {
		t.Error("expected reload error for invalid file")
	}
}

func TestEnvProvider_Prefix(t *testing.T) {
	t.Setenv(KeyOpenAIAPIKey, "")
	t.Setenv("AGENTSTREAM_"+KeyOpenAIAPIKey, "prefixed")

	p := NewEnvProvider("AGENTSTREAM_")
	cred, err := p.GetCredential(context.Background(), KeyOpenAIAPIKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Value != "prefixed" {
		t.Errorf("expected prefixed value, got %q", cred.Value)
	}
}

func TestFileProvider_Reload(t *testing.T) {
	path := writeFile(t, "creds.json", `{"OPENAI_API_KEY":"one"}`)
	p := NewFileProvider(path)

	cred, err := p.GetCredential(context.Background(), KeyOpenAIAPIKey)
	if err != nil || cred.Value != "one" {
		t.Fatalf("expected first value, got %v, %v", cred, err)
	}

	if err := os.WriteFile(path, []byte(`{"OPENAI_API_KEY":"two"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	cred, _ = p.GetCredential(context.Background(), KeyOpenAIAPIKey)
	if cred.Value != "two" {
		t.Errorf("expected reloaded value, got %q", cred.Value)
	}
}

func TestFileProvider_InvalidJSON(t *testing.T) {
	p := NewFileProvider(writeFile(t, "creds.json", `{not json`))
	if _, err := p.GetCredential(context.Background(), KeyOpenAIAPIKey); err == nil {
		t.Error("expected parse error")
	}
}

func TestResolveHeaders(t *testing.T) {
	t.Setenv(KeyAnthropicAPIKey, "sk-ant")
	t.Setenv(KeyOpenAIAPIKey, "sk-oai")
	t.Setenv(KeyAnthropicOAuthToken, "")

	m := NewManager(newTestLogger(t))
	m.AddProvider(NewEnvProvider(""))

	entries, err := m.ResolveHeaders(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "x-api-key" || entries[0].Value != "sk-ant" {
		t.Errorf("unexpected anthropic entries: %+v", entries)
	}

	entries, err = m.ResolveHeaders(context.Background(), "openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != "Bearer sk-oai" {
		t.Errorf("unexpected openai entries: %+v", entries)
	}

	if _, err := m.ResolveHeaders(context.Background(), "mistral"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestResolveHeaders_PrefersOAuth(t *testing.T) {
	t.Setenv(KeyAnthropicAPIKey, "sk-ant")
	expires := time.Now().Add(time.Hour).UnixMilli()
	path := writeFile(t, "oauth.json",
		`{"claudeAiOauth":{"accessToken":"oat-1","expiresAt":`+itoa(expires)+`}}`)

	m := NewManager(newTestLogger(t))
	m.AddProvider(NewOAuthStore(path, newTestLogger(t)))
	m.AddProvider(NewEnvProvider(""))

	entries, err := m.ResolveHeaders(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected bearer and beta entries, got %+v", entries)
	}
	if entries[0].Value != "Bearer oat-1" {
		t.Errorf("expected bearer token, got %q", entries[0].Value)
	}
	if entries[1].Key != "anthropic-beta" {
		t.Errorf("expected beta header, got %q", entries[1].Key)
	}
}

func TestOAuthStore_Sync(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	path := writeFile(t, "oauth.json",
		`{"accessToken":"oat-1","expiresAt":`+itoa(now.Add(-time.Minute).UnixMilli())+`}`)

	s := NewOAuthStore(path, newTestLogger(t))
	s.now = func() time.Time { return now }

	res, err := s.Sync(context.Background(), authretry.SyncOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ReauthRequired || res.OK {
		t.Errorf("expected reauth for expired token, got %+v", res)
	}

	// A refreshed file is only picked up on a forced sync.
	fresh := `{"accessToken":"oat-2","expiresAt":` + itoa(now.Add(time.Hour).UnixMilli()) + `}`
	if err := os.WriteFile(path, []byte(fresh), 0o600); err != nil {
		t.Fatal(err)
	}
	res, _ = s.Sync(context.Background(), authretry.SyncOptions{})
	if res.OK {
		t.Error("expected cached expired token without force")
	}
	res, err = s.Sync(context.Background(), authretry.SyncOptions{ForceRefresh: true})
	if err != nil || !res.OK {
		t.Fatalf("expected ok after forced sync, got %+v, %v", res, err)
	}

	cred, err := s.GetCredential(context.Background(), KeyAnthropicOAuthToken)
	if err != nil || cred.Value != "oat-2" {
		t.Errorf("expected refreshed token, got %v, %v", cred, err)
	}
}

func TestOAuthStore_Missing(t *testing.T) {
	s := NewOAuthStore(filepath.Join(t.TempDir(), "none.json"), newTestLogger(t))
	if s.Exists() {
		t.Error("expected missing file")
	}
	res, err := s.Sync(context.Background(), authretry.SyncOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ReauthRequired {
		t.Errorf("expected reauth when no token is stored, got %+v", res)
	}
	if _, err := s.GetCredential(context.Background(), KeyAnthropicOAuthToken); err == nil {
		t.Error("expected no credential")
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
