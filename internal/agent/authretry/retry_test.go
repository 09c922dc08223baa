package authretry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentstream/internal/agent/engine"
)

var errExpired = errors.New("API error: OAuth token has expired. Please obtain a new token")

type syncRecorder struct {
	calls  []SyncOptions
	result func(opts SyncOptions) (SyncResult, error)
}

func (r *syncRecorder) sync(_ context.Context, opts SyncOptions) (SyncResult, error) {
	r.calls = append(r.calls, opts)
	if r.result != nil {
		return r.result(opts)
	}
	return SyncResult{OK: true}, nil
}

func TestRunWithRetry_SuccessFirstTry(t *testing.T) {
	rec := &syncRecorder{}
	p := NewAnthropicPolicy(rec.sync)
	calls := 0

	got, err := Run(context.Background(), p, func(context.Context) (string, error) {
		calls++
		return "run-1", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "run-1", got)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []SyncOptions{{}}, rec.calls)
}

func TestRunWithRetry_ReauthBeforeOperation(t *testing.T) {
	rec := &syncRecorder{result: func(SyncOptions) (SyncResult, error) {
		return SyncResult{ReauthRequired: true, Reason: "no token"}, nil
	}}
	p := NewAnthropicPolicy(rec.sync)
	calls := 0

	_, err := Run(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, nil
	}, nil)

	require.Error(t, err)
	assert.True(t, IsReauthRequired(err))
	assert.Equal(t, 0, calls, "operation must not run when reauth is already known")
}

func TestRunWithRetry_InitialSyncErrorStillRuns(t *testing.T) {
	rec := &syncRecorder{result: func(opts SyncOptions) (SyncResult, error) {
		return SyncResult{}, errors.New("keychain locked")
	}}
	p := NewAnthropicPolicy(rec.sync)

	got, err := Run(context.Background(), p, func(context.Context) (int, error) {
		return 7, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestRunWithRetry_RetriesOnceAfterRefresh(t *testing.T) {
	rec := &syncRecorder{}
	p := NewAnthropicPolicy(rec.sync)
	calls := 0
	retried := 0

	got, err := Run(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errExpired
		}
		return "ok", nil
	}, func() { retried++ })

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, retried)
	assert.Equal(t, []SyncOptions{{}, {ForceRefresh: true}}, rec.calls)
}

func TestRunWithRetry_BoundedToOneRetry(t *testing.T) {
	rec := &syncRecorder{}
	p := NewAnthropicPolicy(rec.sync)
	calls := 0

	_, err := Run(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errExpired
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, errExpired, "the retry's failure is returned as-is")
	assert.False(t, IsReauthRequired(err))
	assert.Equal(t, 2, calls)
	assert.Len(t, rec.calls, 2)
}

func TestRunWithRetry_ForcedRefreshFails(t *testing.T) {
	rec := &syncRecorder{result: func(opts SyncOptions) (SyncResult, error) {
		if opts.ForceRefresh {
			return SyncResult{Reason: "refresh token revoked"}, nil
		}
		return SyncResult{OK: true}, nil
	}}
	p := NewAnthropicPolicy(rec.sync)
	calls := 0

	_, err := Run(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errExpired
	}, nil)

	require.Error(t, err)
	var reauth *ReauthRequiredError
	require.ErrorAs(t, err, &reauth)
	assert.Equal(t, ReauthRequiredCode, reauth.Code())
	assert.Equal(t, "refresh token revoked", reauth.Reason)
	assert.ErrorIs(t, err, errExpired)
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.calls, 2)
}

func TestRunWithRetry_NonExpiryErrorNotRetried(t *testing.T) {
	rec := &syncRecorder{}
	p := NewAnthropicPolicy(rec.sync)
	boom := errors.New("model overloaded")
	calls := 0

	_, err := Run(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.calls, 1)
}

func TestRegistry_ProviderDispatch(t *testing.T) {
	r := NewRegistry("Anthropic")
	rec := &syncRecorder{}
	r.Register(NewAnthropicPolicy(rec.sync))

	assert.Equal(t, "anthropic", r.ProviderForModel("claude-sonnet-4-5"))
	assert.Equal(t, "anthropic", r.ProviderForModel("ANTHROPIC/claude-opus"))
	assert.Equal(t, "openai", r.ProviderForModel("openai/gpt-5"))
	assert.Equal(t, "anthropic", r.ProviderForModel("/weird"))

	calls := 0
	_, err := Do(context.Background(), r, "openai/gpt-5", func(context.Context) (int, error) {
		calls++
		return 0, errExpired
	}, nil)
	assert.ErrorIs(t, err, errExpired)
	assert.Equal(t, 1, calls, "unknown providers run without the policy")
	assert.Empty(t, rec.calls)

	_, err = Do(context.Background(), r, "claude-sonnet-4-5", func(context.Context) (int, error) {
		return 1, nil
	}, nil)
	require.NoError(t, err)
	assert.Len(t, rec.calls, 1)
}

type statusErr struct {
	status int
	msg    string
}

func (e statusErr) Error() string   { return e.msg }
func (e statusErr) StatusCode() int { return e.status }

func TestIsAnthropicCredentialExpired(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"expired message", errExpired, true},
		{"revoked", errors.New("This token has been revoked"), true},
		{"auth error type", errors.New(`{"type":"error","error":{"type":"authentication_error"}}`), true},
		{"unrelated", errors.New("rate limited"), false},
		{"engine 401 with token", statusErr{status: http.StatusUnauthorized, msg: "token rejected"}, true},
		{"engine 401 without hint", statusErr{status: http.StatusUnauthorized, msg: "denied"}, false},
		{"engine 401 oauth", &engine.Error{Code: "unauthorized", Message: "OAuth access denied", Status: http.StatusUnauthorized}, true},
		{"engine 401 api key", &engine.Error{Code: "unauthorized", Message: "invalid x-api-key", Status: http.StatusUnauthorized}, false},
		{"engine 500 mentioning token", &engine.Error{Code: "upstream_error", Message: "token budget exceeded", Status: http.StatusInternalServerError}, false},
		{"wrapped engine 401", fmt.Errorf("run agent: %w", &engine.Error{Code: "unauthorized", Message: "bearer token rejected", Status: http.StatusUnauthorized}), true},
		{"sdk 401", &anthropic.Error{StatusCode: http.StatusUnauthorized}, true},
		{"sdk 429", &anthropic.Error{StatusCode: http.StatusTooManyRequests}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAnthropicCredentialExpired(tt.err))
		})
	}
}
