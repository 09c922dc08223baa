// Package executor runs agent operations for sessions: it starts runs for user
// messages, resumes runs on approvals and tool results, and streams the
// engine's output back into the session's durable log.
package executor

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/agent/authretry"
	"github.com/kandev/agentstream/internal/agent/engine"
	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/session/host"
	"github.com/kandev/agentstream/internal/session/state"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// Permission modes.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionBypass      = "bypassPermissions"
)

// ErrCancelled is reported when an operation was superseded or aborted.
var ErrCancelled = errors.New("agent operation cancelled")

// StreamWriter is the write side of a session host.
type StreamWriter interface {
	SessionID() string
	WriteStream(ctx context.Context, messageID string, src host.ChunkSource, opts ...host.WriteOption) error
	WriteTerminalError(ctx context.Context, messageID, errorText, code string) error
}

// HeaderResolver resolves auth request entries for a provider slug.
type HeaderResolver interface {
	ResolveHeaders(ctx context.Context, provider string) ([]v1.RequestEntry, error)
}

// TaskResolver turns a #task mention into a description for the agent.
type TaskResolver interface {
	ResolveTask(ctx context.Context, taskID string) (string, error)
}

// ProjectSummaryProvider summarizes the project rooted at cwd.
type ProjectSummaryProvider interface {
	ProjectSummary(ctx context.Context, cwd string) (string, error)
}

// RunRequest is a user message to answer.
type RunRequest struct {
	SessionID       string
	Text            string
	Message         *v1.UIMessage
	ModelID         string
	Cwd             string
	PermissionMode  string
	ThinkingEnabled bool
}

// ResumeRequest answers a pending tool approval.
type ResumeRequest struct {
	SessionID      string
	RunID          string
	Approved       bool
	ToolCallID     string
	PermissionMode string
}

// ToolOutputRequest hands a client-executed tool result back to a run.
type ToolOutputRequest struct {
	SessionID  string
	RunID      string
	ToolCallID string
	ToolName   string
	State      string
	Output     json.RawMessage
	ErrorText  string
	// Fallback is used when no execution context is cached for the session.
	Fallback *state.ExecutionContext
}

// Config holds executor settings.
type Config struct {
	// MaxMentionBytes bounds each @file mention folded into instructions.
	MaxMentionBytes int64
}

// Executor runs agent operations. At most one operation is live per session.
type Executor struct {
	engine    engine.Engine
	store     *state.Store
	retry     *authretry.Registry
	headers   HeaderResolver
	tasks     TaskResolver
	summaries ProjectSummaryProvider
	cfg       Config
	logger    *logger.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithAuthRetry routes engine calls through the registry's provider policies.
func WithAuthRetry(r *authretry.Registry) Option {
	return func(e *Executor) { e.retry = r }
}

// WithHeaderResolver sets the auth header source.
func WithHeaderResolver(h HeaderResolver) Option {
	return func(e *Executor) { e.headers = h }
}

// WithTaskResolver enables #task mentions.
func WithTaskResolver(t TaskResolver) Option {
	return func(e *Executor) { e.tasks = t }
}

// WithProjectSummary enables the project summary in instructions.
func WithProjectSummary(p ProjectSummaryProvider) Option {
	return func(e *Executor) { e.summaries = p }
}

// NewExecutor creates a new executor
func NewExecutor(eng engine.Engine, store *state.Store, cfg Config, log *logger.Logger, opts ...Option) *Executor {
	if cfg.MaxMentionBytes <= 0 {
		cfg.MaxMentionBytes = 64 * 1024
	}
	e := &Executor{
		engine: eng,
		store:  store,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Abort cancels the session's in-flight operation, if any.
func (e *Executor) Abort(sessionID string) bool {
	cancelled := e.store.CancelHandle(sessionID)
	if cancelled {
		e.logger.Info("aborted agent operation", zap.String("session_id", sessionID))
	}
	return cancelled
}

// requireToolApproval reports whether tools need a human decision under mode.
func requireToolApproval(mode string) bool {
	return mode == PermissionDefault || mode == PermissionAcceptEdits
}
