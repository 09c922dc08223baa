// Package watcher keeps one session host running for a session and routes its
// events to the executor.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/orchestrator/executor"
	"github.com/kandev/agentstream/internal/session/host"
	"github.com/kandev/agentstream/internal/session/state"
)

// Common errors
var (
	ErrStartTimeout = errors.New("stream watcher start timed out")
	ErrStopped      = errors.New("stream watcher stopped")
)

// DefaultStartTimeout bounds how long Start waits for the host to connect.
const DefaultStartTimeout = 10 * time.Second

// Status is the lifecycle status of a watcher.
type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SessionHost is the host surface the watcher drives.
type SessionHost interface {
	executor.StreamWriter
	Start(ctx context.Context) error
	Stop() error
	Subscribe() (<-chan host.Event, func())
	LatestRunID() string
	LatestUserMessage() (host.Event, bool)
}

// Executor runs agent operations.
type Executor interface {
	RunAgent(ctx context.Context, w executor.StreamWriter, req executor.RunRequest) <-chan error
	ResumeAgent(ctx context.Context, w executor.StreamWriter, req executor.ResumeRequest) <-chan error
	ContinueWithToolOutput(ctx context.Context, w executor.StreamWriter, req executor.ToolOutputRequest) <-chan error
	Abort(sessionID string) bool
}

// Defaults fill in run settings a message does not carry.
type Defaults struct {
	ModelID         string
	PermissionMode  string
	ThinkingEnabled bool
}

// Config configures a watcher.
type Config struct {
	SessionID string
	Cwd       string
	// NewHost builds a fresh host for every start attempt.
	NewHost      func() SessionHost
	Executor     Executor
	Store        *state.Store
	Defaults     Defaults
	StartTimeout time.Duration
}

// Watcher owns the host of one session.
type Watcher struct {
	sessionID    string
	cwd          string
	newHost      func() SessionHost
	exec         Executor
	store        *state.Store
	defaults     Defaults
	startTimeout time.Duration
	logger       *logger.Logger

	group singleflight.Group

	mu          sync.Mutex
	status      Status
	epoch       uint64
	host        SessionHost
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates an idle watcher.
func New(cfg Config, log *logger.Logger) *Watcher {
	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	return &Watcher{
		sessionID:    cfg.SessionID,
		cwd:          cfg.Cwd,
		newHost:      cfg.NewHost,
		exec:         cfg.Executor,
		store:        cfg.Store,
		defaults:     cfg.Defaults,
		startTimeout: timeout,
		logger: log.WithFields(
			zap.String("component", "stream-watcher"),
			zap.String("session_id", cfg.SessionID),
		),
	}
}

// SessionID returns the watched session.
func (w *Watcher) SessionID() string { return w.sessionID }

// Cwd returns the session's working directory.
func (w *Watcher) Cwd() string { return w.cwd }

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Start brings the watcher to ready. It is a no-op when already ready, and
// concurrent calls share one attempt.
func (w *Watcher) Start(ctx context.Context) error {
	if w.Status() == StatusReady {
		return nil
	}
	_, err, _ := w.group.Do("start", func() (interface{}, error) {
		return nil, w.start(ctx)
	})
	return err
}

func (w *Watcher) start(ctx context.Context) error {
	w.mu.Lock()
	if w.status == StatusReady {
		w.mu.Unlock()
		return nil
	}
	w.epoch++
	epoch := w.epoch
	h := w.newHost()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.host = h
	w.cancel = cancel
	w.status = StatusStarting
	w.mu.Unlock()

	events, unsubscribe := h.Subscribe()
	teardown := func(err error) error {
		unsubscribe()
		cancel()
		_ = h.Stop()
		w.mu.Lock()
		if w.epoch == epoch {
			w.status = StatusIdle
			w.host = nil
			w.cancel = nil
		}
		w.mu.Unlock()
		w.logger.Warn("stream watcher failed to start", zap.Error(err))
		return err
	}

	if err := h.Start(runCtx); err != nil {
		return teardown(fmt.Errorf("start session host: %w", err))
	}
	if err := w.awaitConnected(ctx, events); err != nil {
		return teardown(err)
	}

	w.mu.Lock()
	if w.epoch != epoch {
		// Stopped while connecting.
		w.mu.Unlock()
		unsubscribe()
		cancel()
		_ = h.Stop()
		return ErrStopped
	}
	w.status = StatusReady
	w.unsubscribe = unsubscribe
	w.mu.Unlock()

	w.logger.Info("stream watcher ready")
	go w.dispatch(runCtx, h, epoch, events)
	return nil
}

// awaitConnected races the host's first lifecycle event against the start
// timeout.
func (w *Watcher) awaitConnected(ctx context.Context, events <-chan host.Event) error {
	timer := time.NewTimer(w.startTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrStopped
			}
			switch ev.Type {
			case host.EventConnected:
				return nil
			case host.EventError, host.EventDisconnected:
				return fmt.Errorf("session host failed to connect: %w", ev.Err)
			}
		case <-timer.C:
			return ErrStartTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop tears the host down and returns to idle, even mid-start.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.epoch++
	h := w.host
	cancel := w.cancel
	unsubscribe := w.unsubscribe
	w.host = nil
	w.cancel = nil
	w.unsubscribe = nil
	w.status = StatusIdle
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	if h == nil {
		return nil
	}
	w.logger.Info("stream watcher stopped")
	return h.Stop()
}

// Subscribe taps the events of the running host. ok is false unless ready.
func (w *Watcher) Subscribe() (events <-chan host.Event, cancel func(), ok bool) {
	w.mu.Lock()
	h := w.host
	ready := w.status == StatusReady
	w.mu.Unlock()
	if !ready || h == nil {
		return nil, func() {}, false
	}
	events, cancel = h.Subscribe()
	return events, cancel, true
}

// HistoryRunID returns the newest run id in the host's loaded chunks, or ""
// when no host is running. It is reported for status only; dispatch uses the
// cached run id.
func (w *Watcher) HistoryRunID() string {
	w.mu.Lock()
	h := w.host
	w.mu.Unlock()
	if h == nil {
		return ""
	}
	return h.LatestRunID()
}

// resetIf drops a host whose live feed died, so the next Start rebuilds it.
func (w *Watcher) resetIf(epoch uint64) {
	w.mu.Lock()
	if w.epoch != epoch {
		w.mu.Unlock()
		return
	}
	w.epoch++
	h := w.host
	cancel := w.cancel
	w.host = nil
	w.cancel = nil
	w.unsubscribe = nil
	w.status = StatusIdle
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		_ = h.Stop()
	}
}

func (w *Watcher) dispatch(ctx context.Context, h SessionHost, epoch uint64, events <-chan host.Event) {
	for ev := range events {
		if ev.Type == host.EventDisconnected {
			w.logger.Warn("session host disconnected, resetting watcher", zap.Error(ev.Err))
			w.resetIf(epoch)
			return
		}
		w.handle(ctx, h, ev)
	}
}

func (w *Watcher) handle(ctx context.Context, h SessionHost, ev host.Event) {
	switch ev.Type {
	case host.EventMessage:
		w.runMessage(ctx, h, ev)

	case host.EventToolOutput:
		out := ev.ToolOutput
		runID := w.runID()
		if out == nil || runID == "" {
			w.logger.Warn("no cached run id for tool output, dropping", zap.String("message_id", ev.MessageID))
			return
		}
		w.observe("tool_result", w.exec.ContinueWithToolOutput(ctx, h, executor.ToolOutputRequest{
			SessionID:  w.sessionID,
			RunID:      runID,
			ToolCallID: out.ToolCallID,
			ToolName:   out.Tool,
			State:      out.State,
			Output:     out.Output,
			ErrorText:  out.ErrorText,
			Fallback: &state.ExecutionContext{
				Cwd:             w.cwd,
				ModelID:         w.defaults.ModelID,
				PermissionMode:  w.defaults.PermissionMode,
				ThinkingEnabled: w.defaults.ThinkingEnabled,
			},
		}))

	case host.EventToolApproval:
		ap := ev.ToolApproval
		runID := w.runID()
		if ap == nil || runID == "" {
			w.logger.Warn("no cached run id for tool approval, dropping", zap.String("message_id", ev.MessageID))
			return
		}
		toolCallID := ap.ToolCallID
		if toolCallID == "" {
			toolCallID = ap.ApprovalID
		}
		w.observe("approve", w.exec.ResumeAgent(ctx, h, executor.ResumeRequest{
			SessionID:      w.sessionID,
			RunID:          runID,
			Approved:       ap.Approved,
			ToolCallID:     toolCallID,
			PermissionMode: ap.PermissionMode,
		}))

	case host.EventAbort:
		w.exec.Abort(w.sessionID)

	case host.EventRegenerate:
		latest, ok := h.LatestUserMessage()
		if !ok {
			w.logger.Debug("nothing to regenerate")
			return
		}
		w.runMessage(ctx, h, latest)

	case host.EventError:
		w.logger.Warn("session host error", zap.Error(ev.Err))
	}
}

func (w *Watcher) runMessage(ctx context.Context, h SessionHost, ev host.Event) {
	msg := ev.Message
	if msg == nil {
		return
	}
	text := strings.Join(msg.TextParts(), "\n")
	if text == "" && len(msg.FileParts()) == 0 {
		w.logger.Debug("skipping message without text or files", zap.String("message_id", ev.MessageID))
		return
	}

	req := executor.RunRequest{
		SessionID:       w.sessionID,
		Text:            text,
		Message:         msg,
		ModelID:         w.defaults.ModelID,
		Cwd:             w.cwd,
		PermissionMode:  w.defaults.PermissionMode,
		ThinkingEnabled: w.defaults.ThinkingEnabled,
	}
	if md := ev.Metadata; md != nil {
		if md.Model != "" {
			req.ModelID = md.Model
		}
		if md.PermissionMode != "" {
			req.PermissionMode = md.PermissionMode
		}
		if md.ThinkingEnabled != nil {
			req.ThinkingEnabled = *md.ThinkingEnabled
		}
	}
	w.observe("run", w.exec.RunAgent(ctx, h, req))
}

// runID returns the cached run id. History is not rescanned: a failed run
// clears its id, and its tool signals must not resume it.
func (w *Watcher) runID() string {
	id, _ := w.store.RunID(w.sessionID)
	return id
}

func (w *Watcher) observe(operation string, done <-chan error) {
	go func() {
		if err := <-done; err != nil && !errors.Is(err, executor.ErrCancelled) {
			w.logger.Debug("agent operation finished with error",
				zap.String("operation", operation),
				zap.Error(err))
		}
	}()
}
