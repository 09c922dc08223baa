package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/agent/authretry"
	"github.com/kandev/agentstream/internal/agent/engine"
	"github.com/kandev/agentstream/internal/common/tracing"
	"github.com/kandev/agentstream/internal/session/host"
	"github.com/kandev/agentstream/internal/session/state"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// engineCall starts or resumes a run with the given request entries.
type engineCall func(ctx context.Context, entries []v1.RequestEntry) (*engine.Run, error)

// RunAgent answers a user message. The session's previous operation is
// cancelled before RunAgent returns; the returned channel yields the outcome
// once. A superseded or aborted run yields ErrCancelled.
func (e *Executor) RunAgent(ctx context.Context, w StreamWriter, req RunRequest) <-chan error {
	h := e.store.ReplaceHandle(req.SessionID, ctx)
	return e.launch(req.SessionID, h, func() error {
		return e.runAgent(h, w, req)
	})
}

func (e *Executor) runAgent(h *state.Handle, w StreamWriter, req RunRequest) error {
	ctx := h.Context()
	log := e.logger.WithSessionID(req.SessionID).WithFields(zap.String("model_id", req.ModelID))

	entries := e.resolveHeaders(ctx, req.SessionID, req.ModelID)
	if h.Cancelled() {
		return ErrCancelled
	}

	e.store.SetExecutionContext(req.SessionID, &state.ExecutionContext{
		Cwd:             req.Cwd,
		ModelID:         req.ModelID,
		PermissionMode:  req.PermissionMode,
		ThinkingEnabled: req.ThinkingEnabled,
		RequestEntries:  entries,
	})

	instructions := e.gatherSideContext(ctx, req.Cwd, req.Text)
	input := buildInput(req.Text, req.Message)

	log.Info("starting agent run",
		zap.String("permission_mode", req.PermissionMode),
		zap.Bool("multimodal", input.IsMultimodal()))

	return e.execute(h, w, "run", req.SessionID, req.ModelID, entries,
		func(ctx context.Context, entries []v1.RequestEntry) (*engine.Run, error) {
			return e.engine.Run(ctx, engine.RunRequest{
				SessionID:           req.SessionID,
				ModelID:             req.ModelID,
				Cwd:                 req.Cwd,
				PermissionMode:      req.PermissionMode,
				ThinkingEnabled:     req.ThinkingEnabled,
				RequireToolApproval: requireToolApproval(req.PermissionMode),
				Instructions:        instructions,
				Input:               input,
				RequestEntries:      entries,
			})
		})
}

// launch runs op in its own goroutine and releases the handle afterwards.
func (e *Executor) launch(sessionID string, h *state.Handle, op func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := op()
		e.store.ClearHandleIf(sessionID, h)
		done <- err
	}()
	return done
}

// execute calls the engine through the auth retry policy and streams the
// run's output into a new agent message.
func (e *Executor) execute(h *state.Handle, w StreamWriter, operation, sessionID, modelID string, entries []v1.RequestEntry, call engineCall) (err error) {
	ctx, span := tracing.TraceAgentOperation(h.Context(), operation, sessionID, modelID)
	defer func() {
		if !errors.Is(err, ErrCancelled) {
			tracing.RecordResult(span, err)
		}
		span.End()
	}()

	attempt := 0
	run, err := authretry.Do(ctx, e.retry, modelID, func(ctx context.Context) (*engine.Run, error) {
		if attempt > 0 {
			// The credential was just re-synced; pick up the new headers.
			entries = mergeEntries(entries, e.resolveHeaders(ctx, sessionID, modelID))
			e.store.UpdateExecutionContext(sessionID, func(c *state.ExecutionContext) {
				c.RequestEntries = entries
			})
		}
		attempt++
		return call(ctx, entries)
	}, func() {
		e.logger.Info("retrying agent call after credential refresh",
			zap.String("session_id", sessionID),
			zap.String("operation", operation))
	})
	if err != nil {
		return e.fail(h, w, sessionID, operation, err)
	}
	defer func() { _ = run.Stream.Close() }()

	if !e.store.SetRunIDIf(sessionID, h, run.RunID) {
		return ErrCancelled
	}

	messageID := uuid.New().String()
	prefix := v1.MustMarshalPayload(v1.RunMetadata{MessageMetadata: v1.RunMetadataFields{RunID: run.RunID}})
	err = w.WriteStream(ctx, messageID, run.Stream, host.WithPrefix(prefix))
	if h.Cancelled() {
		return ErrCancelled
	}
	if err != nil {
		return e.fail(h, w, sessionID, operation, err)
	}

	e.logger.WithSessionID(sessionID).WithRun(run.RunID, modelID).Info("agent run streamed",
		zap.String("message_id", messageID),
		zap.String("operation", operation))
	return nil
}

// fail invalidates the session's cached run state and makes sure the
// failure is visible in the stream. Cancelled or superseded operations
// report ErrCancelled and touch nothing.
func (e *Executor) fail(h *state.Handle, w StreamWriter, sessionID, operation string, err error) error {
	if h.Cancelled() || !e.store.InvalidateIf(sessionID, h) {
		return ErrCancelled
	}

	// WriteStream already terminated the message when the source failed.
	if !errors.Is(err, host.ErrStreamTerminated) {
		code := host.ErrorCode(err)
		if authretry.IsReauthRequired(err) {
			code = authretry.ReauthRequiredCode
		}
		ctx := context.WithoutCancel(h.Context())
		if werr := w.WriteTerminalError(ctx, uuid.New().String(), err.Error(), code); werr != nil {
			e.logger.Error("failed to write terminal error",
				zap.String("session_id", sessionID),
				zap.Error(werr))
		}
	}

	e.logger.Error("agent operation failed",
		zap.String("session_id", sessionID),
		zap.String("operation", operation),
		zap.Error(err))
	return err
}

// resolveHeaders returns the auth entries for the model's provider. Failures
// degrade to no entries.
func (e *Executor) resolveHeaders(ctx context.Context, sessionID, modelID string) []v1.RequestEntry {
	if e.headers == nil {
		return nil
	}
	provider := providerOf(e.retry, modelID)
	entries, err := e.headers.ResolveHeaders(ctx, provider)
	if err != nil {
		e.logger.Warn("failed to resolve auth headers, continuing without",
			zap.String("session_id", sessionID),
			zap.String("provider", provider),
			zap.Error(err))
		return nil
	}
	return entries
}

func providerOf(r *authretry.Registry, modelID string) string {
	if r != nil {
		return r.ProviderForModel(modelID)
	}
	if i := strings.Index(modelID, "/"); i > 0 {
		return strings.ToLower(modelID[:i])
	}
	return ""
}

// mergeEntries overlays fresh entries on base, replacing keys
// case-insensitively and keeping base order.
func mergeEntries(base, fresh []v1.RequestEntry) []v1.RequestEntry {
	if len(fresh) == 0 {
		return base
	}
	out := make([]v1.RequestEntry, 0, len(base)+len(fresh))
	replaced := make(map[int]bool, len(fresh))
	for _, b := range base {
		keep := true
		for i, f := range fresh {
			if strings.EqualFold(b.Key, f.Key) {
				if !replaced[i] {
					out = append(out, f)
					replaced[i] = true
				}
				keep = false
				break
			}
		}
		if keep {
			out = append(out, b)
		}
	}
	for i, f := range fresh {
		if !replaced[i] {
			out = append(out, f)
		}
	}
	return out
}

// buildInput returns plain text unless the message carries file parts.
func buildInput(text string, msg *v1.UIMessage) engine.Input {
	if msg == nil {
		return engine.Input{Text: text}
	}
	files := msg.FileParts()
	if len(files) == 0 {
		return engine.Input{Text: text}
	}
	parts := make([]engine.ContentPart, 0, len(files)+1)
	if text != "" {
		parts = append(parts, engine.ContentPart{Type: engine.ContentText, Text: text})
	}
	for _, f := range files {
		kind := engine.ContentFile
		if strings.HasPrefix(f.MediaType, "image/") {
			kind = engine.ContentImage
		}
		parts = append(parts, engine.ContentPart{
			Type:      kind,
			URL:       f.URL,
			MediaType: f.MediaType,
			Filename:  f.Filename,
		})
	}
	return engine.Input{Parts: parts}
}
