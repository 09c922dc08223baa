package executor

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/agent/engine"
	"github.com/kandev/agentstream/internal/session/state"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

var emptyAnswers = json.RawMessage(`{}`)

// closed returns an already-settled outcome channel for dropped operations.
func closed() <-chan error {
	done := make(chan error)
	close(done)
	return done
}

// ResumeAgent answers a pending tool approval. A supplied permission mode is
// patched into the cached execution context first. Without a cached context
// or run id the approval is dropped.
func (e *Executor) ResumeAgent(ctx context.Context, w StreamWriter, req ResumeRequest) <-chan error {
	log := e.logger.WithSessionID(req.SessionID)

	if req.PermissionMode != "" {
		e.store.UpdateExecutionContext(req.SessionID, func(c *state.ExecutionContext) {
			c.PermissionMode = req.PermissionMode
		})
	}
	execCtx, ok := e.store.ExecutionContext(req.SessionID)
	if !ok {
		log.Warn("no execution context for tool approval, dropping")
		return closed()
	}
	runID := req.RunID
	if runID == "" {
		runID, _ = e.store.RunID(req.SessionID)
	}
	if runID == "" {
		log.Warn("no run id for tool approval, dropping")
		return closed()
	}

	h := e.store.ReplaceHandle(req.SessionID, ctx)
	log.Info("resuming agent run",
		zap.String("run_id", runID),
		zap.Bool("approved", req.Approved))

	return e.launch(req.SessionID, h, func() error {
		return e.execute(h, w, "approve", req.SessionID, execCtx.ModelID, execCtx.RequestEntries,
			func(ctx context.Context, entries []v1.RequestEntry) (*engine.Run, error) {
				return e.engine.Approve(ctx, engine.ApproveRequest{
					SessionID:      req.SessionID,
					RunID:          runID,
					ModelID:        execCtx.ModelID,
					Approved:       req.Approved,
					ToolCallID:     normalizeToolCallID(req.ToolCallID),
					PermissionMode: execCtx.PermissionMode,
					RequestEntries: entries,
				})
			})
	})
}

// ContinueWithToolOutput hands a client-executed tool result back to the
// paused run. The fallback context is used, and cached, when the session has
// none. Results with no recoverable context or run id are dropped.
func (e *Executor) ContinueWithToolOutput(ctx context.Context, w StreamWriter, req ToolOutputRequest) <-chan error {
	log := e.logger.WithSessionID(req.SessionID)

	execCtx, ok := e.store.ExecutionContext(req.SessionID)
	if !ok {
		if req.Fallback == nil {
			log.Warn("no execution context for tool output, dropping",
				zap.String("tool_call_id", req.ToolCallID))
			return closed()
		}
		execCtx = req.Fallback.Clone()
		e.store.SetExecutionContext(req.SessionID, execCtx)
	}
	runID := req.RunID
	if runID == "" {
		runID, _ = e.store.RunID(req.SessionID)
	}
	if runID == "" {
		log.Warn("no run id for tool output, dropping",
			zap.String("tool_call_id", req.ToolCallID))
		return closed()
	}

	answers := req.Output
	isError := req.State == v1.ToolStateOutputError
	if isError || len(answers) == 0 {
		answers = emptyAnswers
	}
	toolCallID := normalizeToolCallID(req.ToolCallID)

	h := e.store.ReplaceHandle(req.SessionID, ctx)
	log.Info("continuing agent run with tool output",
		zap.String("run_id", runID),
		zap.String("tool_call_id", toolCallID),
		zap.String("state", req.State))

	return e.launch(req.SessionID, h, func() error {
		entries := execCtx.RequestEntries
		if len(entries) == 0 {
			entries = e.resolveHeaders(h.Context(), req.SessionID, execCtx.ModelID)
		}
		return e.execute(h, w, "tool_result", req.SessionID, execCtx.ModelID, entries,
			func(ctx context.Context, entries []v1.RequestEntry) (*engine.Run, error) {
				return e.engine.SubmitToolResult(ctx, engine.ToolResultRequest{
					SessionID:      req.SessionID,
					RunID:          runID,
					ModelID:        execCtx.ModelID,
					ToolCallID:     toolCallID,
					ToolName:       req.ToolName,
					Answers:        answers,
					IsError:        isError,
					ErrorText:      req.ErrorText,
					RequestEntries: entries,
				})
			})
	})
}

// normalizeToolCallID strips the leading dashes some upstream encoders add.
func normalizeToolCallID(id string) string {
	return strings.TrimLeft(id, "-")
}
