// Package engine is the client side of the agent execution engine: it starts,
// approves and resumes runs and streams their output chunks back.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// Content part types understood by the engine.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentFile  = "file"
)

// ContentPart is one element of a multimodal input.
type ContentPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// Input is the model-facing prompt: plain text, or a content list when the
// message carries attachments.
type Input struct {
	Text  string        `json:"text,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`
}

// IsMultimodal reports whether the input is a content list.
func (i Input) IsMultimodal() bool { return len(i.Parts) > 0 }

// RunRequest starts a new run.
type RunRequest struct {
	SessionID           string            `json:"sessionId"`
	ModelID             string            `json:"modelId"`
	Cwd                 string            `json:"cwd"`
	PermissionMode      string            `json:"permissionMode,omitempty"`
	ThinkingEnabled     bool              `json:"thinkingEnabled"`
	RequireToolApproval bool              `json:"requireToolApproval"`
	Instructions        string            `json:"instructions,omitempty"`
	Input               Input             `json:"input"`
	RequestEntries      []v1.RequestEntry `json:"requestEntries,omitempty"`
}

// ApproveRequest resumes a run paused on a tool approval.
type ApproveRequest struct {
	SessionID      string            `json:"sessionId"`
	RunID          string            `json:"runId"`
	ModelID        string            `json:"modelId"`
	Approved       bool              `json:"approved"`
	ToolCallID     string            `json:"toolCallId,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	RequestEntries []v1.RequestEntry `json:"requestEntries,omitempty"`
}

// ToolResultRequest resumes a run paused on a client-executed tool.
type ToolResultRequest struct {
	SessionID      string            `json:"sessionId"`
	RunID          string            `json:"runId"`
	ModelID        string            `json:"modelId"`
	ToolCallID     string            `json:"toolCallId"`
	ToolName       string            `json:"toolName"`
	Answers        json.RawMessage   `json:"answers"`
	IsError        bool              `json:"isError,omitempty"`
	ErrorText      string            `json:"errorText,omitempty"`
	RequestEntries []v1.RequestEntry `json:"requestEntries,omitempty"`
}

// Stream yields the raw output chunks of a run. Next returns io.EOF after the
// last chunk.
type Stream interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// Run is a started run.
type Run struct {
	RunID  string
	Stream Stream
}

// Engine is the agent execution engine.
type Engine interface {
	Run(ctx context.Context, req RunRequest) (*Run, error)
	Approve(ctx context.Context, req ApproveRequest) (*Run, error)
	SubmitToolResult(ctx context.Context, req ToolResultRequest) (*Run, error)
}

// Error is a failure reported by the engine.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("agent engine error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("agent engine error (%s): %s", e.Code, e.Message)
}

// StatusCode returns the HTTP-style status the engine attached, or 0.
func (e *Error) StatusCode() int { return e.Status }
