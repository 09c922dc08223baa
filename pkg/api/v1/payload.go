package v1

import (
	"bytes"
	"encoding/json"
)

// PayloadType is the discriminant of a chunk payload.
type PayloadType string

const (
	PayloadWholeMessage     PayloadType = "whole-message"
	PayloadToolOutput       PayloadType = "tool-output"
	PayloadApprovalResponse PayloadType = "approval-response"
	PayloadToolApproval     PayloadType = "tool-approval"
	PayloadControl          PayloadType = "control"
	PayloadMessageMetadata  PayloadType = "message-metadata"
	PayloadError            PayloadType = "error"
	PayloadAbort            PayloadType = "abort"
)

// Tool output states.
const (
	ToolStateOutputAvailable = "output-available"
	ToolStateOutputError     = "output-error"
)

// Control actions.
const (
	ControlAbort      = "abort"
	ControlRegenerate = "regenerate"
)

// Message part types.
const (
	PartTypeText = "text"
	PartTypeFile = "file"
)

// Payload is the closed set of chunk payload variants. Anything that does not
// decode into a known variant becomes Unknown.
type Payload interface {
	PayloadType() PayloadType
}

// MessagePart is one part of an authored message.
type MessagePart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// UIMessage is a complete authored message.
type UIMessage struct {
	ID    string        `json:"id,omitempty"`
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts"`
}

// TextParts returns the text of every text-typed part.
func (m *UIMessage) TextParts() []string {
	var out []string
	for _, p := range m.Parts {
		if p.Type == PartTypeText && p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// FileParts returns every file-typed part.
func (m *UIMessage) FileParts() []MessagePart {
	var out []MessagePart
	for _, p := range m.Parts {
		if p.Type == PartTypeFile {
			out = append(out, p)
		}
	}
	return out
}

// MessageMetadata is per-message run configuration chosen by the client.
type MessageMetadata struct {
	Model           string `json:"model,omitempty"`
	PermissionMode  string `json:"permissionMode,omitempty"`
	ThinkingEnabled *bool  `json:"thinkingEnabled,omitempty"`
}

// WholeMessage carries one authored message.
type WholeMessage struct {
	Message  UIMessage        `json:"message"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// ToolOutput is a client-executed tool result.
type ToolOutput struct {
	ToolCallID string          `json:"toolCallId"`
	Tool       string          `json:"tool"`
	State      string          `json:"state"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// ToolApproval is a human approval decision. Kind keeps the discriminant it
// arrived with (approval-response or tool-approval).
type ToolApproval struct {
	Kind           PayloadType `json:"-"`
	ApprovalID     string      `json:"approvalId"`
	Approved       bool        `json:"approved"`
	ToolCallID     string      `json:"toolCallId,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
}

// Control is a session-level control signal.
type Control struct {
	Action string `json:"action"`
}

// RunMetadata is the synthetic chunk prefixed onto every agent output stream.
type RunMetadata struct {
	MessageMetadata RunMetadataFields `json:"messageMetadata"`
}

// RunMetadataFields holds the run id carried by RunMetadata.
type RunMetadataFields struct {
	RunID string `json:"runId"`
}

// ErrorChunk is a terminal failure marker.
type ErrorChunk struct {
	ErrorText string `json:"errorText"`
	Code      string `json:"code,omitempty"`
}

// Abort is a terminal cancellation marker.
type Abort struct{}

// Unknown is any payload that is malformed or of a type this service does not act on.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (WholeMessage) PayloadType() PayloadType { return PayloadWholeMessage }
func (ToolOutput) PayloadType() PayloadType   { return PayloadToolOutput }
func (t ToolApproval) PayloadType() PayloadType {
	if t.Kind == "" {
		return PayloadToolApproval
	}
	return t.Kind
}
func (Control) PayloadType() PayloadType     { return PayloadControl }
func (RunMetadata) PayloadType() PayloadType { return PayloadMessageMetadata }
func (ErrorChunk) PayloadType() PayloadType  { return PayloadError }
func (Abort) PayloadType() PayloadType       { return PayloadAbort }
func (u Unknown) PayloadType() PayloadType   { return PayloadType(u.Type) }

// MarshalJSON methods add the "type" discriminant.

func (p WholeMessage) MarshalJSON() ([]byte, error) {
	type alias WholeMessage
	return json.Marshal(struct {
		Type PayloadType `json:"type"`
		alias
	}{p.PayloadType(), alias(p)})
}

func (p ToolOutput) MarshalJSON() ([]byte, error) {
	type alias ToolOutput
	return json.Marshal(struct {
		Type PayloadType `json:"type"`
		alias
	}{p.PayloadType(), alias(p)})
}

func (p ToolApproval) MarshalJSON() ([]byte, error) {
	type alias ToolApproval
	return json.Marshal(struct {
		Type PayloadType `json:"type"`
		alias
	}{p.PayloadType(), alias(p)})
}

func (p Control) MarshalJSON() ([]byte, error) {
	type alias Control
	return json.Marshal(struct {
		Type PayloadType `json:"type"`
		alias
	}{p.PayloadType(), alias(p)})
}

func (p RunMetadata) MarshalJSON() ([]byte, error) {
	type alias RunMetadata
	return json.Marshal(struct {
		Type PayloadType `json:"type"`
		alias
	}{p.PayloadType(), alias(p)})
}

func (p ErrorChunk) MarshalJSON() ([]byte, error) {
	type alias ErrorChunk
	return json.Marshal(struct {
		Type PayloadType `json:"type"`
		alias
	}{p.PayloadType(), alias(p)})
}

func (p Abort) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type PayloadType `json:"type"`
	}{PayloadAbort})
}

// ParsePayload decodes a raw chunk payload. It never fails: malformed JSON,
// a missing discriminant, or an unknown type all yield Unknown.
func ParsePayload(raw json.RawMessage) Payload {
	raw = unwrapEncoded(raw)
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Unknown{Raw: raw}
	}

	var (
		p   Payload
		err error
	)
	switch PayloadType(head.Type) {
	case PayloadWholeMessage:
		var v WholeMessage
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadToolOutput:
		var v ToolOutput
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadApprovalResponse, PayloadToolApproval:
		var v ToolApproval
		err = json.Unmarshal(raw, &v)
		v.Kind = PayloadType(head.Type)
		p = v
	case PayloadControl:
		var v Control
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadMessageMetadata:
		var v RunMetadata
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadError:
		var v ErrorChunk
		err = json.Unmarshal(raw, &v)
		p = v
	case PayloadAbort:
		p = Abort{}
	default:
		return Unknown{Type: head.Type, Raw: raw}
	}
	if err != nil {
		return Unknown{Type: head.Type, Raw: raw}
	}
	return p
}

// MustMarshalPayload encodes a payload variant. Every variant is plain data,
// so encoding cannot fail.
func MustMarshalPayload(p Payload) json.RawMessage {
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return data
}

// unwrapEncoded returns the inner JSON when a payload was stored as a JSON
// string holding a JSON document.
func unwrapEncoded(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return raw
	}
	return json.RawMessage(inner)
}
