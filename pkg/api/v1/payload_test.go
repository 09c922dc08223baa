package v1

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want PayloadType
	}{
		{"whole message", `{"type":"whole-message","message":{"role":"user","parts":[{"type":"text","text":"hi"}]}}`, PayloadWholeMessage},
		{"tool output", `{"type":"tool-output","toolCallId":"c1","tool":"bash","state":"output-available","output":{"ok":true}}`, PayloadToolOutput},
		{"approval response", `{"type":"approval-response","approvalId":"a1","approved":true}`, PayloadApprovalResponse},
		{"tool approval", `{"type":"tool-approval","approvalId":"a1","approved":false,"toolCallId":"c1"}`, PayloadToolApproval},
		{"control", `{"type":"control","action":"abort"}`, PayloadControl},
		{"metadata", `{"type":"message-metadata","messageMetadata":{"runId":"r1"}}`, PayloadMessageMetadata},
		{"error", `{"type":"error","errorText":"boom"}`, PayloadError},
		{"abort", `{"type":"abort"}`, PayloadAbort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePayload(json.RawMessage(tt.raw))
			_, unknown := p.(Unknown)
			assert.False(t, unknown)
			assert.Equal(t, tt.want, p.PayloadType())
		})
	}
}

func TestParsePayload_WholeMessageFields(t *testing.T) {
	raw := `{"type":"whole-message","message":{"id":"m1","role":"user","parts":[{"type":"text","text":"a"},{"type":"file","url":"data:image/png;base64,xx","mediaType":"image/png"},{"type":"text","text":"b"}]},"metadata":{"model":"openai/gpt-5","permissionMode":"acceptEdits","thinkingEnabled":true}}`

	p, ok := ParsePayload(json.RawMessage(raw)).(WholeMessage)
	require.True(t, ok)

	assert.Equal(t, RoleUser, p.Message.Role)
	assert.Equal(t, []string{"a", "b"}, p.Message.TextParts())
	require.Len(t, p.Message.FileParts(), 1)
	assert.Equal(t, "image/png", p.Message.FileParts()[0].MediaType)
	require.NotNil(t, p.Metadata)
	assert.Equal(t, "openai/gpt-5", p.Metadata.Model)
	require.NotNil(t, p.Metadata.ThinkingEnabled)
	assert.True(t, *p.Metadata.ThinkingEnabled)
}

func TestParsePayload_Unknown(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"type":`},
		{"no discriminant", `{"foo":"bar"}`},
		{"unknown type", `{"type":"text-delta","delta":"x"}`},
		{"wrong field shape", `{"type":"control","action":42}`},
		{"not an object", `[1,2,3]`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParsePayload(json.RawMessage(tt.raw)).(Unknown)
			assert.True(t, ok)
		})
	}
}

func TestParsePayload_StringEncoded(t *testing.T) {
	inner := `{"type":"control","action":"regenerate"}`
	encoded, err := json.Marshal(inner)
	require.NoError(t, err)

	p, ok := ParsePayload(encoded).(Control)
	require.True(t, ok)
	assert.Equal(t, ControlRegenerate, p.Action)
}

func TestMarshalPayload_AddsDiscriminant(t *testing.T) {
	raw := MustMarshalPayload(ErrorChunk{ErrorText: "Agent returned no response"})
	assert.JSONEq(t, `{"type":"error","errorText":"Agent returned no response"}`, string(raw))

	assert.JSONEq(t, `{"type":"abort"}`, string(MustMarshalPayload(Abort{})))

	approval := ToolApproval{Kind: PayloadApprovalResponse, ApprovalID: "a1", Approved: true}
	assert.JSONEq(t, `{"type":"approval-response","approvalId":"a1","approved":true}`, string(MustMarshalPayload(approval)))

	meta := MustMarshalPayload(RunMetadata{MessageMetadata: RunMetadataFields{RunID: "run-9"}})
	assert.Equal(t, "run-9", ExtractRunID(meta))
}

func TestExtractRunID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"top level camel", `{"runId":"a"}`, "a"},
		{"top level snake", `{"run_id":"b"}`, "b"},
		{"metadata camel", `{"metadata":{"runId":"c"}}`, "c"},
		{"metadata snake", `{"metadata":{"run_id":"d"}}`, "d"},
		{"message camel", `{"message":{"runId":"e"}}`, "e"},
		{"message snake", `{"message":{"run_id":"f"}}`, "f"},
		{"message metadata chunk", `{"type":"message-metadata","messageMetadata":{"runId":"g"}}`, "g"},
		{"first non-empty wins", `{"runId":"","run_id":"h","metadata":{"runId":"i"}}`, "h"},
		{"order prefers top level", `{"message":{"runId":"late"},"runId":"early"}`, "early"},
		{"non-string ignored", `{"runId":7,"metadata":{"runId":"j"}}`, "j"},
		{"none", `{"type":"text-delta"}`, ""},
		{"malformed", `{{`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractRunID(json.RawMessage(tt.raw)))
		})
	}
}
