// Package websocket defines the JSON envelope spoken on both websocket
// links: agent manager to engine, and gateway to live-tail viewers.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType says how a frame relates to others with the same ID.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is one frame. Requests and their response or error share an ID;
// notifications have none.
type Message struct {
	ID        string            `json:"id,omitempty"`
	Type      MessageType       `json:"type"`
	Action    string            `json:"action"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ErrorPayload is the payload of an error frame, and of a failed agent.done.
// Status mirrors the upstream HTTP status when the engine has one.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// NewRequest builds a request frame.
func NewRequest(id, action string, payload any) (*Message, error) {
	return build(id, MessageTypeRequest, action, payload)
}

// NewResponse builds the successful reply to request id.
func NewResponse(id, action string, payload any) (*Message, error) {
	return build(id, MessageTypeResponse, action, payload)
}

// NewNotification builds an unsolicited frame.
func NewNotification(action string, payload any) (*Message, error) {
	return build("", MessageTypeNotification, action, payload)
}

// NewError builds the failed reply to request id.
func NewError(id, action string, p ErrorPayload) (*Message, error) {
	return build(id, MessageTypeError, action, p)
}

func build(id string, t MessageType, action string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: t, Action: action, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// EnsureMetadata returns the metadata map, allocating it on first use. The
// engine client injects trace context into it.
func (m *Message) EnsureMetadata() map[string]string {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	return m.Metadata
}

// ParsePayload decodes the payload into v. An absent payload leaves v as is.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
