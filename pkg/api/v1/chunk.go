// Package v1 holds the wire types exchanged through the durable session log.
package v1

import (
	"encoding/json"
	"time"
)

// Actor ids. Every chunk is authored either by a user-facing client or by the agent.
const (
	ActorUser  = "user"
	ActorAgent = "agent"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Chunk is one immutable entry of a session's append-only log. All chunks
// sharing a MessageID form one authored message, ordered by Seq.
type Chunk struct {
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	ActorID   string          `json:"actor_id"`
	Role      string          `json:"role"`
	Seq       int             `json:"seq"`
	Chunk     json.RawMessage `json:"chunk"`
	CreatedAt time.Time       `json:"created_at"`

	// Offset is the log position assigned by the backend. It is not part of
	// the payload contract and is zero for chunks that were not read back.
	Offset uint64 `json:"-"`
}

// IsAgent reports whether the chunk was written by the agent.
func (c *Chunk) IsAgent() bool {
	return c.ActorID == ActorAgent
}

// RequestEntry is an opaque key/value pair forwarded to the agent engine with
// every request (resolved auth headers, for example). Order is preserved.
type RequestEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
