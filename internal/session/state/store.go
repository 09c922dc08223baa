// Package state holds the process-local per-session bookkeeping shared by the
// session host and the executor: the active cancellation handle, the latest
// run id and the cached execution context of every session.
package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

var handleSeq atomic.Uint64

// Handle is the cancellation handle of one in-flight session operation.
// Handles are compared by identity.
type Handle struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandle derives a cancellable handle from parent.
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{id: handleSeq.Add(1), ctx: ctx, cancel: cancel}
}

// ID returns a process-unique identifier, useful in logs.
func (h *Handle) ID() uint64 { return h.id }

// Context returns the context cancelled by Cancel.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel cancels the handle. Safe to call more than once.
func (h *Handle) Cancel() { h.cancel() }

// Cancelled reports whether the handle has been cancelled.
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// ExecutionContext is the request configuration captured from the last user
// message of a session. Follow-up approvals and tool results reuse it.
type ExecutionContext struct {
	Cwd             string
	ModelID         string
	PermissionMode  string
	ThinkingEnabled bool
	RequestEntries  []v1.RequestEntry
}

// Clone returns a deep copy.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	out := *c
	out.RequestEntries = append([]v1.RequestEntry(nil), c.RequestEntries...)
	return &out
}

// Store is the session state registry. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	runIDs   map[string]string
	contexts map[string]*ExecutionContext
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		handles:  make(map[string]*Handle),
		runIDs:   make(map[string]string),
		contexts: make(map[string]*ExecutionContext),
	}
}

// Handle returns the active handle of a session.
func (s *Store) Handle(sessionID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[sessionID]
	return h, ok
}

// SetHandle stores h as the active handle of a session.
func (s *Store) SetHandle(sessionID string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[sessionID] = h
}

// DeleteHandle removes the active handle of a session without cancelling it.
func (s *Store) DeleteHandle(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, sessionID)
}

// ReplaceHandle cancels the active handle of a session (if any) and installs
// a fresh one derived from parent, in one step.
func (s *Store) ReplaceHandle(sessionID string, parent context.Context) *Handle {
	h := NewHandle(parent)
	s.mu.Lock()
	prev := s.handles[sessionID]
	s.handles[sessionID] = h
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	return h
}

// CancelHandle cancels the active handle of a session and reports whether
// there was one. The handle stays registered; its owner clears it.
func (s *Store) CancelHandle(sessionID string) bool {
	s.mu.Lock()
	h := s.handles[sessionID]
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// IsCurrent reports whether h is the active handle of a session.
func (s *Store) IsCurrent(sessionID string, h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[sessionID] == h
}

// ClearHandleIf removes the active handle only if it is h.
func (s *Store) ClearHandleIf(sessionID string, h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[sessionID] != h {
		return false
	}
	delete(s.handles, sessionID)
	return true
}

// RunID returns the cached run id of a session.
func (s *Store) RunID(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.runIDs[sessionID]
	return id, ok
}

// SetRunID caches the run id of a session.
func (s *Store) SetRunID(sessionID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runIDs[sessionID] = runID
}

// DeleteRunID removes the cached run id of a session.
func (s *Store) DeleteRunID(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runIDs, sessionID)
}

// ExecutionContext returns a copy of the cached execution context.
func (s *Store) ExecutionContext(sessionID string) (*ExecutionContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[sessionID]
	return c.Clone(), ok
}

// SetExecutionContext caches the execution context of a session.
func (s *Store) SetExecutionContext(sessionID string, c *ExecutionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[sessionID] = c.Clone()
}

// UpdateExecutionContext mutates the cached context in place. It reports
// false when the session has no cached context.
func (s *Store) UpdateExecutionContext(sessionID string, fn func(*ExecutionContext)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[sessionID]
	if !ok {
		return false
	}
	fn(c)
	return true
}

// DeleteExecutionContext removes the cached execution context of a session.
func (s *Store) DeleteExecutionContext(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, sessionID)
}

// SetRunIDIf caches the run id only while h is the active handle.
func (s *Store) SetRunIDIf(sessionID string, h *Handle, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[sessionID] != h {
		return false
	}
	s.runIDs[sessionID] = runID
	return true
}

// InvalidateIf drops the run id and execution context of a session together,
// only while h is the active handle.
func (s *Store) InvalidateIf(sessionID string, h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[sessionID] != h {
		return false
	}
	delete(s.runIDs, sessionID)
	delete(s.contexts, sessionID)
	return true
}

// Clear drops every entry of a session. The active handle, if any, is
// cancelled first.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	h := s.handles[sessionID]
	delete(s.handles, sessionID)
	delete(s.runIDs, sessionID)
	delete(s.contexts, sessionID)
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Snapshot describes the registry entries of one session.
type Snapshot struct {
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id,omitempty"`
	Active     bool   `json:"active"`
	HasContext bool   `json:"has_context"`
	ModelID    string `json:"model_id,omitempty"`
}

// Snapshot returns the registry entries of a session.
func (s *Store) Snapshot(sessionID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{SessionID: sessionID, RunID: s.runIDs[sessionID]}
	if h, ok := s.handles[sessionID]; ok && !h.Cancelled() {
		snap.Active = true
	}
	if c, ok := s.contexts[sessionID]; ok {
		snap.HasContext = true
		snap.ModelID = c.ModelID
	}
	return snap
}

// Sessions returns every session id with at least one entry, sorted.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for id := range s.handles {
		seen[id] = struct{}{}
	}
	for id := range s.runIDs {
		seen[id] = struct{}{}
	}
	for id := range s.contexts {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
