package ownership

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/logger"
)

// Memory is an in-process feed for tests and single-node development.
type Memory struct {
	logger *logger.Logger

	mu      sync.Mutex
	rows    map[string]Row
	watches map[*memoryWatch]struct{}
}

// NewMemory creates an empty feed.
func NewMemory(log *logger.Logger) *Memory {
	return &Memory{
		logger:  log.WithFields(zap.String("component", "ownership-memory")),
		rows:    make(map[string]Row),
		watches: make(map[*memoryWatch]struct{}),
	}
}

type memoryWatch struct {
	feed     *Memory
	orgID    string
	onChange func([]Row)

	// deliver serializes callbacks of one watch.
	deliver sync.Mutex
	closed  bool
}

func (w *memoryWatch) notify() {
	w.deliver.Lock()
	defer w.deliver.Unlock()
	if w.closed {
		return
	}
	w.onChange(w.feed.Rows(w.orgID))
}

// Close ends the watch.
func (w *memoryWatch) Close() error {
	w.feed.mu.Lock()
	delete(w.feed.watches, w)
	w.feed.mu.Unlock()

	w.deliver.Lock()
	w.closed = true
	w.deliver.Unlock()
	return nil
}

// Watch implements Feed.
func (m *Memory) Watch(_ context.Context, organizationID string, onChange func([]Row)) (Watch, error) {
	w := &memoryWatch{feed: m, orgID: organizationID, onChange: onChange}
	m.mu.Lock()
	m.watches[w] = struct{}{}
	m.mu.Unlock()
	w.notify()
	return w, nil
}

// Rows returns the organization's rows sorted by session id.
func (m *Memory) Rows(organizationID string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		if r.OrganizationID == organizationID {
			out = append(out, r)
		}
	}
	sortRows(out)
	return out
}

// Upsert inserts or replaces the row of a session.
func (m *Memory) Upsert(row Row) {
	m.mu.Lock()
	prev, existed := m.rows[row.SessionID]
	m.rows[row.SessionID] = row
	m.mu.Unlock()

	m.logger.Debug("ownership upserted",
		zap.String("session_id", row.SessionID),
		zap.String("device_id", row.DeviceID))
	m.notify(row.OrganizationID)
	if existed && prev.OrganizationID != row.OrganizationID {
		m.notify(prev.OrganizationID)
	}
}

// Delete removes the row of a session.
func (m *Memory) Delete(sessionID string) {
	m.mu.Lock()
	prev, ok := m.rows[sessionID]
	delete(m.rows, sessionID)
	m.mu.Unlock()
	if ok {
		m.notify(prev.OrganizationID)
	}
}

func (m *Memory) notify(organizationID string) {
	m.mu.Lock()
	targets := make([]*memoryWatch, 0, len(m.watches))
	for w := range m.watches {
		if w.orgID == organizationID {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()
	for _, w := range targets {
		w.notify()
	}
}
