package chunklog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/logger"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// Memory is an in-process chunk log. It keeps every chunk for the life of
// the process and is used for single-node runs and tests.
type Memory struct {
	mu     sync.RWMutex
	logs   map[string][]*v1.Chunk
	offset uint64
	msgIDs map[string]struct{}
	subs   map[string][]*memorySubscription
	closed bool
	logger *logger.Logger
}

// NewMemory creates an empty in-memory chunk log.
func NewMemory(log *logger.Logger) *Memory {
	return &Memory{
		logs:   make(map[string][]*v1.Chunk),
		msgIDs: make(map[string]struct{}),
		subs:   make(map[string][]*memorySubscription),
		logger: log.WithFields(zap.String("component", "chunklog-memory")),
	}
}

// History returns a copy of a session's chunks and the offset of the last one.
func (m *Memory) History(ctx context.Context, sessionID string) ([]*v1.Chunk, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, ErrClosed
	}

	src := m.logs[sessionID]
	out := make([]*v1.Chunk, len(src))
	for i, c := range src {
		cp := *c
		out[i] = &cp
	}
	var cursor uint64
	if n := len(src); n > 0 {
		cursor = src[n-1].Offset
	}
	return out, cursor, nil
}

// Subscribe delivers chunks with an offset greater than after, starting with
// any already stored.
func (m *Memory) Subscribe(_ context.Context, sessionID string, after uint64, h Handlers) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := newMemorySubscription(m, sessionID, h)
	for _, c := range m.logs[sessionID] {
		if c.Offset > after {
			cp := *c
			sub.enqueue(&cp)
		}
	}
	m.subs[sessionID] = append(m.subs[sessionID], sub)
	go sub.run()

	m.logger.Debug("subscribed to session chunks",
		zap.String("session_id", sessionID),
		zap.Uint64("after", after))
	return sub, nil
}

// NewProducer creates a batching producer backed by this log.
func (m *Memory) NewProducer(sessionID, idempotencyKey string, opts ProducerOptions) Producer {
	return newBatchProducer(m, sessionID, idempotencyKey, opts, m.logger)
}

// Publish appends c immediately.
func (m *Memory) Publish(ctx context.Context, c *v1.Chunk) error {
	stamp(c, c.SessionID)
	return m.sendBatch(ctx, []outbound{{msgID: MessageID(c.MessageID, c.Seq), chunk: c}})
}

func (m *Memory) sendBatch(ctx context.Context, batch []outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, ob := range batch {
		if _, dup := m.msgIDs[ob.msgID]; dup {
			m.logger.Debug("dropped duplicate chunk", zap.String("msg_id", ob.msgID))
			continue
		}
		m.msgIDs[ob.msgID] = struct{}{}
		m.offset++
		stored := *ob.chunk
		stored.Offset = m.offset
		m.logs[stored.SessionID] = append(m.logs[stored.SessionID], &stored)

		for _, sub := range m.subs[stored.SessionID] {
			cp := stored
			sub.enqueue(&cp)
		}
	}
	return nil
}

// Disconnect notifies the session's subscribers of a connection loss without
// ending their subscriptions.
func (m *Memory) Disconnect(sessionID string, err error) {
	m.mu.RLock()
	subs := append([]*memorySubscription(nil), m.subs[sessionID]...)
	m.mu.RUnlock()
	for _, sub := range subs {
		if sub.handlers.OnDisconnect != nil {
			sub.handlers.OnDisconnect(err)
		}
	}
}

// Close ends every subscription. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySubscription
	for _, subs := range m.subs {
		all = append(all, subs...)
	}
	m.subs = make(map[string][]*memorySubscription)
	m.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[sub.sessionID]) == 0 {
		delete(m.subs, sub.sessionID)
	}
}

// memorySubscription delivers queued chunks from its own goroutine so a slow
// handler never blocks writers.
type memorySubscription struct {
	log       *Memory
	sessionID string
	handlers  Handlers

	mu     sync.Mutex
	queue  []*v1.Chunk
	wake   chan struct{}
	done   chan struct{}
	active bool
}

func newMemorySubscription(m *Memory, sessionID string, h Handlers) *memorySubscription {
	return &memorySubscription{
		log:       m,
		sessionID: sessionID,
		handlers:  h,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		active:    true,
	}
}

func (s *memorySubscription) enqueue(c *v1.Chunk) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if !s.active || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			if s.handlers.OnChunk != nil {
				s.handlers.OnChunk(c)
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	s.queue = nil
	close(s.done)
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()
	s.log.remove(s)
	return nil
}
