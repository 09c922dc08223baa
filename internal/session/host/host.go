// Package host bridges one session's durable chunk log to typed in-process
// events and writes agent output back to it.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/chunklog"
	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/session/state"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// ErrStopped is returned by operations on a stopped host.
var ErrStopped = errors.New("session host is stopped")

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("session host already started")

// State is the lifecycle state of a host.
type State int

const (
	StateUninitialized State = iota
	StatePreloading
	StateLive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePreloading:
		return "preloading"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a host.
type Config struct {
	SessionID string
	// Cwd is the working directory the session's agent runs in.
	Cwd string

	Log   chunklog.Client
	Store *state.Store

	ProducerOptions chunklog.ProducerOptions
	// FlushTimeout bounds the final flush of a write.
	FlushTimeout time.Duration
}

// Host owns one connection to a session's chunk log.
type Host struct {
	sessionID    string
	cwd          string
	log          chunklog.Client
	store        *state.Store
	producerOpts chunklog.ProducerOptions
	flushTimeout time.Duration
	logger       *logger.Logger

	// dispatchMu orders live chunk handling against the switch to live.
	dispatchMu sync.Mutex
	pending    []*v1.Chunk

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	sub         chunklog.Subscription
	subscribers map[*subscriber]struct{}
	chunks      []*v1.Chunk
	seen        map[string]struct{}
	latestUser  *Event
	// written holds the agent messages this host wrote. The executor caches
	// their run ids itself, so their echoes must not re-seed the store.
	written map[string]struct{}
}

// New creates a host. Nothing is read until Start.
func New(cfg Config, log *logger.Logger) *Host {
	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}
	return &Host{
		sessionID:    cfg.SessionID,
		cwd:          cfg.Cwd,
		log:          cfg.Log,
		store:        cfg.Store,
		producerOpts: cfg.ProducerOptions,
		flushTimeout: flushTimeout,
		logger: log.WithFields(
			zap.String("component", "session-host"),
			zap.String("session_id", cfg.SessionID),
		),
		subscribers: make(map[*subscriber]struct{}),
		seen:        make(map[string]struct{}),
		written:     make(map[string]struct{}),
	}
}

// SessionID returns the session this host serves.
func (h *Host) SessionID() string { return h.sessionID }

// Cwd returns the session's working directory.
func (h *Host) Cwd() string { return h.cwd }

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Subscribe returns a channel receiving every event emitted from now on, in
// order, and a function that ends the subscription. The channel is closed on
// cancel or Stop.
func (h *Host) Subscribe() (<-chan Event, func()) {
	s := newSubscriber()
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		s.close()
		return s.out, func() {}
	}
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	return s.out, func() {
		h.mu.Lock()
		delete(h.subscribers, s)
		h.mu.Unlock()
		s.close()
	}
}

func (h *Host) emit(ev Event) {
	ev.SessionID = h.sessionID
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.push(ev)
	}
}

// Start preloads history and then follows the log live. It returns at once;
// progress is reported through connected, error and disconnected events.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateStopped:
		h.mu.Unlock()
		return ErrStopped
	case StateUninitialized:
	default:
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.state = StatePreloading
	h.cancel = cancel
	h.mu.Unlock()

	go h.run(ctx)
	return nil
}

func (h *Host) run(ctx context.Context) {
	h.logger.Debug("preloading session history")

	chunks, cursor, err := h.log.History(ctx, h.sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("failed to preload session history", zap.Error(err))
		h.emit(Event{Type: EventError, Err: fmt.Errorf("preload: %w", err)})
		return
	}
	catchup := h.preload(chunks)

	sub, err := h.log.Subscribe(ctx, h.sessionID, cursor, chunklog.Handlers{
		OnChunk:      h.handleLive,
		OnDisconnect: h.handleDisconnect,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("failed to subscribe to session chunks", zap.Error(err))
		h.emit(Event{Type: EventError, Err: fmt.Errorf("subscribe: %w", err)})
		return
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.state != StatePreloading {
		h.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	h.sub = sub
	h.state = StateLive
	h.mu.Unlock()

	h.logger.Info("session host live",
		zap.Int("history_chunks", len(chunks)),
		zap.Int("catchup_events", len(catchup)))

	h.emit(Event{Type: EventConnected})
	for _, ev := range catchup {
		h.emit(ev)
	}
	early := h.pending
	h.pending = nil
	for _, c := range early {
		h.dispatch(c)
	}
}

// preload rebuilds derived state from history and returns the catch-up
// events: the most recent unanswered user message, then pending tool signals
// in creation order.
func (h *Host) preload(chunks []*v1.Chunk) []Event {
	var (
		lastAssistant time.Time
		latestRunID   string
		latestRunAt   time.Time
		users         []Event
		signals       []Event
	)

	for _, c := range chunks {
		if id := v1.ExtractRunID(c.Chunk); id != "" && !c.CreatedAt.Before(latestRunAt) {
			latestRunID = id
			latestRunAt = c.CreatedAt
		}
		if c.IsAgent() {
			if c.CreatedAt.After(lastAssistant) {
				lastAssistant = c.CreatedAt
			}
			continue
		}
		ev, ok := toEvent(c)
		if !ok {
			continue
		}
		switch ev.Type {
		case EventMessage:
			users = append(users, ev)
		case EventToolOutput, EventToolApproval:
			signals = append(signals, ev)
		}
	}

	h.mu.Lock()
	h.chunks = append(h.chunks[:0], chunks...)
	for i := range users {
		h.seen[users[i].MessageID] = struct{}{}
	}
	if n := len(users); n > 0 {
		latest := latestByTime(users)
		h.latestUser = &latest
	}
	h.mu.Unlock()

	if latestRunID != "" && h.store != nil {
		h.store.SetRunID(h.sessionID, latestRunID)
	}

	var out []Event
	unanswered := newerThan(users, lastAssistant)
	if len(unanswered) > 0 {
		ev := latestByTime(unanswered)
		ev.Catchup = true
		out = append(out, ev)
		if dropped := len(unanswered) - 1; dropped > 0 {
			h.logger.Info("dropping stale unanswered messages", zap.Int("dropped", dropped))
		}
	}
	pending := newerThan(signals, lastAssistant)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, ev := range pending {
		ev.Catchup = true
		out = append(out, ev)
	}
	return out
}

func newerThan(events []Event, t time.Time) []Event {
	var out []Event
	for _, ev := range events {
		if ev.CreatedAt.After(t) {
			out = append(out, ev)
		}
	}
	return out
}

// latestByTime returns the newest event; later positions win ties.
func latestByTime(events []Event) Event {
	latest := events[0]
	for _, ev := range events[1:] {
		if !ev.CreatedAt.Before(latest.CreatedAt) {
			latest = ev
		}
	}
	return latest
}

// toEvent maps a chunk to the event it triggers, if any.
func toEvent(c *v1.Chunk) (Event, bool) {
	ev := Event{MessageID: c.MessageID, CreatedAt: c.CreatedAt}
	switch p := v1.ParsePayload(c.Chunk).(type) {
	case v1.WholeMessage:
		if p.Message.Role != v1.RoleUser {
			return ev, false
		}
		msg := p.Message
		ev.Type = EventMessage
		ev.Message = &msg
		ev.Metadata = p.Metadata
	case v1.ToolOutput:
		ev.Type = EventToolOutput
		ev.ToolOutput = &p
	case v1.ToolApproval:
		ev.Type = EventToolApproval
		ev.ToolApproval = &p
	case v1.Control:
		switch p.Action {
		case v1.ControlAbort:
			ev.Type = EventAbort
		case v1.ControlRegenerate:
			ev.Type = EventRegenerate
		default:
			return ev, false
		}
	default:
		return ev, false
	}
	return ev, true
}

func (h *Host) handleLive(c *v1.Chunk) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	switch st {
	case StatePreloading:
		// Delivered before the host went live; dispatched right after catch-up.
		h.pending = append(h.pending, c)
	case StateLive:
		h.dispatch(c)
	}
}

func (h *Host) dispatch(c *v1.Chunk) {
	h.mu.Lock()
	if h.state != StateLive {
		h.mu.Unlock()
		return
	}
	h.chunks = append(h.chunks, c)
	_, own := h.written[c.MessageID]
	h.mu.Unlock()

	if id := v1.ExtractRunID(c.Chunk); id != "" && h.store != nil && !own {
		h.store.SetRunID(h.sessionID, id)
	}

	ev, ok := toEvent(c)
	if !ok {
		return
	}
	if ev.Type == EventMessage {
		h.mu.Lock()
		if _, dup := h.seen[c.MessageID]; dup {
			h.mu.Unlock()
			return
		}
		h.seen[c.MessageID] = struct{}{}
		latest := ev
		h.latestUser = &latest
		h.mu.Unlock()
	}
	h.emit(ev)
}

func (h *Host) handleDisconnect(err error) {
	h.logger.Warn("chunk log disconnected", zap.Error(err))
	h.emit(Event{Type: EventDisconnected, Err: err})
}

// LatestRunID rescans the loaded chunks for the newest embedded run id.
func (h *Host) LatestRunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var (
		runID string
		at    time.Time
	)
	for _, c := range h.chunks {
		if id := v1.ExtractRunID(c.Chunk); id != "" && !c.CreatedAt.Before(at) {
			runID = id
			at = c.CreatedAt
		}
	}
	return runID
}

// LatestUserMessage returns the most recent user message seen, if any.
func (h *Host) LatestUserMessage() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latestUser == nil {
		return Event{}, false
	}
	return *h.latestUser, true
}

// HasSeen reports whether a user message id has already been dispatched or
// replayed.
func (h *Host) HasSeen(messageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.seen[messageID]
	return ok
}

// Stop ends the live subscription and closes every event channel.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopped
	cancel := h.cancel
	sub := h.sub
	h.sub = nil
	subs := h.subscribers
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	for s := range subs {
		s.close()
	}
	h.logger.Debug("session host stopped")
	return err
}
