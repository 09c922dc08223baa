package host

import (
	"sync"
	"time"

	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// EventType identifies a host event.
type EventType string

const (
	EventMessage      EventType = "message"
	EventToolOutput   EventType = "toolOutput"
	EventToolApproval EventType = "toolApproval"
	EventAbort        EventType = "abort"
	EventRegenerate   EventType = "regenerate"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// Event is one typed host event. Only the fields of its type are set.
type Event struct {
	Type      EventType
	SessionID string
	MessageID string
	CreatedAt time.Time

	Message      *v1.UIMessage
	Metadata     *v1.MessageMetadata
	ToolOutput   *v1.ToolOutput
	ToolApproval *v1.ToolApproval

	// Err is set on error and disconnected events.
	Err error
	// Catchup marks events replayed from history during preload.
	Catchup bool
}

// subscriber buffers events without bound and hands them to its channel in
// order, so a slow consumer never blocks the log subscription.
type subscriber struct {
	out chan Event

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// close stops the pump. Queued events are discarded and the channel closes.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
