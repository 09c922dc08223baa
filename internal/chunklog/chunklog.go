// Package chunklog provides the durable, ordered, per-session chunk log that
// clients and the agent manager share.
package chunklog

import (
	"context"
	"errors"
	"strconv"
	"time"

	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("chunk log is closed")
	// ErrProducerDetached is returned by Append after Detach.
	ErrProducerDetached = errors.New("producer is detached")
)

// Handlers receives chunks of a live subscription. OnChunk is called from a
// single goroutine per subscription, in log order.
type Handlers struct {
	OnChunk func(c *v1.Chunk)
	// OnDisconnect is called when the backend loses its connection. The
	// subscription may recover on its own; callers decide whether it is fatal.
	OnDisconnect func(err error)
}

// Subscription is an active live subscription.
type Subscription interface {
	Unsubscribe() error
}

// Client is a chunk log backend.
type Client interface {
	// History returns every chunk of a session in log order, plus the cursor
	// to pass to Subscribe so no chunk is missed or repeated.
	History(ctx context.Context, sessionID string) ([]*v1.Chunk, uint64, error)

	// Subscribe delivers chunks of a session appended after cursor.
	Subscribe(ctx context.Context, sessionID string, after uint64, h Handlers) (Subscription, error)

	// NewProducer creates a batching producer. Retried appends of the same
	// (idempotencyKey, seq) pair are stored once.
	NewProducer(sessionID, idempotencyKey string, opts ProducerOptions) Producer

	// Publish appends a single chunk immediately.
	Publish(ctx context.Context, c *v1.Chunk) error

	Close() error
}

// Producer appends the chunks of one message.
type Producer interface {
	// Append queues a chunk. It blocks while the in-flight window is full.
	Append(ctx context.Context, c *v1.Chunk) error
	// Flush sends queued chunks and waits until all of them are stored.
	Flush(ctx context.Context) error
	// Detach releases the producer. Queued chunks that were not flushed may be lost.
	Detach() error
}

// ProducerOptions tunes producer batching.
type ProducerOptions struct {
	// Window bounds chunks that are queued or in flight.
	Window int
	// Linger is how long a partial batch waits for more chunks.
	Linger time.Duration
	// MaxBatch is the largest number of chunks sent together.
	MaxBatch int
	// SendTimeout bounds one batch send.
	SendTimeout time.Duration
}

// DefaultProducerOptions returns the defaults used when a field is zero.
func DefaultProducerOptions() ProducerOptions {
	return ProducerOptions{
		Window:      64,
		Linger:      5 * time.Millisecond,
		MaxBatch:    32,
		SendTimeout: 10 * time.Second,
	}
}

func (o ProducerOptions) withDefaults() ProducerOptions {
	d := DefaultProducerOptions()
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.Linger <= 0 {
		o.Linger = d.Linger
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = d.MaxBatch
	}
	if o.MaxBatch > o.Window {
		o.MaxBatch = o.Window
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	return o
}

// MessageID returns the dedup id of one appended chunk.
func MessageID(idempotencyKey string, seq int) string {
	return idempotencyKey + "-" + strconv.Itoa(seq)
}

// stamp fills in the fields a backend owns when the writer left them empty.
func stamp(c *v1.Chunk, sessionID string) {
	if c.SessionID == "" {
		c.SessionID = sessionID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}
