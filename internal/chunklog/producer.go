package chunklog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/logger"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// outbound is one chunk waiting to be sent, with its dedup id.
type outbound struct {
	msgID string
	chunk *v1.Chunk
}

// batchSender stores a batch of chunks in order. A backend either stores the
// whole batch or returns an error.
type batchSender interface {
	sendBatch(ctx context.Context, batch []outbound) error
}

// batchProducer is the Producer shared by all backends: appends are buffered,
// sent in batches after a linger delay or when a batch fills up, and bounded
// by a window of queued plus in-flight chunks.
type batchProducer struct {
	sessionID string
	key       string
	opts      ProducerOptions
	sender    batchSender
	logger    *logger.Logger

	window  chan struct{}
	flushMu sync.Mutex // serializes batches so chunks are stored in append order

	mu       sync.Mutex
	settled  *sync.Cond // signalled when inflight drops to zero
	inflight int
	buf      []outbound
	timer    *time.Timer
	err      error
	detached bool
}

func newBatchProducer(sender batchSender, sessionID, key string, opts ProducerOptions, log *logger.Logger) *batchProducer {
	opts = opts.withDefaults()
	p := &batchProducer{
		sessionID: sessionID,
		key:       key,
		opts:      opts,
		sender:    sender,
		logger:    log.WithFields(zap.String("idempotency_key", key)),
		window:    make(chan struct{}, opts.Window),
	}
	p.settled = sync.NewCond(&p.mu)
	return p
}

// Append queues c, blocking while the window is full.
func (p *batchProducer) Append(ctx context.Context, c *v1.Chunk) error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return ErrProducerDetached
	}
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	select {
	case p.window <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	stamp(c, p.sessionID)

	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		<-p.window
		return ErrProducerDetached
	}
	p.inflight++
	p.buf = append(p.buf, outbound{msgID: MessageID(p.key, c.Seq), chunk: c})
	full := len(p.buf) >= p.opts.MaxBatch
	if full {
		p.stopTimerLocked()
	} else if p.timer == nil {
		p.timer = time.AfterFunc(p.opts.Linger, p.lingerExpired)
	}
	p.mu.Unlock()

	if full {
		go p.sendBuffered()
	}
	return nil
}

func (p *batchProducer) lingerExpired() {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()
	p.sendBuffered()
}

func (p *batchProducer) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// sendBuffered sends whatever is buffered right now, in at most MaxBatch
// sized batches.
func (p *batchProducer) sendBuffered() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	for {
		p.mu.Lock()
		if len(p.buf) == 0 {
			p.mu.Unlock()
			return
		}
		n := len(p.buf)
		if n > p.opts.MaxBatch {
			n = p.opts.MaxBatch
		}
		batch := p.buf[:n:n]
		p.buf = p.buf[n:]
		failed := p.err
		p.mu.Unlock()

		err := failed
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.SendTimeout)
			err = p.sender.sendBatch(ctx, batch)
			cancel()
		}
		if err != nil && failed == nil {
			p.logger.Error("failed to append chunk batch",
				zap.Int("batch_size", len(batch)),
				zap.Int("first_seq", batch[0].chunk.Seq),
				zap.Error(err))
			p.mu.Lock()
			if p.err == nil {
				p.err = err
			}
			p.mu.Unlock()
		}

		p.release(len(batch))
	}
}

// release frees n window slots and marks n chunks as settled.
func (p *batchProducer) release(n int) {
	for i := 0; i < n; i++ {
		<-p.window
	}
	p.mu.Lock()
	p.inflight -= n
	if p.inflight == 0 {
		p.settled.Broadcast()
	}
	p.mu.Unlock()
}

// Flush sends queued chunks and waits for every append so far to settle.
// It returns the first send error of the producer, if any.
func (p *batchProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.stopTimerLocked()
	p.mu.Unlock()

	go p.sendBuffered()

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.inflight > 0 {
			p.settled.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Detach stops accepting appends. Chunks still buffered are dropped.
func (p *batchProducer) Detach() error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return nil
	}
	p.detached = true
	p.stopTimerLocked()
	dropped := p.buf
	p.buf = nil
	p.mu.Unlock()

	if len(dropped) > 0 {
		p.logger.Warn("detached producer with unflushed chunks", zap.Int("dropped", len(dropped)))
	}
	p.release(len(dropped))
	return nil
}
