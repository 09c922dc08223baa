package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/chunklog"
	"github.com/kandev/agentstream/internal/common/tracing"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// NoResponseText is written when an agent stream ends without output.
const NoResponseText = "Agent returned no response"

// ErrStreamTerminated marks a write that already ended its message with a
// terminal error and abort. Callers must not write another terminal pair for
// the same message.
var ErrStreamTerminated = errors.New("stream terminated with error")

// ChunkSource yields raw chunk payloads. Next returns io.EOF after the last one.
type ChunkSource interface {
	Next(ctx context.Context) (json.RawMessage, error)
}

// Coder is implemented by errors carrying a machine-readable code.
type Coder interface {
	Code() string
}

// ErrorCode returns the code of err, or "" when it has none.
func ErrorCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// IdempotencyKey returns the producer key of an agent-authored message.
func IdempotencyKey(sessionID, messageID string) string {
	return "agent-" + sessionID + "-" + messageID
}

// WriteOption customizes a WriteStream call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	prefix []json.RawMessage
}

// WithPrefix writes payloads ahead of the first chunk of the source. They are
// skipped when the source yields nothing.
func WithPrefix(payloads ...json.RawMessage) WriteOption {
	return func(o *writeOptions) {
		o.prefix = append(o.prefix, payloads...)
	}
}

// chunkWriter appends the chunks of one agent message with gapless seq.
type chunkWriter struct {
	host      *Host
	messageID string
	producer  chunklog.Producer
	ctx       context.Context
	seq       int
	err       error
}

func (w *chunkWriter) write(payload json.RawMessage) bool {
	if w.err != nil {
		return false
	}
	c := &v1.Chunk{
		SessionID: w.host.sessionID,
		MessageID: w.messageID,
		ActorID:   v1.ActorAgent,
		Role:      v1.RoleAssistant,
		Seq:       w.seq,
		Chunk:     payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.producer.Append(w.ctx, c); err != nil {
		w.err = err
		return false
	}
	w.seq++
	return true
}

func (w *chunkWriter) writeTerminal(text, code string) {
	w.write(v1.MustMarshalPayload(v1.ErrorChunk{ErrorText: text, Code: code}))
	w.write(v1.MustMarshalPayload(v1.Abort{}))
}

func (h *Host) newWriter(ctx context.Context, messageID string) *chunkWriter {
	h.mu.Lock()
	h.written[messageID] = struct{}{}
	h.mu.Unlock()
	return &chunkWriter{
		host:      h,
		messageID: messageID,
		producer:  h.log.NewProducer(h.sessionID, IdempotencyKey(h.sessionID, messageID), h.producerOpts),
		// Appends outlive cancellation so terminal markers still land.
		ctx: context.WithoutCancel(ctx),
	}
}

// finish flushes and detaches the producer and reports the first producer error.
func (w *chunkWriter) finish() error {
	flushCtx, cancel := context.WithTimeout(w.ctx, w.host.flushTimeout)
	defer cancel()
	if err := w.producer.Flush(flushCtx); err != nil && w.err == nil {
		w.err = err
	}
	if err := w.producer.Detach(); err != nil {
		w.host.logger.Warn("failed to detach producer", zap.Error(err))
	}
	return w.err
}

// WriteStream drains src into the message messageID. The stream always ends
// with a terminal marker: abort when ctx is cancelled, error+abort when the
// source yields nothing or fails, otherwise the source's own last chunk.
//
// A producer failure is emitted as an error event and returned unless ctx
// was cancelled. A source failure is written to the stream and returned
// wrapped in ErrStreamTerminated.
func (h *Host) WriteStream(ctx context.Context, messageID string, src ChunkSource, opts ...WriteOption) (err error) {
	if h.State() == StateStopped {
		return ErrStopped
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracing.TraceStreamWrite(ctx, h.sessionID, messageID)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	w := h.newWriter(ctx, messageID)
	produced := 0
	var srcErr error

	for ctx.Err() == nil {
		payload, nextErr := src.Next(ctx)
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			srcErr = nextErr
			break
		}
		if produced == 0 {
			for _, p := range o.prefix {
				w.write(p)
			}
		}
		if !w.write(payload) {
			break
		}
		produced++
	}

	cancelled := ctx.Err() != nil
	switch {
	case w.err != nil:
	case cancelled:
		w.write(v1.MustMarshalPayload(v1.Abort{}))
	case srcErr != nil:
		w.writeTerminal(srcErr.Error(), ErrorCode(srcErr))
	case produced == 0:
		w.writeTerminal(NoResponseText, "")
	}

	if prodErr := w.finish(); prodErr != nil {
		h.logger.Error("failed to write agent stream",
			zap.String("message_id", messageID),
			zap.Int("written", w.seq),
			zap.Error(prodErr))
		h.emit(Event{Type: EventError, MessageID: messageID, Err: prodErr})
		if cancelled {
			return nil
		}
		return fmt.Errorf("write stream %s: %w", messageID, prodErr)
	}

	if srcErr != nil && !cancelled {
		return fmt.Errorf("%w: %w", ErrStreamTerminated, srcErr)
	}
	return nil
}

// WriteTerminalError writes an error chunk and an abort chunk as a new
// message, for failures that happen before any stream was written.
func (h *Host) WriteTerminalError(ctx context.Context, messageID, errorText, code string) error {
	if h.State() == StateStopped {
		return ErrStopped
	}
	w := h.newWriter(ctx, messageID)
	w.writeTerminal(errorText, code)
	if err := w.finish(); err != nil {
		h.emit(Event{Type: EventError, MessageID: messageID, Err: err})
		return fmt.Errorf("write terminal error %s: %w", messageID, err)
	}
	return nil
}
