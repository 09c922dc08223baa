package chunklog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/config"
	"github.com/kandev/agentstream/internal/common/logger"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

// duplicateWindow is how long JetStream remembers Nats-Msg-Id values. A
// retried append inside this window is stored once.
const duplicateWindow = 2 * time.Minute

var errDisconnected = errors.New("nats connection lost")

// JetStream is a chunk log backed by a NATS JetStream stream. Each session is
// one subject under the configured prefix.
type JetStream struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	stream         string
	subjectPrefix  string
	historyTimeout time.Duration
	logger         *logger.Logger

	mu   sync.Mutex
	subs map[*jetStreamSubscription]struct{}
}

// NewJetStream connects to NATS and makes sure the chunk stream exists.
func NewJetStream(natsCfg config.NATSConfig, logCfg config.ChunkLogConfig, log *logger.Logger) (*JetStream, error) {
	j := &JetStream{
		stream:         logCfg.Stream,
		subjectPrefix:  logCfg.SubjectPrefix,
		historyTimeout: logCfg.HistoryTimeoutDuration(),
		logger:         log.WithFields(zap.String("component", "chunklog-jetstream")),
		subs:           make(map[*jetStreamSubscription]struct{}),
	}

	opts := []nats.Option{
		nats.Name(natsCfg.ClientID),
		nats.MaxReconnects(natsCfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				j.logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				j.logger.Info("NATS disconnected")
				err = errDisconnected
			}
			j.notifyDisconnect(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			j.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				j.logger.Error("NATS connection closed", zap.Error(err))
			} else {
				j.logger.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			j.logger.Error("NATS error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(natsCfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream(nats.PublishAsyncMaxPending(max(logCfg.Window, 1) * 4))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}
	j.conn = conn
	j.js = js

	if err := j.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	j.logger.Info("Connected to NATS JetStream",
		zap.String("url", natsCfg.URL),
		zap.String("stream", j.stream))
	return j, nil
}

func (j *JetStream) ensureStream() error {
	_, err := j.js.StreamInfo(j.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", j.stream, err)
	}
	_, err = j.js.AddStream(&nats.StreamConfig{
		Name:       j.stream,
		Subjects:   []string{j.subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: duplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", j.stream, err)
	}
	j.logger.Info("Created chunk stream", zap.String("stream", j.stream))
	return nil
}

func (j *JetStream) subject(sessionID string) string {
	return j.subjectPrefix + "." + sessionID
}

// History replays a session's subject with an ordered consumer up to the
// stream sequence of its last message at call time.
func (j *JetStream) History(ctx context.Context, sessionID string) ([]*v1.Chunk, uint64, error) {
	subject := j.subject(sessionID)

	last, err := j.js.GetLastMsg(j.stream, subject, nats.Context(ctx))
	if errors.Is(err, nats.ErrMsgNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read last chunk of %s: %w", sessionID, err)
	}
	target := last.Sequence

	sub, err := j.js.SubscribeSync(subject, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to replay %s: %w", sessionID, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	ctx, cancel := context.WithTimeout(ctx, j.historyTimeout)
	defer cancel()

	var chunks []*v1.Chunk
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to replay %s: %w", sessionID, err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read chunk metadata: %w", err)
		}
		if c, ok := j.decode(msg, meta.Sequence.Stream); ok {
			chunks = append(chunks, c)
		}
		if meta.Sequence.Stream >= target {
			return chunks, target, nil
		}
	}
}

// Subscribe starts an ordered push consumer right after the cursor.
func (j *JetStream) Subscribe(_ context.Context, sessionID string, after uint64, h Handlers) (Subscription, error) {
	start := nats.DeliverAll()
	if after > 0 {
		start = nats.StartSequence(after + 1)
	}

	jsub := &jetStreamSubscription{owner: j, handlers: h}
	sub, err := j.js.Subscribe(j.subject(sessionID), func(msg *nats.Msg) {
		meta, err := msg.Metadata()
		if err != nil {
			return
		}
		if c, ok := j.decode(msg, meta.Sequence.Stream); ok && h.OnChunk != nil {
			h.OnChunk(c)
		}
	}, nats.OrderedConsumer(), start)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", sessionID, err)
	}
	jsub.sub = sub

	j.mu.Lock()
	j.subs[jsub] = struct{}{}
	j.mu.Unlock()

	j.logger.Debug("Subscribed to session chunks",
		zap.String("session_id", sessionID),
		zap.Uint64("after", after))
	return jsub, nil
}

func (j *JetStream) decode(msg *nats.Msg, offset uint64) (*v1.Chunk, bool) {
	var c v1.Chunk
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		j.logger.Debug("Skipping undecodable chunk",
			zap.String("subject", msg.Subject),
			zap.Uint64("offset", offset),
			zap.Error(err))
		return nil, false
	}
	c.Offset = offset
	return &c, true
}

// NewProducer creates a batching producer that publishes asynchronously.
func (j *JetStream) NewProducer(sessionID, idempotencyKey string, opts ProducerOptions) Producer {
	return newBatchProducer(j, sessionID, idempotencyKey, opts, j.logger)
}

// Publish appends c and waits for the stream acknowledgement.
func (j *JetStream) Publish(ctx context.Context, c *v1.Chunk) error {
	stamp(c, c.SessionID)
	msg, err := j.newMsg(c)
	if err != nil {
		return err
	}
	if _, err := j.js.PublishMsg(msg, nats.MsgId(MessageID(c.MessageID, c.Seq)), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish chunk: %w", err)
	}
	return nil
}

func (j *JetStream) newMsg(c *v1.Chunk) (*nats.Msg, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk: %w", err)
	}
	msg := nats.NewMsg(j.subject(c.SessionID))
	msg.Data = data
	return msg, nil
}

func (j *JetStream) sendBatch(ctx context.Context, batch []outbound) error {
	futures := make([]nats.PubAckFuture, 0, len(batch))
	for _, ob := range batch {
		msg, err := j.newMsg(ob.chunk)
		if err != nil {
			return err
		}
		f, err := j.js.PublishMsgAsync(msg, nats.MsgId(ob.msgID))
		if err != nil {
			return fmt.Errorf("failed to publish chunk %s: %w", ob.msgID, err)
		}
		futures = append(futures, f)
	}

	for i, f := range futures {
		select {
		case ack := <-f.Ok():
			if ack.Duplicate {
				j.logger.Debug("Chunk already stored", zap.String("msg_id", batch[i].msgID))
			}
		case err := <-f.Err():
			return fmt.Errorf("chunk %s not acknowledged: %w", batch[i].msgID, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (j *JetStream) notifyDisconnect(err error) {
	j.mu.Lock()
	subs := make([]*jetStreamSubscription, 0, len(j.subs))
	for s := range j.subs {
		subs = append(subs, s)
	}
	j.mu.Unlock()

	for _, s := range subs {
		if s.handlers.OnDisconnect != nil {
			s.handlers.OnDisconnect(err)
		}
	}
}

// Close drains the connection.
func (j *JetStream) Close() error {
	if j.conn == nil {
		return nil
	}
	if err := j.conn.Drain(); err != nil {
		j.logger.Warn("Error draining NATS connection", zap.Error(err))
		j.conn.Close()
	}
	return nil
}

type jetStreamSubscription struct {
	owner    *JetStream
	sub      *nats.Subscription
	handlers Handlers
}

func (s *jetStreamSubscription) Unsubscribe() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
