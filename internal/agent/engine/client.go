package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/logger"
	ws "github.com/kandev/agentstream/pkg/websocket"
)

// runResponse is the payload of a successful run/approve/tool_result response.
type runResponse struct {
	RunID string `json:"runId"`
}

// chunkPayload is the payload of an agent.chunk notification.
type chunkPayload struct {
	Chunk json.RawMessage `json:"chunk"`
}

// donePayload is the payload of an agent.done notification.
type donePayload struct {
	Error *ws.ErrorPayload `json:"error,omitempty"`
}

// Client talks to the engine over websocket. Every run gets its own
// connection, which carries the request, its response and then the run's
// chunk notifications until agent.done.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *logger.Logger
}

// NewClient creates an engine client for the given websocket URL.
func NewClient(url string, log *logger.Logger) *Client {
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "engine-client")),
	}
}

// Run starts a new run.
func (c *Client) Run(ctx context.Context, req RunRequest) (*Run, error) {
	return c.open(ctx, ws.ActionAgentRun, req.SessionID, req)
}

// Approve answers a pending tool approval.
func (c *Client) Approve(ctx context.Context, req ApproveRequest) (*Run, error) {
	return c.open(ctx, ws.ActionAgentApprove, req.SessionID, req)
}

// SubmitToolResult hands a client-executed tool result to a paused run.
func (c *Client) SubmitToolResult(ctx context.Context, req ToolResultRequest) (*Run, error) {
	return c.open(ctx, ws.ActionAgentToolResult, req.SessionID, req)
}

func (c *Client) open(ctx context.Context, action, sessionID string, payload interface{}) (*Run, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent engine: %w", err)
	}

	reqID := uuid.New().String()
	msg, err := ws.NewRequest(reqID, action, payload)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create request message: %w", err)
	}
	// Trace context travels in the envelope metadata.
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.EnsureMetadata()))

	data, err := json.Marshal(msg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	s := newStream(conn, c.logger.WithFields(zap.String("session_id", sessionID), zap.String("action", action)))
	if err := s.write(data); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	resp, err := s.awaitResponse(ctx, reqID)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var rr runResponse
	if err := resp.ParsePayload(&rr); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to parse %s response: %w", action, err)
	}
	if rr.RunID == "" {
		_ = s.Close()
		return nil, &Error{Code: "invalid_response", Message: action + " response carried no run id"}
	}

	c.logger.Debug("engine run started",
		zap.String("session_id", sessionID),
		zap.String("action", action),
		zap.String("run_id", rr.RunID))
	return &Run{RunID: rr.RunID, Stream: s}, nil
}

// wsStream reads envelope messages from a run's connection in its own
// goroutine so Next can honour context cancellation.
type wsStream struct {
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu sync.Mutex
	msgs    chan *ws.Message
	done    chan struct{}
	readErr error

	closeOnce sync.Once
	finished  bool
}

func newStream(conn *websocket.Conn, log *logger.Logger) *wsStream {
	s := &wsStream{
		conn:   conn,
		logger: log,
		msgs:   make(chan *ws.Message, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsStream) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) readLoop() {
	defer close(s.msgs)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.readErr = err
			}
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("failed to parse engine message", zap.Error(err))
			continue
		}
		select {
		case s.msgs <- &msg:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) recv(ctx context.Context) (*ws.Message, error) {
	select {
	case msg, ok := <-s.msgs:
		if !ok {
			if s.readErr != nil {
				return nil, fmt.Errorf("agent engine connection lost: %w", s.readErr)
			}
			return nil, io.ErrUnexpectedEOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *wsStream) awaitResponse(ctx context.Context, reqID string) (*ws.Message, error) {
	for {
		msg, err := s.recv(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ID != reqID {
			continue
		}
		if msg.Type == ws.MessageTypeError {
			return nil, errorFromMessage(msg)
		}
		return msg, nil
	}
}

// Next returns the next output chunk, io.EOF after agent.done, or the
// engine's error when the run failed.
func (s *wsStream) Next(ctx context.Context) (json.RawMessage, error) {
	if s.finished {
		return nil, io.EOF
	}
	for {
		msg, err := s.recv(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Type == ws.MessageTypeError {
			s.finished = true
			return nil, errorFromMessage(msg)
		}
		switch msg.Action {
		case ws.ActionAgentChunk:
			var p chunkPayload
			if err := msg.ParsePayload(&p); err != nil || len(p.Chunk) == 0 {
				s.logger.Debug("skipping malformed chunk notification", zap.Error(err))
				continue
			}
			return p.Chunk, nil
		case ws.ActionAgentDone:
			s.finished = true
			var p donePayload
			if err := msg.ParsePayload(&p); err == nil && p.Error != nil {
				return nil, &Error{Code: p.Error.Code, Message: p.Error.Message, Status: p.Error.Status}
			}
			return nil, io.EOF
		}
	}
}

// Close ends the run's connection. Closing a running stream cancels the run
// on the engine side.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func errorFromMessage(msg *ws.Message) error {
	var p ws.ErrorPayload
	if err := msg.ParsePayload(&p); err != nil {
		return &Error{Code: "unknown", Message: "unparseable engine error"}
	}
	return &Error{Code: p.Code, Message: p.Message, Status: p.Status}
}
