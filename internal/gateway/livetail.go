package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/kandev/agentstream/internal/common/errors"
	"github.com/kandev/agentstream/internal/session/host"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
	ws "github.com/kandev/agentstream/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventView is the wire form of a host event.
type eventView struct {
	Type         host.EventType      `json:"type"`
	SessionID    string              `json:"session_id"`
	MessageID    string              `json:"message_id,omitempty"`
	CreatedAt    *time.Time          `json:"created_at,omitempty"`
	Catchup      bool                `json:"catchup,omitempty"`
	Message      *v1.UIMessage       `json:"message,omitempty"`
	Metadata     *v1.MessageMetadata `json:"metadata,omitempty"`
	ToolOutput   *v1.ToolOutput      `json:"tool_output,omitempty"`
	ToolApproval *v1.ToolApproval    `json:"tool_approval,omitempty"`
	Error        string              `json:"error,omitempty"`
}

func toEventView(sessionID string, ev host.Event) eventView {
	view := eventView{
		Type:         ev.Type,
		SessionID:    sessionID,
		MessageID:    ev.MessageID,
		Catchup:      ev.Catchup,
		Message:      ev.Message,
		Metadata:     ev.Metadata,
		ToolOutput:   ev.ToolOutput,
		ToolApproval: ev.ToolApproval,
	}
	if !ev.CreatedAt.IsZero() {
		t := ev.CreatedAt
		view.CreatedAt = &t
	}
	if ev.Err != nil {
		view.Error = ev.Err.Error()
	}
	return view
}

// httpStreamSession upgrades to a websocket and forwards the live events of
// a watched session until either side goes away.
func (g *Gateway) httpStreamSession(c *gin.Context) {
	sessionID := c.Param("id")
	w, ok := g.manager.Watcher(sessionID)
	if !ok {
		g.writeError(c, apperrors.NotFound("session", sessionID))
		return
	}
	events, cancel, ok := w.Subscribe()
	if !ok {
		g.writeError(c, apperrors.ServiceUnavailable("session "+sessionID))
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade live tail connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	log := g.logger.WithSessionID(sessionID)
	log.Debug("live tail connected", zap.String("remote_addr", c.Request.RemoteAddr))

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = conn.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "session host stopped"))
				return
			}
			msg, err := ws.NewNotification(ws.ActionSessionEvent, toEventView(sessionID, ev))
			if err != nil {
				log.Error("failed to encode session event", zap.Error(err))
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("live tail write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debug("live tail disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readPump discards client frames; it only keeps pongs flowing and notices
// when the peer closes.
func readPump(conn *gorillaws.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
