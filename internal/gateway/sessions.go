package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/agentstream/internal/common/errors"
	"github.com/kandev/agentstream/internal/orchestrator"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

type identityDTO struct {
	OrganizationID string `json:"organization_id"`
	DeviceID       string `json:"device_id"`
}

type listSessionsResponse struct {
	Sessions []orchestrator.SessionStatus `json:"sessions"`
	Total    int                          `json:"total"`
}

type abortResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

func (g *Gateway) httpGetIdentity(c *gin.Context) {
	id := g.manager.Identity()
	c.JSON(http.StatusOK, identityDTO{OrganizationID: id.OrganizationID, DeviceID: id.DeviceID})
}

func (g *Gateway) httpSetIdentity(c *gin.Context) {
	var body identityDTO
	if err := c.ShouldBindJSON(&body); err != nil {
		g.writeError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if body.OrganizationID == "" || body.DeviceID == "" {
		g.writeError(c, apperrors.BadRequest("organization_id and device_id are required"))
		return
	}
	identity := orchestrator.Identity{OrganizationID: body.OrganizationID, DeviceID: body.DeviceID}
	if err := g.manager.Restart(c.Request.Context(), identity); err != nil {
		g.writeError(c, apperrors.Wrap(err, "failed to restart agent manager"))
		return
	}
	g.logger.Info("identity changed",
		zap.String("organization_id", identity.OrganizationID),
		zap.String("device_id", identity.DeviceID))
	c.JSON(http.StatusOK, body)
}

func (g *Gateway) httpListSessions(c *gin.Context) {
	sessions := g.manager.Sessions()
	c.JSON(http.StatusOK, listSessionsResponse{Sessions: sessions, Total: len(sessions)})
}

// httpAbortSession appends a control/abort chunk to the session's log. The
// session's owner reacts to it like any other user signal, wherever it runs.
func (g *Gateway) httpAbortSession(c *gin.Context) {
	sessionID := c.Param("id")
	messageID := uuid.New().String()
	chunk := &v1.Chunk{
		SessionID: sessionID,
		MessageID: messageID,
		ActorID:   v1.ActorUser,
		Role:      v1.RoleUser,
		Chunk:     v1.MustMarshalPayload(v1.Control{Action: v1.ControlAbort}),
		CreatedAt: time.Now().UTC(),
	}
	if err := g.log.Publish(c.Request.Context(), chunk); err != nil {
		g.writeError(c, apperrors.Wrap(err, "failed to append abort signal"))
		return
	}
	g.logger.Info("abort requested",
		zap.String("session_id", sessionID),
		zap.String("message_id", messageID))
	c.JSON(http.StatusAccepted, abortResponse{SessionID: sessionID, MessageID: messageID})
}
