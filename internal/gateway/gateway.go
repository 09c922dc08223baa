// Package gateway exposes the agent manager over HTTP: status, control
// signals and a websocket live tail of session events.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/chunklog"
	apperrors "github.com/kandev/agentstream/internal/common/errors"
	"github.com/kandev/agentstream/internal/common/httpmw"
	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/orchestrator"
	"github.com/kandev/agentstream/internal/orchestrator/watcher"
)

const serverName = "agentstream-api"

// Manager is the orchestrator surface the gateway serves.
type Manager interface {
	Sessions() []orchestrator.SessionStatus
	Watcher(sessionID string) (*watcher.Watcher, bool)
	Identity() orchestrator.Identity
	Restart(ctx context.Context, identity orchestrator.Identity) error
}

// Gateway holds the HTTP handlers.
type Gateway struct {
	manager Manager
	log     chunklog.Client
	logger  *logger.Logger
}

// New creates a gateway.
func New(manager Manager, log chunklog.Client, l *logger.Logger) *Gateway {
	return &Gateway{
		manager: manager,
		log:     log,
		logger:  l.WithFields(zap.String("component", "gateway")),
	}
}

// NewRouter builds a gin engine with the shared middleware and every route.
func NewRouter(g *Gateway, l *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(l, serverName))
	g.SetupRoutes(router)
	return router
}

// SetupRoutes registers the gateway routes.
func (g *Gateway) SetupRoutes(router gin.IRouter) {
	router.GET("/health", g.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/identity", g.httpGetIdentity)
	api.PUT("/identity", g.httpSetIdentity)
	api.GET("/sessions", g.httpListSessions)
	api.POST("/sessions/:id/abort", g.httpAbortSession)
	api.GET("/sessions/:id/stream", g.httpStreamSession)
}

func (g *Gateway) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "agentstream",
		"sessions": len(g.manager.Sessions()),
	})
}

func (g *Gateway) writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("request failed", err)
	}
	status := apperrors.GetHTTPStatus(appErr)
	switch {
	case status >= http.StatusInternalServerError:
		g.logger.Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	case apperrors.IsNotFound(appErr):
		g.logger.Debug("resource not found", zap.String("path", c.Request.URL.Path))
	}
	c.JSON(status, gin.H{"error": appErr})
}
