package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

const (
	actorContextKey          = "canvas_actor"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCanvasService  = errors.New("canvas service dependency required")
	errMissingSnapshotStream = errors.New("snapshot stream dependency required")
)

// CanvasService is the reducer surface exposed over HTTP.
type CanvasService interface {
	CreateCanvas(ctx context.Context, request canvas.CreateCanvasRequest) (canvas.CreateCanvasResult, error)
	Apply(ctx context.Context, canvasID canvas.CanvasID, expectedVersion int64, action canvas.Action) (canvas.ApplyResult, error)
	ProposeCards(ctx context.Context, canvasID canvas.CanvasID, request canvas.ProposeRequest) (canvas.ProposeResult, error)
	Snapshot(ctx context.Context, canvasID canvas.CanvasID) (canvas.Snapshot, error)
}

// TokenValidator authenticates requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Actor, error)
}

// SnapshotStream hands out per-canvas snapshot subscriptions.
type SnapshotStream interface {
	Subscribe(ctx context.Context, canvasID canvas.CanvasID) (<-chan canvas.Snapshot, func())
}

type Dependencies struct {
	Tokens            TokenValidator
	Canvases          CanvasService
	Snapshots         SnapshotStream
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Canvases == nil {
		return nil, errMissingCanvasService
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshotStream
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.Tokens,
		canvases:          deps.Canvases,
		snapshots:         deps.Snapshots,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	protected := router.Group("/canvases")
	protected.Use(handler.authorizeRequest)
	protected.POST("", handler.handleCreateCanvas)
	protected.POST("/:canvas_id/actions", handler.handleApplyAction)
	protected.POST("/:canvas_id/cards", requireRole(auth.RoleAgent), handler.handleProposeCards)
	protected.GET("/:canvas_id/snapshot", handler.handleSnapshot)
	protected.GET("/:canvas_id/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	canvases          CanvasService
	snapshots         SnapshotStream
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	actor, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(string(codeUnauthorized), "unauthorized", nil))
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func requireRole(role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok || actor.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody(string(codeForbidden), "requires the "+string(role)+" role", nil))
			return
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (auth.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return auth.Actor{}, false
	}
	actor, ok := value.(auth.Actor)
	return actor, ok
}
