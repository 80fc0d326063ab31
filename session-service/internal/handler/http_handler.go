package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/middleware"
	"github.com/weiawesome/wes-io-live-session/pkg/response"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Handler handles HTTP requests for session service.
type Handler struct {
	sessions       SessionService
	presence       PresenceService
	history        HistoryStore
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler. history may be nil.
func NewHandler(sessions SessionService, presence PresenceService, history HistoryStore, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		sessions:       sessions,
		presence:       presence,
		history:        history,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		streams := api.Group("/streams")
		{
			// Public routes
			streams.GET("/:channel_id", h.GetStreamStatus)
			streams.GET("/:channel_id/viewers", h.GetViewers)
			streams.GET("/:channel_id/history", h.GetHistory)

			// Protected routes
			streams.POST("/start", h.authMiddleware.RequireAuth(), h.StartSession)
			streams.POST("/stop", h.authMiddleware.RequireAuth(), h.StopSession)
			streams.POST("/ping", h.authMiddleware.RequireAuth(), h.Ping)
		}
	}
}

// StartSession starts (or supersedes) the live session of a channel.
func (h *Handler) StartSession(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req domain.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind start session request")
		response.BadRequest(c, err.Error())
		return
	}

	res, err := h.sessions.StartSession(ctx, req.ChannelID, req.SessionID, middleware.GetUserID(c))
	if err != nil {
		h.writeError(c, err, "failed to start session")
		return
	}

	response.Success(c, domain.StartSessionResponse{
		ChannelID:  req.ChannelID,
		SessionID:  res.Record.SessionID(),
		Refreshed:  res.Refreshed,
		Superseded: res.Superseded,
	})
}

// StopSession stops the live session of a channel.
func (h *Handler) StopSession(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req domain.StopSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind stop session request")
		response.BadRequest(c, err.Error())
		return
	}

	stopped, err := h.sessions.StopSession(ctx, req.ChannelID, req.SessionID, middleware.GetUserID(c))
	if err != nil {
		h.writeError(c, err, "failed to stop session")
		return
	}

	response.Success(c, domain.StopSessionResponse{
		Stopped: stopped != nil,
		Session: stopped,
	})
}

// Ping refreshes the broadcaster's heartbeat and returns the reconciled
// viewer count.
func (h *Handler) Ping(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req domain.PingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind ping request")
		response.BadRequest(c, err.Error())
		return
	}

	counts, err := h.sessions.Heartbeat(ctx, req.ChannelID, req.SessionID, middleware.GetUserID(c))
	if err != nil {
		h.writeError(c, err, "failed to refresh session")
		return
	}
	response.Success(c, counts)
}

// GetStreamStatus returns whether a channel is live.
func (h *Handler) GetStreamStatus(c *gin.Context) {
	ctx := c.Request.Context()

	status, err := h.sessions.GetStreamStatus(ctx, c.Param("channel_id"))
	if err != nil {
		h.writeError(c, err, "failed to get stream status")
		return
	}
	response.Success(c, status)
}

// GetViewers returns the real-time viewer counts of a channel.
func (h *Handler) GetViewers(c *gin.Context) {
	response.Success(c, h.presence.Counts(c.Param("channel_id")))
}

// GetHistory lists the channel's ended sessions, newest first.
func (h *Handler) GetHistory(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("channel_id")

	if h.history == nil {
		response.NotFound(c, "session history is disabled")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit < 1 {
		response.BadRequest(c, "limit must be a positive integer")
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	sessions, err := h.history.List(ctx, channelID, limit)
	if err != nil {
		h.writeError(c, err, "failed to list session history")
		return
	}
	response.Success(c, domain.HistoryResponse{ChannelID: channelID, Sessions: sessions})
}

func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		response.BadRequest(c, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(c, "channel not found")
	case errors.Is(err, domain.ErrUnauthorized):
		response.Forbidden(c, err.Error())
	case errors.Is(err, domain.ErrConflict):
		response.Conflict(c, err.Error())
	case errors.Is(err, domain.ErrStreamNotActive):
		response.StreamNotActive(c, "stream is not active")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		response.ServiceUnavailable(c, "media service unavailable")
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg(msg)
		response.InternalError(c, msg)
	}
}
