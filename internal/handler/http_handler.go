package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/engine"
	"github.com/fireside-chat/fireside/internal/history"
	"github.com/fireside-chat/fireside/internal/middleware"
	"github.com/fireside-chat/fireside/pkg/log"
	"github.com/fireside-chat/fireside/pkg/response"
)

const (
	defaultLimit = 25
	maxLimit     = 100
)

// HTTPHandler exposes posting and history over REST.
type HTTPHandler struct {
	engine  *engine.Engine
	history *history.Service
}

func NewHTTPHandler(eng *engine.Engine, hist *history.Service) *HTTPHandler {
	return &HTTPHandler{
		engine:  eng,
		history: hist,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, auth *middleware.AuthMiddleware, limiter *middleware.PerUserLimiter) {
	api := r.Group("/api/v1")
	{
		api.POST("/rooms/:room_id/messages", auth.RequireAuth(), limiter.Middleware(), h.PostMessage)
		api.GET("/rooms/:room_id/messages", auth.RequireAuth(), h.GetMessages)
		api.GET("/rooms/:room_id/messages/since", auth.RequireAuth(), h.GetMessagesSince)
	}

	r.GET("/health", h.HealthCheck)
}

type postMessageRequest struct {
	Body string `json:"body"`
}

// PostMessage persists one message and fans it out to the room's live
// subscribers.
func (h *HTTPHandler) PostMessage(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		response.BadRequest(c, "room_id is required")
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}

	msg, err := h.engine.Post(
		c.Request.Context(),
		roomID,
		middleware.GetUserID(c),
		middleware.GetUsername(c),
		req.Body,
	)
	if err != nil {
		if domain.IsValidation(err) {
			response.BadRequest(c, err.Error())
			return
		}
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("post failed")
		response.InternalError(c, "failed to post message")
		return
	}

	response.Created(c, msg)
}

// GetMessages pages through a room's transcript.
func (h *HTTPHandler) GetMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		response.BadRequest(c, "room_id is required")
		return
	}

	cursor := c.Query("cursor")
	direction := c.DefaultQuery("direction", "backward")
	if direction != "backward" && direction != "forward" {
		response.BadRequest(c, "direction must be 'backward' or 'forward'")
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		response.BadRequest(c, "limit must be a positive integer")
		return
	}

	page, err := h.history.GetPage(c.Request.Context(), roomID, cursor, limit, direction)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("history page failed")
		response.InternalError(c, "failed to get chat history")
		return
	}

	response.Success(c, page)
}

// GetMessagesSince returns everything persisted after a given message,
// oldest first. Used by clients recovering from a missed span.
func (h *HTTPHandler) GetMessagesSince(c *gin.Context) {
	roomID := c.Param("room_id")
	sinceID := c.Query("since")
	if roomID == "" || sinceID == "" {
		response.BadRequest(c, "room_id and since are required")
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		response.BadRequest(c, "limit must be a positive integer")
		return
	}

	messages, err := h.engine.History(c.Request.Context(), roomID, sinceID, limit)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("range since failed")
		response.InternalError(c, "failed to get messages")
		return
	}

	response.Success(c, messages)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func parseLimit(c *gin.Context) (int, bool) {
	limit := defaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return 0, false
		}
		limit = parsed
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	return limit, true
}
