package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/engine"
	"github.com/fireside-chat/fireside/internal/middleware"
	"github.com/fireside-chat/fireside/pkg/log"
)

const sseHeartbeatInterval = 5 * time.Second

// SSEHandler serves a room's live feed as a text/event-stream, for
// server-rendered pages that prefer SSE over a websocket.
type SSEHandler struct {
	engine *engine.Engine
}

func NewSSEHandler(eng *engine.Engine) *SSEHandler {
	return &SSEHandler{engine: eng}
}

func (h *SSEHandler) RegisterRoutes(r *gin.Engine, auth *middleware.AuthMiddleware) {
	r.GET("/api/v1/rooms/:room_id/live", auth.RequireAuth(), h.StreamRoom)
}

// StreamRoom attaches a subscription for the caller and relays its feed
// until the client disconnects. The optional since query parameter
// backfills messages missed since the client last saw the room.
func (h *SSEHandler) StreamRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()

	// One subscription per stream; closing it detaches the handle from
	// the registry.
	sub := h.engine.Subscribe(roomID, uuid.New().String())
	defer sub.Close()

	// The missed span is recovered by the loop's catch-up path, batch by
	// batch, before live queue delivery.
	if since := c.Query("since"); since != "" {
		sub.ResumeFrom(since)
	}

	for {
		recovered, err := h.engine.CatchUp(ctx, sub)
		if err != nil {
			// The gap stays flagged; the heartbeat wait below paces the
			// retry.
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("gap catch-up failed")
		}
		if len(recovered) > 0 {
			h.writeEvent(c, flusher, domain.MsgTypeGap, &domain.GapMessage{
				Type:      domain.MsgTypeGap,
				RoomID:    roomID,
				Recovered: recovered,
			})
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, sseHeartbeatInterval)
		msg, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			h.writeEvent(c, flusher, domain.MsgTypeMessage, &domain.MessageOut{
				Type:    domain.MsgTypeMessage,
				Message: msg,
			})
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Keep intermediaries from timing out an idle stream.
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		default:
			// Client gone or subscription closed.
			return
		}
	}
}

func (h *SSEHandler) writeEvent(c *gin.Context, flusher http.Flusher, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
