package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/hub"
	"github.com/fireside-chat/fireside/internal/service"
	"github.com/fireside-chat/fireside/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades connections and speaks the chat protocol.
type WSHandler struct {
	service service.ChatService
	wsCfg   hub.Config
}

func NewWSHandler(svc service.ChatService, wsCfg hub.Config) *WSHandler {
	return &WSHandler{
		service: svc,
		wsCfg:   wsCfg,
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/chat/ws", h.HandleWebSocket)
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), conn, h.wsCfg)

	go client.WritePump()
	go client.ReadPump(h.handleMessage, h.handleClose)
}

// clientContext carries a logger tagged with the connection's ID; the
// websocket protocol has no per-request context to inherit.
func (h *WSHandler) clientContext(client *hub.Client) context.Context {
	l := log.L().With().Str(log.FieldSubscriberID, client.ID).Logger()
	return log.WithLogger(context.Background(), l)
}

func (h *WSHandler) handleClose(client *hub.Client) {
	if err := h.service.HandleDisconnect(h.clientContext(client), client); err != nil {
		l := log.L()
		l.Debug().Err(err).Str(log.FieldSubscriberID, client.ID).Msg("disconnect cleanup")
	}
}

func (h *WSHandler) handleMessage(client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendJSON(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	ctx := h.clientContext(client)

	switch base.Type {
	case domain.MsgTypeAuth:
		var msg domain.AuthMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendJSON(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid auth message"))
			return
		}
		if err := h.service.HandleAuth(ctx, client, msg.Token); err != nil {
			l := log.L()
			l.Debug().Err(err).Str(log.FieldSubscriberID, client.ID).Msg("auth failed")
		}

	case domain.MsgTypeJoinRoom:
		var msg domain.JoinRoomMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendJSON(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid join_room message"))
			return
		}
		if msg.RoomID == "" {
			client.SendJSON(domain.NewErrorMessage(domain.ErrCodeBadRequest, "room_id is required"))
			return
		}
		if err := h.service.HandleJoinRoom(ctx, client, msg.RoomID, msg.LastSeenID); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldSubscriberID, client.ID).Msg("join room failed")
		}

	case domain.MsgTypeChatMessage:
		var msg domain.ChatMessageWS
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendJSON(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid chat_message"))
			return
		}
		if err := h.service.HandleChatMessage(ctx, client, msg.Body); err != nil {
			l := log.L()
			l.Debug().Err(err).Str(log.FieldSubscriberID, client.ID).Msg("chat message rejected")
		}

	case domain.MsgTypeLeaveRoom:
		if err := h.service.HandleLeaveRoom(ctx, client); err != nil {
			l := log.L()
			l.Debug().Err(err).Str(log.FieldSubscriberID, client.ID).Msg("leave room failed")
		}

	case domain.MsgTypePing:
		client.SendJSON(map[string]string{"type": domain.MsgTypePong})

	default:
		client.SendJSON(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}
}
