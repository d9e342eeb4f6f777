package service

import (
	"context"
	"fmt"

	"github.com/fireside-chat/fireside/internal/audit"
	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/engine"
	"github.com/fireside-chat/fireside/internal/hub"
	"github.com/fireside-chat/fireside/internal/middleware"
	"github.com/fireside-chat/fireside/pkg/jwt"
	"github.com/fireside-chat/fireside/pkg/log"
)

type chatService struct {
	engine  *engine.Engine
	tokens  *jwt.Manager
	limiter *middleware.PerUserLimiter
}

func NewChatService(eng *engine.Engine, tokens *jwt.Manager, limiter *middleware.PerUserLimiter) ChatService {
	return &chatService{
		engine:  eng,
		tokens:  tokens,
		limiter: limiter,
	}
}

func (s *chatService) HandleAuth(ctx context.Context, c *hub.Client, token string) error {
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		audit.Log(ctx, audit.ActionAuthFailed, "", "websocket auth rejected")
		c.SendJSON(&domain.AuthResultMessage{
			Type:    domain.MsgTypeAuthResult,
			Success: false,
			Message: "invalid token",
		})
		return fmt.Errorf("invalid token: %w", err)
	}

	c.Session.Authenticate(claims.UserID, claims.Username)
	audit.Log(ctx, audit.ActionAuth, claims.UserID, "websocket authenticated")

	return c.SendJSON(&domain.AuthResultMessage{
		Type:     domain.MsgTypeAuthResult,
		Success:  true,
		UserID:   claims.UserID,
		Username: claims.Username,
	})
}

func (s *chatService) HandleJoinRoom(ctx context.Context, c *hub.Client, roomID, lastSeenID string) error {
	if !c.Session.IsAuthenticated() {
		return c.SendJSON(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "Not authenticated"))
	}

	// Leave current room if any.
	if c.Session.IsInRoom() {
		s.leaveInternal(ctx, c)
	}

	sub := s.engine.Subscribe(roomID, c.ID)
	c.Session.JoinRoom(roomID)

	// Backfill everything the client missed since it last saw the room.
	// Seeding the watermark and flagging the span hands the fetch to the
	// feed's recovery path, which delivers gap batches over the blocking
	// write and skips any queued overlap.
	if lastSeenID != "" {
		sub.ResumeFrom(lastSeenID)
	}

	c.StartFeed(s.engine, sub)

	audit.LogWithDetail(ctx, audit.ActionJoinRoom, c.Session.GetUserID(), roomID, "joined room")

	return c.SendJSON(&domain.RoomJoinedMessage{
		Type:   domain.MsgTypeRoomJoined,
		RoomID: roomID,
	})
}

func (s *chatService) HandleChatMessage(ctx context.Context, c *hub.Client, body string) error {
	if !c.Session.IsAuthenticated() {
		return c.SendJSON(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "Not authenticated"))
	}
	if !c.Session.IsInRoom() {
		return c.SendJSON(domain.NewErrorMessage(domain.ErrCodeNotInRoom, "Not in a room"))
	}

	userID := c.Session.GetUserID()
	if s.limiter != nil && !s.limiter.Allow(userID) {
		return c.SendJSON(domain.NewErrorMessage(domain.ErrCodeRateLimited, "Too many messages"))
	}

	roomID := c.Session.Room()
	msg, err := s.engine.Post(ctx, roomID, userID, c.Session.GetUsername(), body)
	if err != nil {
		if domain.IsValidation(err) {
			return c.SendJSON(domain.NewErrorMessage(domain.ErrCodeBadRequest, err.Error()))
		}
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("post failed")
		return c.SendJSON(domain.NewErrorMessage(domain.ErrCodeInternalError, "Failed to send message"))
	}

	audit.LogWithDetail(ctx, audit.ActionSendMessage, userID, msg.ID, "message posted")
	return nil
}

func (s *chatService) HandleLeaveRoom(ctx context.Context, c *hub.Client) error {
	if !c.Session.IsInRoom() {
		return nil
	}
	return s.leaveInternal(ctx, c)
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	audit.Log(ctx, audit.ActionDisconnect, c.Session.GetUserID(), "connection closed")
	if !c.Session.IsInRoom() {
		c.StopFeed()
		return nil
	}
	return s.leaveInternal(ctx, c)
}

func (s *chatService) leaveInternal(ctx context.Context, c *hub.Client) error {
	roomID := c.Session.Room()
	if roomID == "" {
		return nil
	}

	// Closing the feed closes the subscription, which unregisters the
	// handle from the room registry.
	c.StopFeed()
	c.Session.LeaveRoom()

	audit.LogWithDetail(ctx, audit.ActionLeaveRoom, c.Session.GetUserID(), roomID, "left room")
	return nil
}
