package service

import (
	"context"

	"github.com/fireside-chat/fireside/internal/hub"
)

// ChatService handles the websocket protocol on top of the broadcast
// engine.
type ChatService interface {
	HandleAuth(ctx context.Context, client *hub.Client, token string) error
	HandleJoinRoom(ctx context.Context, client *hub.Client, roomID, lastSeenID string) error
	HandleChatMessage(ctx context.Context, client *hub.Client, body string) error
	HandleLeaveRoom(ctx context.Context, client *hub.Client) error
	HandleDisconnect(ctx context.Context, client *hub.Client) error
}
