package store

import (
	"context"

	"github.com/fireside-chat/fireside/internal/domain"
)

// Direction controls history paging order.
type Direction string

const (
	DirectionBackward Direction = "backward" // DESC - from newest to oldest
	DirectionForward  Direction = "forward"  // ASC - from oldest to newest
)

func ParseDirection(s string) Direction {
	if s == "forward" {
		return DirectionForward
	}
	return DirectionBackward
}

// MessageStore is the durable append-only log of chat messages per room.
// The store assigns each message its ID, which is also the room-wide
// ordering key, and its timestamp.
type MessageStore interface {
	// Append persists a new message. On failure the message must not be
	// observable by any reader.
	Append(ctx context.Context, roomID, authorID, authorName, body string) (domain.Message, error)

	// RangeSince returns up to limit messages in roomID with ID strictly
	// greater than sinceID, oldest first. An empty sinceID starts at the
	// beginning of the room's transcript.
	RangeSince(ctx context.Context, roomID, sinceID string, limit int) ([]domain.Message, error)

	// Page serves cursor pagination for the history API. The cursor is the
	// ID of the last message of the previous page; empty means the first
	// page. Returns the page, the next cursor, and whether more pages
	// exist.
	Page(ctx context.Context, roomID, cursor string, limit int, dir Direction) ([]domain.Message, string, bool, error)

	Close() error
}
