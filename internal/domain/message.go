package domain

import "time"

// Message is one chat message as persisted by the store. The ID is a KSUID
// assigned at append time and doubles as the room-wide ordering key: within
// a room, IDs sort lexicographically in the exact order messages were
// persisted. Messages are immutable once created.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryPage is one page of a room transcript, newest-first or oldest-first
// depending on the requested direction.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}
