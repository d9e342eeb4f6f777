package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fireside-chat/fireside/internal/domain"
)

// MemoryStore keeps every room's transcript in memory, ordered by ID.
// Used for local development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]domain.Message
	ids   *idGen
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]domain.Message),
		ids:   newIDGen(),
	}
}

func (s *MemoryStore) Append(ctx context.Context, roomID, authorID, authorName, body string) (domain.Message, error) {
	msg := domain.Message{
		ID:         s.ids.next(roomID),
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.rooms[roomID] = append(s.rooms[roomID], msg)
	s.mu.Unlock()

	return msg, nil
}

func (s *MemoryStore) RangeSince(ctx context.Context, roomID, sinceID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transcript := s.rooms[roomID]
	start := sort.Search(len(transcript), func(i int) bool {
		return transcript[i].ID > sinceID
	})

	end := start + limit
	if end > len(transcript) {
		end = len(transcript)
	}

	out := make([]domain.Message, end-start)
	copy(out, transcript[start:end])
	return out, nil
}

func (s *MemoryStore) Page(ctx context.Context, roomID, cursor string, limit int, dir Direction) ([]domain.Message, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transcript := s.rooms[roomID]

	var page []domain.Message
	if dir == DirectionForward {
		start := 0
		if cursor != "" {
			start = sort.Search(len(transcript), func(i int) bool {
				return transcript[i].ID > cursor
			})
		}
		for i := start; i < len(transcript) && len(page) <= limit; i++ {
			page = append(page, transcript[i])
		}
	} else {
		end := len(transcript)
		if cursor != "" {
			end = sort.Search(len(transcript), func(i int) bool {
				return transcript[i].ID >= cursor
			})
		}
		for i := end - 1; i >= 0 && len(page) <= limit; i-- {
			page = append(page, transcript[i])
		}
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	var nextCursor string
	if len(page) > 0 {
		nextCursor = page[len(page)-1].ID
	}

	return page, nextCursor, hasMore, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
