// Package history serves paged room transcripts for the REST API. Older
// pages are immutable, so they are cached; the latest page is always read
// from the store.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/store"
	"github.com/fireside-chat/fireside/pkg/log"
)

// Service reads history pages through a cache.
type Service struct {
	store    store.MessageStore
	cache    PageCache
	cacheTTL time.Duration
	sf       singleflight.Group
}

func NewService(st store.MessageStore, cache PageCache, cacheTTL time.Duration) *Service {
	return &Service{
		store:    st,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

// GetPage returns one page of a room's transcript. cursor is the ID of the
// last message of the previous page, empty for the first page.
func (s *Service) GetPage(ctx context.Context, roomID, cursor string, limit int, direction string) (*domain.HistoryPage, error) {
	dir := store.ParseDirection(direction)

	// Always fetch the latest page directly: it changes with every post
	// and caching it would serve stale tails.
	if cursor == "" && dir == store.DirectionBackward {
		return s.fetch(ctx, roomID, cursor, limit, dir)
	}

	if s.cache == nil {
		return s.fetch(ctx, roomID, cursor, limit, dir)
	}

	cacheKey := s.cache.BuildKey(roomID, cursor, string(dir), limit)

	// Singleflight collapses concurrent requests for the same page.
	result, err, _ := s.sf.Do(cacheKey, func() (interface{}, error) {
		return s.fetchWithCache(ctx, roomID, cursor, limit, dir, cacheKey)
	})
	if err != nil {
		return nil, err
	}

	page, ok := result.(*domain.HistoryPage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return page, nil
}

func (s *Service) fetchWithCache(ctx context.Context, roomID, cursor string, limit int, dir store.Direction, cacheKey string) (*domain.HistoryPage, error) {
	cached, err := s.cache.Get(ctx, cacheKey)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("cache get error")
	}

	page, err := s.fetch(ctx, roomID, cursor, limit, dir)
	if err != nil {
		return nil, err
	}

	// Store in cache (async to avoid blocking the response).
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cache.Set(cacheCtx, cacheKey, page, s.cacheTTL); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("cache set error")
		}
	}()

	return page, nil
}

func (s *Service) fetch(ctx context.Context, roomID, cursor string, limit int, dir store.Direction) (*domain.HistoryPage, error) {
	messages, nextCursor, hasMore, err := s.store.Page(ctx, roomID, cursor, limit, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history page: %w", err)
	}
	return &domain.HistoryPage{
		Messages:   messages,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
