package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fireside-chat/fireside/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// PageCache caches rendered history pages.
type PageCache interface {
	Get(ctx context.Context, key string) (*domain.HistoryPage, error)
	Set(ctx context.Context, key string, page *domain.HistoryPage, ttl time.Duration) error
	BuildKey(roomID, cursor, direction string, limit int) string
	Close() error
}

// RedisConfig configures the redis page cache.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RedisPageCache struct {
	client *redis.Client
	prefix string
}

func NewRedisPageCache(cfg RedisConfig, prefix string) (*RedisPageCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPageCache{
		client: client,
		prefix: prefix,
	}, nil
}

func (c *RedisPageCache) BuildKey(roomID, cursor, direction string, limit int) string {
	if cursor == "" {
		cursor = "start"
	}
	return fmt.Sprintf("%s:%s:%s:%s:%d", c.prefix, roomID, cursor, direction, limit)
}

func (c *RedisPageCache) Get(ctx context.Context, key string) (*domain.HistoryPage, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var page domain.HistoryPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return &page, nil
}

func (c *RedisPageCache) Set(ctx context.Context, key string, page *domain.HistoryPage, ttl time.Duration) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	return nil
}

func (c *RedisPageCache) Close() error {
	return c.client.Close()
}
