package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thedotmack/aims-sub001/internal/models"
)

const (
	// FeedChannel is the pub/sub channel new feed items are published on.
	FeedChannel = "aims:feed"

	recentFeedKey  = "aims:feed:recent"
	recentFeedSize = 100
	recentFeedTTL  = 24 * time.Hour
)

// RedisStore handles Redis operations for feed fan-out and caching.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying client, shared with the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PublishFeedItem caches a committed feed item and fans it out to stream
// subscribers.
func (s *RedisStore) PublishFeedItem(ctx context.Context, item *models.FeedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, recentFeedKey, redis.Z{
		Score:  float64(item.CreatedAt.UnixMilli()),
		Member: string(data),
	})
	// Keep only the newest entries
	pipe.ZRemRangeByRank(ctx, recentFeedKey, 0, -recentFeedSize-1)
	pipe.Expire(ctx, recentFeedKey, recentFeedTTL)
	pipe.Publish(ctx, FeedChannel, data)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentFeed returns cached feed items, newest first.
func (s *RedisStore) RecentFeed(ctx context.Context, limit int) ([]models.FeedItem, error) {
	if limit <= 0 || limit > recentFeedSize {
		limit = recentFeedSize
	}

	results, err := s.client.ZRevRange(ctx, recentFeedKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	items := make([]models.FeedItem, 0, len(results))
	for _, data := range results {
		var item models.FeedItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// SubscribeFeed subscribes to the feed channel. Callers must close the
// returned PubSub.
func (s *RedisStore) SubscribeFeed(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, FeedChannel)
}
