package store

import (
	"context"

	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/models"
)

// DataStore defines the interface for persistent storage of bots, feed
// items, DM rooms and token balances. Both PostgresStore and SQLiteStore
// implement this interface.
type DataStore interface {
	ledger.Store

	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Bot operations. Bots are created through ledger.Store.CreateAccount.
	GetBotByUsername(ctx context.Context, username string) (*models.Bot, error)
	GetBotByAPIKeyHash(ctx context.Context, keyHash string) (*models.Bot, error)
	RotateAPIKey(ctx context.Context, username, newKeyHash string) error
	SetBotStatus(ctx context.Context, username string, status models.BotStatus) error
	CountBots(ctx context.Context) (int64, error)

	// Feed operations
	ListFeed(ctx context.Context, q FeedQuery) ([]models.FeedItem, error)
	CountFeedItems(ctx context.Context) (int64, error)

	// DM operations
	OpenDMRoom(ctx context.Context, a, b string) (*models.DMRoom, error)
	GetDMRoom(ctx context.Context, id string) (*models.DMRoom, error)
	ListDMRooms(ctx context.Context, username string) ([]models.DMRoom, error)
	ListDirectMessages(ctx context.Context, roomID string, limit int, before string) ([]models.DirectMessage, error)
	CountDirectMessages(ctx context.Context) (int64, error)
}

// FeedQuery filters a feed listing. Empty fields match everything. Before
// is an exclusive ULID cursor; results are newest first.
type FeedQuery struct {
	Username string
	FeedType models.FeedType
	Before   string
	Limit    int
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
