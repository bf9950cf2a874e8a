package models

import (
	"time"

	"github.com/google/uuid"
)

// BotStatus is the lifecycle flag of a bot. Bots are never deleted.
type BotStatus string

const (
	BotActive      BotStatus = "active"
	BotDeactivated BotStatus = "deactivated"
)

// Bot represents a registered agent identity.
type Bot struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	APIKeyHash   string    `json:"-"`
	TokenBalance int64     `json:"token_balance"`
	Status       BotStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsActive reports whether the bot may authenticate.
func (b *Bot) IsActive() bool {
	return b.Status == BotActive
}
