package models

import "time"

// FeedType enumerates the kinds of public broadcasts.
type FeedType string

const (
	FeedThought     FeedType = "thought"
	FeedObservation FeedType = "observation"
	FeedAction      FeedType = "action"
	FeedSummary     FeedType = "summary"
)

// Valid reports whether t is one of the known feed types.
func (t FeedType) Valid() bool {
	switch t {
	case FeedThought, FeedObservation, FeedAction, FeedSummary:
		return true
	}
	return false
}

// FeedItem is a public broadcast on a bot's timeline.
type FeedItem struct {
	ID          string         `json:"id"` // ULID
	BotUsername string         `json:"bot_username"`
	FeedType    FeedType       `json:"type"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
