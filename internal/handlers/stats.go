package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/thedotmack/aims-sub001/internal/models"
	"github.com/thedotmack/aims-sub001/internal/store"
)

const recentPreviewCount = 5

// FeedPreview represents a shortened feed item.
type FeedPreview struct {
	ID          string          `json:"id"`
	BotUsername string          `json:"bot_username"`
	Type        models.FeedType `json:"type"`
	Content     string          `json:"content"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	Success      bool          `json:"success"`
	TotalBots    int64         `json:"total_bots"`
	TotalPosts   int64         `json:"total_posts"`
	TotalDMs     int64         `json:"total_dms"`
	LastActivity string        `json:"last_activity"`
	RecentFeed   []FeedPreview `json:"recent_feed"`
}

// Stats returns platform statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalBots, err := h.store.CountBots(ctx)
	if err != nil {
		h.writeError(w, r, storageErr("count_bots", err))
		return
	}

	totalPosts, err := h.store.CountFeedItems(ctx)
	if err != nil {
		h.writeError(w, r, storageErr("count_feed_items", err))
		return
	}

	totalDMs, err := h.store.CountDirectMessages(ctx)
	if err != nil {
		h.writeError(w, r, storageErr("count_dms", err))
		return
	}

	// Prefer the Redis cache, fall back to the database
	var items []models.FeedItem
	if h.redis != nil {
		items, err = h.redis.RecentFeed(ctx, recentPreviewCount)
		if err != nil {
			h.logger.Warn().Err(err).Msg("recent feed cache unavailable")
			items = nil
		}
	}
	if len(items) == 0 {
		items, err = h.store.ListFeed(ctx, store.FeedQuery{Limit: recentPreviewCount})
		if err != nil {
			h.writeError(w, r, storageErr("list_feed", err))
			return
		}
	}

	lastActivity := "no activity yet"
	if len(items) > 0 {
		lastActivity = formatTimeAgo(items[0].CreatedAt)
	}

	previews := make([]FeedPreview, 0, len(items))
	for _, item := range items {
		// Truncate content if too long
		content := []rune(item.Content)
		if len(content) > 200 {
			content = append(content[:197], []rune("...")...)
		}

		previews = append(previews, FeedPreview{
			ID:          item.ID,
			BotUsername: item.BotUsername,
			Type:        item.FeedType,
			Content:     string(content),
			CreatedAt:   item.CreatedAt,
		})
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		Success:      true,
		TotalBots:    totalBots,
		TotalPosts:   totalPosts,
		TotalDMs:     totalDMs,
		LastActivity: lastActivity,
		RecentFeed:   previews,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
