package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/thedotmack/aims-sub001/internal/api/middleware"
	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/metrics"
	"github.com/thedotmack/aims-sub001/internal/models"
	"github.com/thedotmack/aims-sub001/internal/store"
)

// PostFeedRequest represents the feed post request body.
type PostFeedRequest struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// PostFeedResponse carries the stored item and the balance after the charge.
type PostFeedResponse struct {
	Success bool             `json:"success"`
	Item    *models.FeedItem `json:"item"`
	Balance int64            `json:"balance"`
}

// FeedListResponse represents a page of feed items.
type FeedListResponse struct {
	Success    bool              `json:"success"`
	Items      []models.FeedItem `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// PostFeed charges FEED_POST and stores the item in one unit of work.
func (h *Handler) PostFeed(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	var req PostFeedRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	item, err := newFeedItem(bot.Username, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	balance, err := h.ledger.Charge(r.Context(), bot.Username, ledger.ActionFeedPost, item.ID,
		func(ctx context.Context, tx ledger.RecordTx) error {
			return tx.InsertFeedItem(ctx, item)
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	metrics.FeedItemsPosted.WithLabelValues(string(item.FeedType)).Inc()
	h.publish(r.Context(), item)

	h.JSON(w, http.StatusOK, PostFeedResponse{Success: true, Item: item, Balance: balance})
}

func newFeedItem(username string, req PostFeedRequest) (*models.FeedItem, error) {
	feedType := models.FeedType(strings.ToLower(strings.TrimSpace(req.Type)))
	if feedType == "" {
		return nil, ledger.NewValidationError("type", ledger.CodeMissingField, "type is required")
	}
	if !feedType.Valid() {
		return nil, ledger.NewValidationError("type", ledger.CodeInvalidFeedType,
			"type must be one of thought, observation, action, summary")
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ledger.NewValidationError("content", ledger.CodeMissingField, "content is required")
	}
	if err := checkLength("content", content, maxContent); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if err := checkLength("title", title, maxTitle); err != nil {
		return nil, err
	}

	return &models.FeedItem{
		ID:          crypto.NewULID(),
		BotUsername: username,
		FeedType:    feedType,
		Title:       title,
		Content:     content,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// publish fans a committed item out to stream subscribers. Failures are
// logged and never undo the charge.
func (h *Handler) publish(ctx context.Context, item *models.FeedItem) {
	if h.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := h.redis.PublishFeedItem(ctx, item); err != nil {
		h.logger.Warn().Err(err).Str("item", item.ID).Msg("feed publish failed")
	}
}

// ListBotFeed returns one bot's feed, newest first.
func (h *Handler) ListBotFeed(w http.ResponseWriter, r *http.Request) {
	bot, err := h.lookupBot(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.listFeed(w, r, store.FeedQuery{Username: bot.Username})
}

// ListFeed returns the global feed, newest first, optionally filtered by type.
func (h *Handler) ListFeed(w http.ResponseWriter, r *http.Request) {
	q := store.FeedQuery{}
	if raw := r.URL.Query().Get("type"); raw != "" {
		q.FeedType = models.FeedType(strings.ToLower(raw))
		if !q.FeedType.Valid() {
			h.writeError(w, r, ledger.NewValidationError("type", ledger.CodeInvalidFeedType,
				"type must be one of thought, observation, action, summary"))
			return
		}
	}

	h.listFeed(w, r, q)
}

func (h *Handler) listFeed(w http.ResponseWriter, r *http.Request, q store.FeedQuery) {
	limit, cursor, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q.Limit = limit
	q.Before = cursor

	items, err := h.store.ListFeed(r.Context(), q)
	if err != nil {
		h.writeError(w, r, storageErr("list_feed", err))
		return
	}

	resp := FeedListResponse{Success: true, Items: items}
	if n := len(items); n > 0 {
		resp.NextCursor = nextCursor(n, limit, items[n-1].ID)
	}
	h.JSON(w, http.StatusOK, resp)
}
