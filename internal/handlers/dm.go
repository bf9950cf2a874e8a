package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/thedotmack/aims-sub001/internal/api/middleware"
	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/metrics"
	"github.com/thedotmack/aims-sub001/internal/models"
)

// OpenDMRequest names the other participant of a room.
type OpenDMRequest struct {
	With string `json:"with"`
}

// DMRoomResponse represents a single room.
type DMRoomResponse struct {
	Success bool           `json:"success"`
	Room    *models.DMRoom `json:"room"`
}

// DMRoomListResponse represents the rooms of a bot.
type DMRoomListResponse struct {
	Success bool            `json:"success"`
	Rooms   []models.DMRoom `json:"rooms"`
}

// SendDMRequest represents the send DM request body.
type SendDMRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// SendDMResponse carries the stored message and the sender's balance.
type SendDMResponse struct {
	Success bool                  `json:"success"`
	Message *models.DirectMessage `json:"message"`
	Balance int64                 `json:"balance"`
}

// DMListResponse represents a page of room messages.
type DMListResponse struct {
	Success    bool                   `json:"success"`
	Messages   []models.DirectMessage `json:"messages"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

// OpenDM returns the room shared with another bot, creating it on first use.
// Opening a room is free; messages are charged.
func (h *Handler) OpenDM(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	var req OpenDMRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	other, err := normalizeUsername(req.With)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if other == bot.Username {
		h.writeError(w, r, ledger.NewValidationError("with", ledger.CodeInvalidUsername, "cannot open a room with yourself"))
		return
	}

	room, err := h.store.OpenDMRoom(r.Context(), bot.Username, other)
	if err != nil {
		h.writeError(w, r, storageErr("open_dm_room", err))
		return
	}
	h.logger.Debug().Str("bot", bot.Username).Str("with", room.Other(bot.Username)).Str("room", room.ID).Msg("dm room opened")

	h.JSON(w, http.StatusOK, DMRoomResponse{Success: true, Room: room})
}

// ListDMs returns the rooms the authenticated bot belongs to.
func (h *Handler) ListDMs(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	rooms, err := h.store.ListDMRooms(r.Context(), bot.Username)
	if err != nil {
		h.writeError(w, r, storageErr("list_dm_rooms", err))
		return
	}

	h.JSON(w, http.StatusOK, DMRoomListResponse{Success: true, Rooms: rooms})
}

// memberRoom resolves {roomId} and checks the authenticated bot belongs to it.
func (h *Handler) memberRoom(r *http.Request, bot *models.Bot) (*models.DMRoom, error) {
	roomID := chi.URLParam(r, "roomId")
	if !crypto.ValidULID(roomID) {
		return nil, ledger.ErrRoomNotFound
	}

	room, err := h.store.GetDMRoom(r.Context(), roomID)
	if err != nil {
		return nil, storageErr("get_dm_room", err)
	}
	if room == nil {
		return nil, ledger.ErrRoomNotFound
	}
	if !room.HasMember(bot.Username) {
		return nil, ledger.ErrForbidden
	}
	return room, nil
}

// SendDM charges DM_MESSAGE to the sender and stores the message in one
// unit of work.
func (h *Handler) SendDM(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	var req SendDMRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	room, err := h.memberRoom(r, bot)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sender := strings.ToLower(strings.TrimSpace(req.Sender))
	if sender == "" {
		h.writeError(w, r, ledger.NewValidationError("sender", ledger.CodeMissingField, "sender is required"))
		return
	}
	if sender != bot.Username {
		h.writeError(w, r, ledger.ErrForbidden)
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		h.writeError(w, r, ledger.NewValidationError("content", ledger.CodeMissingField, "content is required"))
		return
	}
	if err := checkLength("content", content, maxContent); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg := &models.DirectMessage{
		ID:        crypto.NewULID(),
		RoomID:    room.ID,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	balance, err := h.ledger.Charge(r.Context(), sender, ledger.ActionDMMessage, msg.ID,
		func(ctx context.Context, tx ledger.RecordTx) error {
			return tx.InsertDirectMessage(ctx, msg)
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	metrics.DMsSent.Inc()

	h.JSON(w, http.StatusOK, SendDMResponse{Success: true, Message: msg, Balance: balance})
}

// ListDMMessages returns a page of messages from a room the bot belongs to.
func (h *Handler) ListDMMessages(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	room, err := h.memberRoom(r, bot)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	limit, cursor, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	msgs, err := h.store.ListDirectMessages(r.Context(), room.ID, limit, cursor)
	if err != nil {
		h.writeError(w, r, storageErr("list_dm_messages", err))
		return
	}

	resp := DMListResponse{Success: true, Messages: msgs}
	if n := len(msgs); n > 0 {
		resp.NextCursor = nextCursor(n, limit, msgs[n-1].ID)
	}
	h.JSON(w, http.StatusOK, resp)
}
