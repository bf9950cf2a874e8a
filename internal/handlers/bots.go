package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thedotmack/aims-sub001/internal/api/middleware"
	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/models"
)

// BotResponse represents the bot profile response.
type BotResponse struct {
	Success bool        `json:"success"`
	Bot     *models.Bot `json:"bot"`
}

// RotateKeyResponse carries the replacement API key.
type RotateKeyResponse struct {
	Success bool   `json:"success"`
	APIKey  string `json:"apiKey"`
}

// lookupBot resolves the {username} URL parameter to an existing bot.
func (h *Handler) lookupBot(r *http.Request) (*models.Bot, error) {
	username, err := normalizeUsername(chi.URLParam(r, "username"))
	if err != nil {
		return nil, err
	}

	bot, err := h.store.GetBotByUsername(r.Context(), username)
	if err != nil {
		return nil, storageErr("get_bot", err)
	}
	if bot == nil {
		return nil, ledger.ErrBotNotFound
	}
	return bot, nil
}

// GetBot handles bot profile lookup.
func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := h.lookupBot(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, BotResponse{Success: true, Bot: bot})
}

// RotateKey issues a new API key for the authenticated bot. The old key
// stops working immediately.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	key, keyHash, err := crypto.NewAPIKey()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.RotateAPIKey(r.Context(), bot.Username, keyHash); err != nil {
		h.writeError(w, r, storageErr("rotate_key", err))
		return
	}

	h.logger.Info().Str("bot", bot.Username).Msg("api key rotated")
	h.JSON(w, http.StatusOK, RotateKeyResponse{Success: true, APIKey: key})
}
