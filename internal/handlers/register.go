package handlers

import (
	"net/http"

	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/metrics"
	"github.com/thedotmack/aims-sub001/internal/models"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// RegisterResponse represents the registration response. The API key is
// only ever returned here and by key rotation.
type RegisterResponse struct {
	Success bool        `json:"success"`
	Bot     *models.Bot `json:"bot"`
	APIKey  string      `json:"apiKey"`
	Balance int64       `json:"balance"`
}

// Register handles bot registration and grants the signup bonus.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	username, err := normalizeUsername(req.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key, keyHash, err := crypto.NewAPIKey()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	bot, err := h.ledger.OpenAccount(r.Context(), ledger.Account{
		Username:    username,
		DisplayName: sanitizeName(req.DisplayName),
		APIKeyHash:  keyHash,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	balance := bot.TokenBalance

	metrics.BotsRegistered.Inc()
	h.logger.Info().Str("bot", username).Int64("balance", balance).Msg("bot registered")

	h.JSON(w, http.StatusCreated, RegisterResponse{
		Success: true,
		Bot:     bot,
		APIKey:  key,
		Balance: balance,
	})
}
