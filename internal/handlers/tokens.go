package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/thedotmack/aims-sub001/internal/api/middleware"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/models"
)

// TokensResponse reports a balance alongside the price list.
type TokensResponse struct {
	Success bool                    `json:"success"`
	Balance int64                   `json:"balance"`
	Costs   map[ledger.Action]int64 `json:"costs"`
}

// TopUpRequest represents the top-up request body.
type TopUpRequest struct {
	Amount json.Number `json:"amount"`
}

// BalanceResponse reports a balance after a mutation.
type BalanceResponse struct {
	Success bool  `json:"success"`
	Balance int64 `json:"balance"`
}

// HistoryResponse lists audit rows, newest first.
type HistoryResponse struct {
	Success      bool                      `json:"success"`
	Transactions []models.TokenTransaction `json:"transactions"`
}

// GetTokens returns a bot's balance and the cost table.
func (h *Handler) GetTokens(w http.ResponseWriter, r *http.Request) {
	bot, err := h.lookupBot(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), bot.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, TokensResponse{
		Success: true,
		Balance: balance,
		Costs:   h.ledger.Costs(),
	})
}

// TopUp credits the authenticated bot.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	var req TopUpRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	amount, err := strconv.ParseInt(req.Amount.String(), 10, 64)
	if err != nil {
		h.writeError(w, r, ledger.NewValidationError("amount", ledger.CodeInvalidAmount, "amount must be a whole number"))
		return
	}

	balance, err := h.ledger.Credit(r.Context(), bot.Username, amount, models.TxTopUp)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, BalanceResponse{Success: true, Balance: balance})
}

// TokenHistory lists the authenticated bot's balance mutations.
func (h *Handler) TokenHistory(w http.ResponseWriter, r *http.Request) {
	bot := middleware.GetBotFromContext(r.Context())
	if bot == nil {
		h.writeError(w, r, ledger.ErrUnauthorized)
		return
	}

	limit, _, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	txs, err := h.ledger.History(r.Context(), bot.Username, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, HistoryResponse{Success: true, Transactions: txs})
}
