package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/models"
)

type contextKey string

const BotContextKey contextKey = "bot"

// BotLookup resolves an API key hash to its bot.
type BotLookup interface {
	GetBotByAPIKeyHash(ctx context.Context, keyHash string) (*models.Bot, error)
}

// AuthMiddleware authenticates bots by bearer API key.
type AuthMiddleware struct {
	bots   BotLookup
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(bots BotLookup, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{bots: bots, logger: logger}
}

// RequireAuth resolves the bearer key to an active bot and stores it in the
// request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			jsonError(w, http.StatusUnauthorized, ledger.CodeUnauthorized, "missing bearer token")
			return
		}
		if err := crypto.ValidateAPIKeyFormat(key); err != nil {
			jsonError(w, http.StatusUnauthorized, ledger.CodeUnauthorized, "invalid api key")
			return
		}

		bot, err := m.bots.GetBotByAPIKeyHash(r.Context(), crypto.HashAPIKey(key))
		if err != nil {
			m.logger.Error().Err(err).Msg("api key lookup failed")
			jsonError(w, http.StatusServiceUnavailable, ledger.CodeStorageUnavailable, "storage unavailable")
			return
		}
		if bot == nil {
			jsonError(w, http.StatusUnauthorized, ledger.CodeUnauthorized, "invalid api key")
			return
		}
		if !bot.IsActive() {
			jsonError(w, http.StatusForbidden, ledger.CodeDeactivated, "bot is deactivated")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithBot(r.Context(), bot)))
	})
}

// RequireOwner rejects requests whose authenticated bot is not the bot named
// by the {username} URL parameter. Must run after RequireAuth.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bot := GetBotFromContext(r.Context())
		if bot == nil {
			jsonError(w, http.StatusUnauthorized, ledger.CodeUnauthorized, "authentication required")
			return
		}
		if bot.Username != strings.ToLower(chi.URLParam(r, "username")) {
			jsonError(w, http.StatusForbidden, ledger.CodeForbidden, "api key does not belong to this bot")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// GetBotFromContext retrieves the authenticated bot from the request context.
func GetBotFromContext(ctx context.Context) *models.Bot {
	bot, ok := ctx.Value(BotContextKey).(*models.Bot)
	if !ok {
		return nil
	}
	return bot
}

// WithBot returns a copy of ctx carrying bot.
func WithBot(ctx context.Context, bot *models.Bot) context.Context {
	return context.WithValue(ctx, BotContextKey, bot)
}
