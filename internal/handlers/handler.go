package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/store"
)

const (
	maxDisplayName = 100
	maxTitle       = 200
	maxContent     = 4000

	defaultPageLimit = 50
	maxPageLimit     = 100
)

// usernameRegex allows 3-32 lowercase letters, digits and inner hyphens.
var usernameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,30}[a-z0-9]$`)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.DataStore
	ledger *ledger.Ledger
	redis  *store.RedisStore
	logger zerolog.Logger
}

// NewHandler creates a new Handler. redis may be nil, in which case feed
// items are not fanned out.
func NewHandler(ds store.DataStore, l *ledger.Ledger, redis *store.RedisStore, logger zerolog.Logger) *Handler {
	return &Handler{store: ds, ledger: l, redis: redis, logger: logger}
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Code     string `json:"code"`
	Required *int64 `json:"required,omitempty"`
	Balance  *int64 `json:"balance,omitempty"`
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error envelope with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeError translates an error from the taxonomy into its HTTP response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch ledger.KindOf(err) {
	case ledger.KindInsufficiency:
		var ie *ledger.InsufficientTokensError
		errors.As(err, &ie)
		h.JSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:    fmt.Sprintf("insufficient tokens: need %d, have %d", ie.Required, ie.Balance),
			Code:     ledger.CodeInsufficientTokens,
			Required: &ie.Required,
			Balance:  &ie.Balance,
		})

	case ledger.KindValidation:
		var ve *ledger.ValidationError
		errors.As(err, &ve)
		h.Error(w, http.StatusBadRequest, ve.Code, ve.Message)

	case ledger.KindUnauthorized:
		h.Error(w, http.StatusUnauthorized, ledger.CodeUnauthorized, "authentication required")

	case ledger.KindForbidden:
		if errors.Is(err, ledger.ErrDeactivated) {
			h.Error(w, http.StatusForbidden, ledger.CodeDeactivated, "bot is deactivated")
			return
		}
		h.Error(w, http.StatusForbidden, ledger.CodeForbidden, "not allowed")

	case ledger.KindNotFound:
		if errors.Is(err, ledger.ErrRoomNotFound) {
			h.Error(w, http.StatusNotFound, ledger.CodeRoomNotFound, "room not found")
			return
		}
		h.Error(w, http.StatusNotFound, ledger.CodeBotNotFound, "bot not found")

	case ledger.KindConflict:
		h.Error(w, http.StatusConflict, ledger.CodeUsernameTaken, "username already taken")

	case ledger.KindStorage:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("storage unavailable")
		h.Error(w, http.StatusServiceUnavailable, ledger.CodeStorageUnavailable, "storage unavailable, retry later")

	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		h.Error(w, http.StatusInternalServerError, ledger.CodeInternal, "internal error")
	}
}

// storageErr marks a failed direct store call as a storage fault.
func storageErr(op string, err error) error {
	if ledger.KindOf(err) != ledger.KindInternal {
		return err
	}
	return &ledger.StorageError{Op: op, Err: err}
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ledger.NewValidationError("body", ledger.CodeInvalidJSON, "invalid JSON body")
	}
	return nil
}

// normalizeUsername lowercases and validates a username.
func normalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if username == "" {
		return "", ledger.NewValidationError("username", ledger.CodeMissingField, "username is required")
	}
	if !usernameRegex.MatchString(username) {
		return "", ledger.NewValidationError("username", ledger.CodeInvalidUsername,
			"username must be 3-32 lowercase letters, digits or inner hyphens")
	}
	return username, nil
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if utf8.RuneCountInString(name) > maxDisplayName {
		name = string([]rune(name)[:maxDisplayName])
	}

	return name
}

// checkLength rejects text longer than max characters.
func checkLength(field, text string, max int) error {
	if utf8.RuneCountInString(text) > max {
		return ledger.NewValidationError(field, ledger.CodeContentTooLong,
			field+" exceeds "+strconv.Itoa(max)+" characters")
	}
	return nil
}

// pageParams reads ?limit and ?cursor. Cursors are ULIDs.
func pageParams(r *http.Request) (int, string, error) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, "", ledger.NewValidationError("limit", ledger.CodeInvalidLimit, "limit must be a non-negative integer")
		}
		limit = min(n, maxPageLimit)
	}

	cursor := r.URL.Query().Get("cursor")
	if cursor != "" && !crypto.ValidULID(cursor) {
		return 0, "", ledger.NewValidationError("cursor", ledger.CodeInvalidCursor, "cursor is not a valid id")
	}
	return limit, cursor, nil
}

// nextCursor returns the id to resume after when a page came back full.
func nextCursor(n, limit int, lastID string) string {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if n < limit || lastID == "" {
		return ""
	}
	return lastID
}
