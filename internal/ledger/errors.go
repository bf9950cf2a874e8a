package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for caller mistakes and lookups.
var (
	ErrBotNotFound   = errors.New("ledger: bot not found")
	ErrRoomNotFound  = errors.New("ledger: room not found")
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	ErrUsernameTaken = errors.New("ledger: username already taken")
	ErrUnauthorized  = errors.New("ledger: unauthorized")
	ErrForbidden     = errors.New("ledger: forbidden")
	ErrDeactivated   = errors.New("ledger: bot is deactivated")
)

// Error codes shared by every route.
const (
	CodeInsufficientTokens = "INSUFFICIENT_TOKENS"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeInvalidFeedType    = "INVALID_FEED_TYPE"
	CodeMissingField       = "MISSING_FIELD"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeInvalidUsername    = "INVALID_USERNAME"
	CodeContentTooLong     = "CONTENT_TOO_LONG"
	CodeInvalidCursor      = "INVALID_CURSOR"
	CodeInvalidLimit       = "INVALID_LIMIT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeDeactivated        = "BOT_DEACTIVATED"
	CodeBotNotFound        = "BOT_NOT_FOUND"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeUsernameTaken      = "USERNAME_TAKEN"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// InsufficientTokensError is returned when a debit exceeds the balance.
// It is an expected business outcome, not a fault.
type InsufficientTokensError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("ledger: insufficient tokens: required %d, balance %d", e.Required, e.Balance)
}

// ValidationError represents a rejected input.
type ValidationError struct {
	Field   string
	Code    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError without an underlying sentinel.
func NewValidationError(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message}
}

func invalidAmount(amount int64, reason string) error {
	return &ValidationError{
		Field:   "amount",
		Code:    CodeInvalidAmount,
		Message: fmt.Sprintf("%d %s", amount, reason),
		Err:     ErrInvalidAmount,
	}
}

// StorageError wraps a failure of the backing store. Callers own the retry
// policy; the ledger never retries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Kind is the closed set of error categories the HTTP layer translates.
type Kind int

const (
	KindNone Kind = iota
	KindInsufficiency
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindStorage
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInsufficiency:
		return "insufficiency"
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// KindOf classifies err into the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var insufficient *InsufficientTokensError
	var validation *ValidationError
	var storage *StorageError

	switch {
	case errors.As(err, &insufficient):
		return KindInsufficiency
	case errors.As(err, &validation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrDeactivated):
		return KindForbidden
	case errors.Is(err, ErrBotNotFound), errors.Is(err, ErrRoomNotFound):
		return KindNotFound
	case errors.Is(err, ErrUsernameTaken):
		return KindConflict
	case errors.As(err, &storage):
		return KindStorage
	default:
		return KindInternal
	}
}

// IsInsufficient returns true if err reports an inadequate balance.
func IsInsufficient(err error) bool {
	var insufficient *InsufficientTokensError
	return errors.As(err, &insufficient)
}

// IsNotFound returns true if err is a missing bot or room.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBotNotFound) || errors.Is(err, ErrRoomNotFound)
}

// IsRetryable returns true for storage faults other than the caller giving up.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindStorage
}

// classify passes taxonomy errors through and wraps anything else as a
// storage fault for op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindInternal:
		return &StorageError{Op: op, Err: err}
	default:
		return err
	}
}
