package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"insufficient", &InsufficientTokensError{Required: 2, Balance: 1}, KindInsufficiency},
		{"wrapped insufficient", fmt.Errorf("post: %w", &InsufficientTokensError{Required: 1}), KindInsufficiency},
		{"validation", NewValidationError("type", CodeInvalidFeedType, "bad"), KindValidation},
		{"invalid amount", invalidAmount(0, "must be positive"), KindValidation},
		{"unauthorized", ErrUnauthorized, KindUnauthorized},
		{"forbidden", ErrForbidden, KindForbidden},
		{"deactivated", ErrDeactivated, KindForbidden},
		{"bot not found", ErrBotNotFound, KindNotFound},
		{"room not found", fmt.Errorf("lookup: %w", ErrRoomNotFound), KindNotFound},
		{"username taken", ErrUsernameTaken, KindConflict},
		{"storage", &StorageError{Op: "debit", Err: errors.New("eof")}, KindStorage},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", ErrBotNotFound), ErrBotNotFound)

	raw := errors.New("driver: bad connection")
	err := classify("credit", raw)
	var se *StorageError
	assert.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, raw)
	assert.Equal(t, "credit", se.Op)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&StorageError{Op: "debit", Err: errors.New("reset")}))
	assert.False(t, IsRetryable(&StorageError{Op: "debit", Err: context.Canceled}))
	assert.False(t, IsRetryable(&StorageError{Op: "debit", Err: context.DeadlineExceeded}))
	assert.False(t, IsRetryable(&InsufficientTokensError{Required: 1}))
	assert.False(t, IsRetryable(ErrBotNotFound))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrBotNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("dm: %w", ErrRoomNotFound)))
	assert.False(t, IsNotFound(ErrForbidden))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "insufficiency", KindInsufficiency.String())
	assert.Equal(t, "storage", KindStorage.String())
	assert.Equal(t, "internal", KindInternal.String())
}
