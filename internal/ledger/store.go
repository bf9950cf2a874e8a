package ledger

import (
	"context"

	"github.com/thedotmack/aims-sub001/internal/models"
)

// RecordTx is the write surface handed to a RecordWriter. Everything
// written through it commits or rolls back together with the debit.
type RecordTx interface {
	InsertFeedItem(ctx context.Context, item *models.FeedItem) error
	InsertDirectMessage(ctx context.Context, msg *models.DirectMessage) error
}

// RecordWriter creates the content a debit pays for.
type RecordWriter func(ctx context.Context, tx RecordTx) error

// Debit describes one conditional balance decrease.
type Debit struct {
	Username    string
	Amount      int64
	Kind        models.TokenTxKind
	ReferenceID string
}

// Account describes a bot to create.
type Account struct {
	Username    string
	DisplayName string
	APIKeyHash  string
}

// Store is the persistence contract the ledger relies on. Implementations
// must make ApplyDebit's check-and-subtract indivisible with respect to
// other mutations of the same bot, and must run write (when non-nil) in the
// same transaction as the debit.
type Store interface {
	// CreateAccount inserts a bot holding grant tokens and, when grant is
	// positive, its audit row, in one transaction. A taken username yields
	// ErrUsernameTaken and any failure leaves no row behind.
	CreateAccount(ctx context.Context, a Account, grant int64, kind models.TokenTxKind) (*models.Bot, error)

	// Balance returns the current balance or ErrBotNotFound.
	Balance(ctx context.Context, username string) (int64, error)

	// ApplyCredit adds amount and returns the new balance.
	ApplyCredit(ctx context.Context, username string, amount int64, kind models.TokenTxKind) (int64, error)

	// ApplyDebit subtracts d.Amount if the balance covers it, then runs
	// write. It returns *InsufficientTokensError without mutating when the
	// balance is short, and rolls the debit back if write fails.
	ApplyDebit(ctx context.Context, d Debit, write RecordWriter) (int64, error)

	// TokenHistory returns the most recent audit rows, newest first.
	TokenHistory(ctx context.Context, username string, limit int) ([]models.TokenTransaction, error)
}
