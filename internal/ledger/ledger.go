// Package ledger owns bot token balances. Every read and write of a balance
// goes through a Ledger; the atomic guarantees come from the Store, so many
// server instances can share one database safely.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thedotmack/aims-sub001/internal/metrics"
	"github.com/thedotmack/aims-sub001/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Ledger is the metered action gate.
type Ledger struct {
	store  Store
	logger zerolog.Logger
}

// New creates a Ledger backed by s.
func New(s Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  s,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Costs returns the authoritative cost table.
func (l *Ledger) Costs() map[Action]int64 {
	return CostTable()
}

// OpenAccount creates a bot funded with the signup bonus. The bot row and
// its opening credit commit together, so a failed registration leaves the
// username free.
func (l *Ledger) OpenAccount(ctx context.Context, a Account) (*models.Bot, error) {
	amount, _ := Cost(ActionSignupBonus)
	kind := txKinds[ActionSignupBonus]

	defer observe("open", time.Now())

	bot, err := l.store.CreateAccount(ctx, a, amount, kind)
	if err != nil {
		return nil, l.fail("open", a.Username, err)
	}

	metrics.TokensCredited.WithLabelValues(string(kind)).Add(float64(amount))
	l.logger.Info().
		Str("bot", a.Username).
		Str("kind", string(kind)).
		Int64("balance", bot.TokenBalance).
		Msg("account opened")

	return bot, nil
}

// GetBalance returns the current balance of username.
func (l *Ledger) GetBalance(ctx context.Context, username string) (int64, error) {
	defer observe("balance", time.Now())

	balance, err := l.store.Balance(ctx, username)
	if err != nil {
		return 0, l.fail("balance", username, err)
	}
	return balance, nil
}

// Credit adds amount to the balance unconditionally.
func (l *Ledger) Credit(ctx context.Context, username string, amount int64, kind models.TokenTxKind) (int64, error) {
	if amount <= 0 {
		return 0, invalidAmount(amount, "must be positive")
	}
	if amount > MaxCreditPerCall {
		return 0, invalidAmount(amount, fmt.Sprintf("exceeds the per-call limit of %d", MaxCreditPerCall))
	}

	defer observe("credit", time.Now())

	balance, err := l.store.ApplyCredit(ctx, username, amount, kind)
	if err != nil {
		return 0, l.fail("credit", username, err)
	}

	metrics.TokensCredited.WithLabelValues(string(kind)).Add(float64(amount))
	l.logger.Info().
		Str("bot", username).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Int64("balance", balance).
		Msg("tokens credited")

	return balance, nil
}

// CreditAction credits the amount the cost table assigns to action.
func (l *Ledger) CreditAction(ctx context.Context, username string, action Action) (int64, error) {
	amount, ok := Cost(action)
	if !ok {
		return 0, fmt.Errorf("ledger: unknown action %s", action)
	}
	return l.Credit(ctx, username, amount, txKinds[action])
}

// DebitIfSufficient subtracts amount if the balance covers it. Two
// concurrent calls that together exceed the balance never both succeed.
func (l *Ledger) DebitIfSufficient(ctx context.Context, username string, amount int64) (int64, error) {
	return l.debit(ctx, Debit{Username: username, Amount: amount, Kind: models.TxDebit}, nil)
}

// ChargeAndRecord debits amount and runs write as one unit of work. write
// never runs when the debit fails, and a failing write (or a context that
// ends before commit) leaves the balance untouched.
func (l *Ledger) ChargeAndRecord(ctx context.Context, username string, amount int64, kind models.TokenTxKind, refID string, write RecordWriter) (int64, error) {
	return l.debit(ctx, Debit{Username: username, Amount: amount, Kind: kind, ReferenceID: refID}, write)
}

// Charge resolves the cost of action and calls ChargeAndRecord.
func (l *Ledger) Charge(ctx context.Context, username string, action Action, refID string, write RecordWriter) (int64, error) {
	amount, ok := Cost(action)
	if !ok {
		return 0, fmt.Errorf("ledger: unknown action %s", action)
	}
	return l.ChargeAndRecord(ctx, username, amount, txKinds[action], refID, write)
}

// History returns recent balance mutations for username.
func (l *Ledger) History(ctx context.Context, username string, limit int) ([]models.TokenTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	txs, err := l.store.TokenHistory(ctx, username, limit)
	if err != nil {
		return nil, l.fail("history", username, err)
	}
	return txs, nil
}

func (l *Ledger) debit(ctx context.Context, d Debit, write RecordWriter) (int64, error) {
	if d.Amount <= 0 {
		return 0, invalidAmount(d.Amount, "must be positive")
	}

	defer observe("debit", time.Now())

	balance, err := l.store.ApplyDebit(ctx, d, write)
	if err != nil {
		if IsInsufficient(err) {
			metrics.InsufficientTokens.WithLabelValues(string(d.Kind)).Inc()
			l.logger.Debug().
				Str("bot", d.Username).
				Str("kind", string(d.Kind)).
				Err(err).
				Msg("debit rejected")
			return 0, err
		}
		return 0, l.fail("debit", d.Username, err)
	}

	metrics.TokensDebited.WithLabelValues(string(d.Kind)).Add(float64(d.Amount))
	l.logger.Debug().
		Str("bot", d.Username).
		Str("kind", string(d.Kind)).
		Int64("amount", d.Amount).
		Int64("balance", balance).
		Str("ref", d.ReferenceID).
		Msg("tokens debited")

	return balance, nil
}

// fail classifies err and logs storage faults.
func (l *Ledger) fail(op, username string, err error) error {
	err = classify(op, err)
	if KindOf(err) == KindStorage {
		l.logger.Error().
			Str("op", op).
			Str("bot", username).
			Err(err).
			Msg("ledger storage failure")
	}
	return err
}

func observe(op string, start time.Time) {
	metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
