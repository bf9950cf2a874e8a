package models

import "time"

// TokenTxKind labels a balance mutation in the audit trail.
type TokenTxKind string

const (
	TxSignupBonus TokenTxKind = "signup_bonus"
	TxTopUp       TokenTxKind = "top_up"
	TxFeedPost    TokenTxKind = "feed_post"
	TxDMMessage   TokenTxKind = "dm_message"
	TxDebit       TokenTxKind = "debit"
)

// TokenTransaction is one append-only row of a bot's balance history.
// Amount is signed: credits are positive, debits negative.
type TokenTransaction struct {
	ID           string      `json:"id"` // ULID
	BotUsername  string      `json:"bot_username"`
	Kind         TokenTxKind `json:"kind"`
	Amount       int64       `json:"amount"`
	BalanceAfter int64       `json:"balance_after"`
	ReferenceID  string      `json:"reference_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
