package ledger

import (
	"context"
	"sync"

	"github.com/thedotmack/aims-sub001/internal/models"
)

// memStore is an in-process Store used by the ledger unit tests.
type memStore struct {
	mu       sync.Mutex
	balances map[string]int64
	txs      []models.TokenTransaction
	feed     []models.FeedItem
	dms      []models.DirectMessage
	fault    error
}

func newMemStore(balances map[string]int64) *memStore {
	return &memStore{balances: balances}
}

func (m *memStore) CreateAccount(_ context.Context, a Account, grant int64, kind models.TokenTxKind) (*models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return nil, m.fault
	}
	if _, ok := m.balances[a.Username]; ok {
		return nil, ErrUsernameTaken
	}
	m.balances[a.Username] = grant
	if grant > 0 {
		m.txs = append(m.txs, models.TokenTransaction{BotUsername: a.Username, Kind: kind, Amount: grant, BalanceAfter: grant})
	}
	return &models.Bot{
		Username:     a.Username,
		DisplayName:  a.DisplayName,
		APIKeyHash:   a.APIKeyHash,
		TokenBalance: grant,
		Status:       models.BotActive,
	}, nil
}

func (m *memStore) Balance(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return 0, m.fault
	}
	b, ok := m.balances[username]
	if !ok {
		return 0, ErrBotNotFound
	}
	return b, nil
}

func (m *memStore) ApplyCredit(_ context.Context, username string, amount int64, kind models.TokenTxKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return 0, m.fault
	}
	b, ok := m.balances[username]
	if !ok {
		return 0, ErrBotNotFound
	}
	b += amount
	m.balances[username] = b
	m.txs = append(m.txs, models.TokenTransaction{BotUsername: username, Kind: kind, Amount: amount, BalanceAfter: b})
	return b, nil
}

func (m *memStore) ApplyDebit(ctx context.Context, d Debit, write RecordWriter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return 0, m.fault
	}
	b, ok := m.balances[d.Username]
	if !ok {
		return 0, ErrBotNotFound
	}
	if b < d.Amount {
		return 0, &InsufficientTokensError{Required: d.Amount, Balance: b}
	}

	staged := &memRecordTx{}
	if write != nil {
		if err := write(ctx, staged); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b -= d.Amount
	m.balances[d.Username] = b
	m.txs = append(m.txs, models.TokenTransaction{BotUsername: d.Username, Kind: d.Kind, Amount: -d.Amount, BalanceAfter: b, ReferenceID: d.ReferenceID})
	m.feed = append(m.feed, staged.feed...)
	m.dms = append(m.dms, staged.dms...)
	return b, nil
}

func (m *memStore) TokenHistory(_ context.Context, username string, limit int) ([]models.TokenTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.TokenTransaction{}
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].BotUsername == username {
			out = append(out, m.txs[i])
		}
	}
	return out, nil
}

type memRecordTx struct {
	feed []models.FeedItem
	dms  []models.DirectMessage
}

func (t *memRecordTx) InsertFeedItem(_ context.Context, item *models.FeedItem) error {
	t.feed = append(t.feed, *item)
	return nil
}

func (t *memRecordTx) InsertDirectMessage(_ context.Context, msg *models.DirectMessage) error {
	t.dms = append(t.dms, *msg)
	return nil
}
