package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thedotmack/aims-sub001/internal/models"
)

func newTestLedger(balances map[string]int64) (*Ledger, *memStore) {
	s := newMemStore(balances)
	return New(s, zerolog.Nop()), s
}

func TestCostsIsACopy(t *testing.T) {
	l, _ := newTestLedger(nil)

	c := l.Costs()
	assert.Equal(t, map[Action]int64{
		ActionFeedPost:    1,
		ActionDMMessage:   2,
		ActionSignupBonus: 100,
	}, c)

	c[ActionFeedPost] = 1000
	cost, ok := Cost(ActionFeedPost)
	require.True(t, ok)
	assert.Equal(t, int64(1), cost)
}

func TestGetBalance(t *testing.T) {
	l, _ := newTestLedger(map[string]int64{"alice": 42})
	ctx := context.Background()

	first, err := l.GetBalance(ctx, "alice")
	require.NoError(t, err)
	second, err := l.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(42), first)
	assert.Equal(t, first, second)

	_, err = l.GetBalance(ctx, "ghost")
	assert.ErrorIs(t, err, ErrBotNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestCreditValidation(t *testing.T) {
	l, s := newTestLedger(map[string]int64{"alice": 5})
	ctx := context.Background()

	tests := []struct {
		name   string
		amount int64
	}{
		{"zero", 0},
		{"negative", -1},
		{"over limit", MaxCreditPerCall + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Credit(ctx, "alice", tt.amount, models.TxTopUp)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAmount)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, CodeInvalidAmount, ve.Code)
		})
	}
	assert.Equal(t, int64(5), s.balances["alice"])
}

func TestCreditIsAdditive(t *testing.T) {
	l, _ := newTestLedger(map[string]int64{"alice": 0})
	ctx := context.Background()

	_, err := l.Credit(ctx, "alice", 30, models.TxTopUp)
	require.NoError(t, err)
	balance, err := l.Credit(ctx, "alice", MaxCreditPerCall, models.TxTopUp)
	require.NoError(t, err)
	assert.Equal(t, int64(30)+MaxCreditPerCall, balance)
}

func TestCreditUnknownBot(t *testing.T) {
	l, _ := newTestLedger(map[string]int64{})
	_, err := l.Credit(context.Background(), "ghost", 10, models.TxTopUp)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestCreditActionUsesCostTable(t *testing.T) {
	l, s := newTestLedger(map[string]int64{"alice": 0})

	balance, err := l.CreditAction(context.Background(), "alice", ActionSignupBonus)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	require.Len(t, s.txs, 1)
	assert.Equal(t, models.TxSignupBonus, s.txs[0].Kind)

	_, err = l.CreditAction(context.Background(), "alice", Action("BOGUS"))
	assert.Error(t, err)
}

func TestOpenAccountGrantsSignupBonus(t *testing.T) {
	l, s := newTestLedger(map[string]int64{})
	ctx := context.Background()

	bot, err := l.OpenAccount(ctx, Account{Username: "alice", APIKeyHash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), bot.TokenBalance)
	assert.Equal(t, int64(100), s.balances["alice"])
	require.Len(t, s.txs, 1)
	assert.Equal(t, models.TxSignupBonus, s.txs[0].Kind)
	assert.Equal(t, int64(100), s.txs[0].BalanceAfter)

	_, err = l.OpenAccount(ctx, Account{Username: "alice", APIKeyHash: "h2"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Len(t, s.txs, 1)
}

func TestOpenAccountStorageFault(t *testing.T) {
	l, s := newTestLedger(map[string]int64{})
	s.fault = errors.New("connection reset")

	_, err := l.OpenAccount(context.Background(), Account{Username: "alice"})
	require.Error(t, err)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.NotContains(t, s.balances, "alice")
}

func TestDebitIfSufficient(t *testing.T) {
	tests := []struct {
		name     string
		balance  int64
		amount   int64
		want     int64
		required int64
	}{
		{"exact balance", 2, 2, 0, 0},
		{"plenty", 10, 3, 7, 0},
		{"one short", 1, 2, 0, 2},
		{"empty", 0, 1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, s := newTestLedger(map[string]int64{"alice": tt.balance})

			got, err := l.DebitIfSufficient(context.Background(), "alice", tt.amount)
			if tt.required == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}

			var ie *InsufficientTokensError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.required, ie.Required)
			assert.Equal(t, tt.balance, ie.Balance)
			assert.Equal(t, tt.balance, s.balances["alice"])
		})
	}
}

func TestDebitRejectsNonPositive(t *testing.T) {
	l, s := newTestLedger(map[string]int64{"alice": 10})

	for _, amount := range []int64{0, -5} {
		_, err := l.DebitIfSufficient(context.Background(), "alice", amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Equal(t, int64(10), s.balances["alice"])
}

func TestChargeAndRecordWritesTogether(t *testing.T) {
	l, s := newTestLedger(map[string]int64{"alice": 5})

	item := &models.FeedItem{ID: "01J0000000000000000000000A", BotUsername: "alice", FeedType: models.FeedThought, Content: "hi"}
	balance, err := l.Charge(context.Background(), "alice", ActionFeedPost, item.ID,
		func(ctx context.Context, tx RecordTx) error {
			return tx.InsertFeedItem(ctx, item)
		})
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
	require.Len(t, s.feed, 1)
	assert.Equal(t, item.ID, s.feed[0].ID)
	require.Len(t, s.txs, 1)
	assert.Equal(t, int64(-1), s.txs[0].Amount)
	assert.Equal(t, item.ID, s.txs[0].ReferenceID)
}

func TestChargeAndRecordWriterFailure(t *testing.T) {
	l, s := newTestLedger(map[string]int64{"alice": 5})
	boom := errors.New("insert failed")

	_, err := l.ChargeAndRecord(context.Background(), "alice", 2, models.TxDMMessage, "ref",
		func(ctx context.Context, tx RecordTx) error {
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, int64(5), s.balances["alice"])
	assert.Empty(t, s.txs)
}

func TestChargeAndRecordSkipsWriterWhenShort(t *testing.T) {
	l, _ := newTestLedger(map[string]int64{"alice": 1})

	called := false
	_, err := l.Charge(context.Background(), "alice", ActionDMMessage, "ref",
		func(ctx context.Context, tx RecordTx) error {
			called = true
			return nil
		})
	assert.True(t, IsInsufficient(err))
	assert.False(t, called)
}

func TestChargeUnknownAction(t *testing.T) {
	l, _ := newTestLedger(map[string]int64{"alice": 100})
	_, err := l.Charge(context.Background(), "alice", Action("NOPE"), "", nil)
	assert.Error(t, err)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, s := newTestLedger(map[string]int64{"alice": 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.DebitIfSufficient(context.Background(), "alice", 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if IsInsufficient(err) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 15, rejected)
	assert.Equal(t, int64(0), s.balances["alice"])
}

func TestStorageFaultIsClassified(t *testing.T) {
	l, s := newTestLedger(map[string]int64{"alice": 10})
	s.fault = errors.New("connection reset")

	_, err := l.DebitIfSufficient(context.Background(), "alice", 1)
	require.Error(t, err)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.False(t, IsInsufficient(err))
	assert.True(t, IsRetryable(err))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "debit", se.Op)
}

func TestHistoryClampsLimit(t *testing.T) {
	l, _ := newTestLedger(map[string]int64{"alice": 0})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Credit(ctx, "alice", 1, models.TxTopUp)
		require.NoError(t, err)
	}

	txs, err := l.History(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(3), txs[0].BalanceAfter)

	txs, err = l.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}
