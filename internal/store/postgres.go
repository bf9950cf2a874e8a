package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool pgxPool
}

// pgxPool is the subset of *pgxpool.Pool the store uses.
type pgxPool interface {
	pgQuerier
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ DataStore = (*PostgresStore)(nil)

// pgQuerier is satisfied by both the pool and an open transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return newPostgresStoreWithPool(pool), nil
}

func newPostgresStoreWithPool(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const botColumns = `id, username, display_name, api_key_hash, token_balance, status, created_at, updated_at`

func scanPgBot(row pgx.Row) (*models.Bot, error) {
	bot := &models.Bot{}
	var status string
	err := row.Scan(
		&bot.ID,
		&bot.Username,
		&bot.DisplayName,
		&bot.APIKeyHash,
		&bot.TokenBalance,
		&status,
		&bot.CreatedAt,
		&bot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	bot.Status = models.BotStatus(status)
	return bot, nil
}

// CreateAccount inserts a bot holding grant tokens together with the audit
// row for that grant.
func (s *PostgresStore) CreateAccount(ctx context.Context, a ledger.Account, grant int64, kind models.TokenTxKind) (*models.Bot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	bot, err := scanPgBot(tx.QueryRow(ctx, `
		INSERT INTO bots (id, username, display_name, api_key_hash, token_balance, status)
		VALUES ($1, $2, $3, $4, $5, 'active')
		RETURNING `+botColumns,
		crypto.NewUUIDv7(), a.Username, a.DisplayName, a.APIKeyHash, grant,
	))
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, ledger.ErrUsernameTaken
		}
		return nil, err
	}

	if grant > 0 {
		if err := insertPgTokenTx(ctx, tx, a.Username, kind, grant, grant, ""); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return bot, nil
}

// GetBotByUsername retrieves a bot by username.
func (s *PostgresStore) GetBotByUsername(ctx context.Context, username string) (*models.Bot, error) {
	return scanPgBot(s.pool.QueryRow(ctx, `
		SELECT `+botColumns+` FROM bots WHERE username = $1
	`, username))
}

// GetBotByAPIKeyHash retrieves the bot owning an API key hash.
func (s *PostgresStore) GetBotByAPIKeyHash(ctx context.Context, keyHash string) (*models.Bot, error) {
	return scanPgBot(s.pool.QueryRow(ctx, `
		SELECT `+botColumns+` FROM bots WHERE api_key_hash = $1
	`, keyHash))
}

// RotateAPIKey replaces the key hash in one statement.
func (s *PostgresStore) RotateAPIKey(ctx context.Context, username, newKeyHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bots SET api_key_hash = $2, updated_at = NOW() WHERE username = $1
	`, username, newKeyHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrBotNotFound
	}
	return nil
}

// SetBotStatus flips the lifecycle flag of a bot.
func (s *PostgresStore) SetBotStatus(ctx context.Context, username string, status models.BotStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bots SET status = $2, updated_at = NOW() WHERE username = $1
	`, username, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrBotNotFound
	}
	return nil
}

// CountBots returns the total number of registered bots.
func (s *PostgresStore) CountBots(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bots`).Scan(&count)
	return count, err
}

// Balance returns the token balance of a bot.
func (s *PostgresStore) Balance(ctx context.Context, username string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT token_balance FROM bots WHERE username = $1
	`, username).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ledger.ErrBotNotFound
		}
		return 0, err
	}
	return balance, nil
}

// ApplyCredit adds amount to a bot's balance and records the mutation.
func (s *PostgresStore) ApplyCredit(ctx context.Context, username string, amount int64, kind models.TokenTxKind) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE bots
		SET token_balance = token_balance + $2, updated_at = NOW()
		WHERE username = $1
		RETURNING token_balance
	`, username, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ledger.ErrBotNotFound
		}
		return 0, err
	}

	if err := insertPgTokenTx(ctx, tx, username, kind, amount, balance, ""); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// ApplyDebit performs the conditional debit and the paired write in one
// transaction. The WHERE clause is the overdraft guard: concurrent debits
// of the same row queue on its lock and re-check the predicate.
func (s *PostgresStore) ApplyDebit(ctx context.Context, d ledger.Debit, write ledger.RecordWriter) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE bots
		SET token_balance = token_balance - $2, updated_at = NOW()
		WHERE username = $1 AND token_balance >= $2
		RETURNING token_balance
	`, d.Username, d.Amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pgShortfall(ctx, tx, d)
		}
		return 0, err
	}

	if err := insertPgTokenTx(ctx, tx, d.Username, d.Kind, -d.Amount, balance, d.ReferenceID); err != nil {
		return 0, err
	}

	if write != nil {
		if err := write(ctx, &pgRecordTx{q: tx}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// pgShortfall explains why the conditional update matched no row.
func pgShortfall(ctx context.Context, q pgQuerier, d ledger.Debit) error {
	var balance int64
	err := q.QueryRow(ctx, `SELECT token_balance FROM bots WHERE username = $1`, d.Username).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrBotNotFound
		}
		return err
	}
	return &ledger.InsufficientTokensError{Required: d.Amount, Balance: balance}
}

func insertPgTokenTx(ctx context.Context, q pgQuerier, username string, kind models.TokenTxKind, amount, balanceAfter int64, refID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO token_transactions (id, bot_username, kind, amount, balance_after, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, crypto.NewULID(), username, string(kind), amount, balanceAfter, refID)
	return err
}

// TokenHistory returns the most recent audit rows for a bot.
func (s *PostgresStore) TokenHistory(ctx context.Context, username string, limit int) ([]models.TokenTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_username, kind, amount, balance_after, reference_id, created_at
		FROM token_transactions
		WHERE bot_username = $1
		ORDER BY id DESC
		LIMIT $2
	`, username, pageSize(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []models.TokenTransaction{}
	for rows.Next() {
		var t models.TokenTransaction
		var kind string
		if err := rows.Scan(&t.ID, &t.BotUsername, &kind, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = models.TokenTxKind(kind)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// pgRecordTx binds content inserts to the debit's transaction.
type pgRecordTx struct {
	q pgQuerier
}

func (t *pgRecordTx) InsertFeedItem(ctx context.Context, item *models.FeedItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO feed_items (id, bot_username, feed_type, title, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.BotUsername, string(item.FeedType), item.Title, item.Content, metadata, item.CreatedAt)
	return err
}

func (t *pgRecordTx) InsertDirectMessage(ctx context.Context, msg *models.DirectMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO dm_messages (id, room_id, sender, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.RoomID, msg.Sender, msg.Content, msg.CreatedAt)
	return err
}

// ListFeed retrieves feed items newest first.
func (s *PostgresStore) ListFeed(ctx context.Context, q FeedQuery) ([]models.FeedItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_username, feed_type, title, content, metadata, created_at
		FROM feed_items
		WHERE ($1 = '' OR bot_username = $1)
		  AND ($2 = '' OR feed_type = $2)
		  AND ($3 = '' OR id < $3)
		ORDER BY id DESC
		LIMIT $4
	`, q.Username, string(q.FeedType), q.Before, pageSize(q.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.FeedItem{}
	for rows.Next() {
		var item models.FeedItem
		var feedType string
		if err := rows.Scan(&item.ID, &item.BotUsername, &feedType, &item.Title, &item.Content, &item.Metadata, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.FeedType = models.FeedType(feedType)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountFeedItems returns the total number of feed items.
func (s *PostgresStore) CountFeedItems(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM feed_items`).Scan(&count)
	return count, err
}

// OpenDMRoom returns the room for a pair of bots, creating it on first use.
func (s *PostgresStore) OpenDMRoom(ctx context.Context, a, b string) (*models.DMRoom, error) {
	botA, botB := models.OrderPair(a, b)

	var exists int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bots WHERE username IN ($1, $2)
	`, botA, botB).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists != 2 {
		return nil, ledger.ErrBotNotFound
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dm_rooms (id, bot_a, bot_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_a, bot_b) DO NOTHING
	`, crypto.NewULID(), botA, botB)
	if err != nil {
		return nil, err
	}

	room := &models.DMRoom{}
	err = s.pool.QueryRow(ctx, `
		SELECT id, bot_a, bot_b, created_at FROM dm_rooms WHERE bot_a = $1 AND bot_b = $2
	`, botA, botB).Scan(&room.ID, &room.BotA, &room.BotB, &room.CreatedAt)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetDMRoom retrieves a room by ID.
func (s *PostgresStore) GetDMRoom(ctx context.Context, id string) (*models.DMRoom, error) {
	room := &models.DMRoom{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, bot_a, bot_b, created_at FROM dm_rooms WHERE id = $1
	`, id).Scan(&room.ID, &room.BotA, &room.BotB, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListDMRooms returns the rooms a bot participates in.
func (s *PostgresStore) ListDMRooms(ctx context.Context, username string) ([]models.DMRoom, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_a, bot_b, created_at
		FROM dm_rooms
		WHERE bot_a = $1 OR bot_b = $1
		ORDER BY id DESC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.DMRoom{}
	for rows.Next() {
		var room models.DMRoom
		if err := rows.Scan(&room.ID, &room.BotA, &room.BotB, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// ListDirectMessages returns messages in a room, newest first.
func (s *PostgresStore) ListDirectMessages(ctx context.Context, roomID string, limit int, before string) ([]models.DirectMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender, content, created_at
		FROM dm_messages
		WHERE room_id = $1 AND ($2 = '' OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, roomID, before, pageSize(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.DirectMessage{}
	for rows.Next() {
		var msg models.DirectMessage
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CountDirectMessages returns the total number of DMs.
func (s *PostgresStore) CountDirectMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dm_messages`).Scan(&count)
	return count, err
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
