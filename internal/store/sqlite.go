package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/ledger"
	"github.com/thedotmack/aims-sub001/internal/models"
)

// SQLiteStore handles SQLite database operations. It is used for local
// development and tests. All access goes through a single connection, so
// every transaction is serialized.
type SQLiteStore struct {
	db *sql.DB
}

var _ DataStore = (*SQLiteStore)(nil)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/aims.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/aims.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := newSQLiteStoreWithDB(db)

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func newSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// initSchema creates tables if they don't exist. Timestamps are stored as
// unix milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		api_key_hash TEXT NOT NULL UNIQUE,
		token_balance INTEGER NOT NULL DEFAULT 0 CHECK (token_balance >= 0),
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feed_items (
		id TEXT PRIMARY KEY,
		bot_username TEXT NOT NULL REFERENCES bots (username),
		feed_type TEXT NOT NULL CHECK (feed_type IN ('thought', 'observation', 'action', 'summary')),
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dm_rooms (
		id TEXT PRIMARY KEY,
		bot_a TEXT NOT NULL REFERENCES bots (username),
		bot_b TEXT NOT NULL REFERENCES bots (username),
		created_at INTEGER NOT NULL,
		CHECK (bot_a < bot_b),
		UNIQUE (bot_a, bot_b)
	);

	CREATE TABLE IF NOT EXISTS dm_messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES dm_rooms (id),
		sender TEXT NOT NULL REFERENCES bots (username),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS token_transactions (
		id TEXT PRIMARY KEY,
		bot_username TEXT NOT NULL REFERENCES bots (username),
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feed_items_bot ON feed_items (bot_username, id);
	CREATE INDEX IF NOT EXISTS idx_dm_messages_room ON dm_messages (room_id, id);
	CREATE INDEX IF NOT EXISTS idx_token_transactions_bot ON token_transactions (bot_username, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const sqliteBotColumns = `id, username, display_name, api_key_hash, token_balance, status, created_at, updated_at`

func scanSQLiteBot(row *sql.Row) (*models.Bot, error) {
	bot := &models.Bot{}
	var idStr, status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&idStr,
		&bot.Username,
		&bot.DisplayName,
		&bot.APIKeyHash,
		&bot.TokenBalance,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	bot.ID = id
	bot.Status = models.BotStatus(status)
	bot.CreatedAt = fromMillis(createdAt)
	bot.UpdatedAt = fromMillis(updatedAt)
	return bot, nil
}

// CreateAccount inserts a bot holding grant tokens together with the audit
// row for that grant.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a ledger.Account, grant int64, kind models.TokenTxKind) (*models.Bot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := nowMillis()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bots (id, username, display_name, api_key_hash, token_balance, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
	`, crypto.NewUUIDv7().String(), a.Username, a.DisplayName, a.APIKeyHash, grant, now, now)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ledger.ErrUsernameTaken
		}
		return nil, err
	}

	if grant > 0 {
		if err := insertSQLiteTokenTx(ctx, tx, a.Username, kind, grant, grant, ""); err != nil {
			return nil, err
		}
	}

	bot, err := scanSQLiteBot(tx.QueryRowContext(ctx, `
		SELECT `+sqliteBotColumns+` FROM bots WHERE username = ?
	`, a.Username))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bot, nil
}

// GetBotByUsername retrieves a bot by username.
func (s *SQLiteStore) GetBotByUsername(ctx context.Context, username string) (*models.Bot, error) {
	return scanSQLiteBot(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteBotColumns+` FROM bots WHERE username = ?
	`, username))
}

// GetBotByAPIKeyHash retrieves the bot owning an API key hash.
func (s *SQLiteStore) GetBotByAPIKeyHash(ctx context.Context, keyHash string) (*models.Bot, error) {
	return scanSQLiteBot(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteBotColumns+` FROM bots WHERE api_key_hash = ?
	`, keyHash))
}

// RotateAPIKey replaces the key hash in one statement.
func (s *SQLiteStore) RotateAPIKey(ctx context.Context, username, newKeyHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET api_key_hash = ?, updated_at = ? WHERE username = ?
	`, newKeyHash, nowMillis(), username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrBotNotFound
	}
	return nil
}

// SetBotStatus flips the lifecycle flag of a bot.
func (s *SQLiteStore) SetBotStatus(ctx context.Context, username string, status models.BotStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET status = ?, updated_at = ? WHERE username = ?
	`, string(status), nowMillis(), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrBotNotFound
	}
	return nil
}

// CountBots returns the total number of registered bots.
func (s *SQLiteStore) CountBots(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots`).Scan(&count)
	return count, err
}

// Balance returns the token balance of a bot.
func (s *SQLiteStore) Balance(ctx context.Context, username string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT token_balance FROM bots WHERE username = ?
	`, username).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrBotNotFound
		}
		return 0, err
	}
	return balance, nil
}

// ApplyCredit adds amount to a bot's balance and records the mutation.
func (s *SQLiteStore) ApplyCredit(ctx context.Context, username string, amount int64, kind models.TokenTxKind) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE bots
		SET token_balance = token_balance + ?, updated_at = ?
		WHERE username = ?
		RETURNING token_balance
	`, amount, nowMillis(), username).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrBotNotFound
		}
		return 0, err
	}

	if err := insertSQLiteTokenTx(ctx, tx, username, kind, amount, balance, ""); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// ApplyDebit performs the conditional debit and the paired write in one
// transaction.
func (s *SQLiteStore) ApplyDebit(ctx context.Context, d ledger.Debit, write ledger.RecordWriter) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE bots
		SET token_balance = token_balance - ?, updated_at = ?
		WHERE username = ? AND token_balance >= ?
		RETURNING token_balance
	`, d.Amount, nowMillis(), d.Username, d.Amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sqliteShortfall(ctx, tx, d)
		}
		return 0, err
	}

	if err := insertSQLiteTokenTx(ctx, tx, d.Username, d.Kind, -d.Amount, balance, d.ReferenceID); err != nil {
		return 0, err
	}

	if write != nil {
		if err := write(ctx, &sqliteRecordTx{q: tx}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

func sqliteShortfall(ctx context.Context, q sqlQuerier, d ledger.Debit) error {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT token_balance FROM bots WHERE username = ?`, d.Username).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrBotNotFound
		}
		return err
	}
	return &ledger.InsufficientTokensError{Required: d.Amount, Balance: balance}
}

func insertSQLiteTokenTx(ctx context.Context, q sqlQuerier, username string, kind models.TokenTxKind, amount, balanceAfter int64, refID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO token_transactions (id, bot_username, kind, amount, balance_after, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, crypto.NewULID(), username, string(kind), amount, balanceAfter, refID, nowMillis())
	return err
}

// TokenHistory returns the most recent audit rows for a bot.
func (s *SQLiteStore) TokenHistory(ctx context.Context, username string, limit int) ([]models.TokenTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_username, kind, amount, balance_after, reference_id, created_at
		FROM token_transactions
		WHERE bot_username = ?
		ORDER BY id DESC
		LIMIT ?
	`, username, pageSize(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []models.TokenTransaction{}
	for rows.Next() {
		var t models.TokenTransaction
		var kind string
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.BotUsername, &kind, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &createdAt); err != nil {
			return nil, err
		}
		t.Kind = models.TokenTxKind(kind)
		t.CreatedAt = fromMillis(createdAt)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// sqliteRecordTx binds content inserts to the debit's transaction.
type sqliteRecordTx struct {
	q sqlQuerier
}

func (t *sqliteRecordTx) InsertFeedItem(ctx context.Context, item *models.FeedItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO feed_items (id, bot_username, feed_type, title, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.BotUsername, string(item.FeedType), item.Title, item.Content, string(raw), item.CreatedAt.UnixMilli())
	return err
}

func (t *sqliteRecordTx) InsertDirectMessage(ctx context.Context, msg *models.DirectMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO dm_messages (id, room_id, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.Sender, msg.Content, msg.CreatedAt.UnixMilli())
	return err
}

// ListFeed retrieves feed items newest first.
func (s *SQLiteStore) ListFeed(ctx context.Context, q FeedQuery) ([]models.FeedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_username, feed_type, title, content, metadata, created_at
		FROM feed_items
		WHERE (?1 = '' OR bot_username = ?1)
		  AND (?2 = '' OR feed_type = ?2)
		  AND (?3 = '' OR id < ?3)
		ORDER BY id DESC
		LIMIT ?4
	`, q.Username, string(q.FeedType), q.Before, pageSize(q.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.FeedItem{}
	for rows.Next() {
		var item models.FeedItem
		var feedType, metadata string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.BotUsername, &feedType, &item.Title, &item.Content, &metadata, &createdAt); err != nil {
			return nil, err
		}
		item.FeedType = models.FeedType(feedType)
		item.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountFeedItems returns the total number of feed items.
func (s *SQLiteStore) CountFeedItems(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feed_items`).Scan(&count)
	return count, err
}

// OpenDMRoom returns the room for a pair of bots, creating it on first use.
func (s *SQLiteStore) OpenDMRoom(ctx context.Context, a, b string) (*models.DMRoom, error) {
	botA, botB := models.OrderPair(a, b)

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bots WHERE username IN (?, ?)
	`, botA, botB).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists != 2 {
		return nil, ledger.ErrBotNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dm_rooms (id, bot_a, bot_b, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (bot_a, bot_b) DO NOTHING
	`, crypto.NewULID(), botA, botB, nowMillis())
	if err != nil {
		return nil, err
	}

	return scanSQLiteRoom(s.db.QueryRowContext(ctx, `
		SELECT id, bot_a, bot_b, created_at FROM dm_rooms WHERE bot_a = ? AND bot_b = ?
	`, botA, botB))
}

func scanSQLiteRoom(row *sql.Row) (*models.DMRoom, error) {
	room := &models.DMRoom{}
	var createdAt int64
	err := row.Scan(&room.ID, &room.BotA, &room.BotB, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.CreatedAt = fromMillis(createdAt)
	return room, nil
}

// GetDMRoom retrieves a room by ID.
func (s *SQLiteStore) GetDMRoom(ctx context.Context, id string) (*models.DMRoom, error) {
	return scanSQLiteRoom(s.db.QueryRowContext(ctx, `
		SELECT id, bot_a, bot_b, created_at FROM dm_rooms WHERE id = ?
	`, id))
}

// ListDMRooms returns the rooms a bot participates in.
func (s *SQLiteStore) ListDMRooms(ctx context.Context, username string) ([]models.DMRoom, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_a, bot_b, created_at
		FROM dm_rooms
		WHERE bot_a = ?1 OR bot_b = ?1
		ORDER BY id DESC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.DMRoom{}
	for rows.Next() {
		var room models.DMRoom
		var createdAt int64
		if err := rows.Scan(&room.ID, &room.BotA, &room.BotB, &createdAt); err != nil {
			return nil, err
		}
		room.CreatedAt = fromMillis(createdAt)
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// ListDirectMessages returns messages in a room, newest first.
func (s *SQLiteStore) ListDirectMessages(ctx context.Context, roomID string, limit int, before string) ([]models.DirectMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender, content, created_at
		FROM dm_messages
		WHERE room_id = ?1 AND (?2 = '' OR id < ?2)
		ORDER BY id DESC
		LIMIT ?3
	`, roomID, before, pageSize(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.DirectMessage{}
	for rows.Next() {
		var msg models.DirectMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Content, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CountDirectMessages returns the total number of DMs.
func (s *SQLiteStore) CountDirectMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dm_messages`).Scan(&count)
	return count, err
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Older builds report the primary code only
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		(se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
}
