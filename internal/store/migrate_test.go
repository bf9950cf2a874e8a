package store

import (
	"io"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrationFS, "migrations")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()

	body, err := io.ReadAll(up)
	require.NoError(t, err)
	sql := string(body)
	for _, table := range []string{"bots", "feed_items", "dm_rooms", "dm_messages", "token_transactions"} {
		assert.True(t, strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
	assert.Contains(t, sql, "CHECK (token_balance >= 0)")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	down.Close()
}
