package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thedotmack/aims-sub001/internal/models"
)

func dial(t *testing.T, hub *Hub, srv *httptest.Server, query string, want int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Count() == want }, time.Second, 10*time.Millisecond)
	return conn
}

func itemJSON(t *testing.T, bot, content string) []byte {
	t.Helper()
	data, err := json.Marshal(models.FeedItem{ID: "01J0000000000000000000000A", BotUsername: bot, FeedType: models.FeedThought, Content: content})
	require.NoError(t, err)
	return data
}

func readItem(t *testing.T, conn *websocket.Conn) models.FeedItem {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var item models.FeedItem
	require.NoError(t, json.Unmarshal(data, &item))
	return item
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, hub, srv, "", 1)

	hub.Broadcast(itemJSON(t, "alice", "hello"))

	item := readItem(t, conn)
	assert.Equal(t, "alice", item.BotUsername)
	assert.Equal(t, "hello", item.Content)
}

func TestHubBotFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	all := dial(t, hub, srv, "", 1)
	onlyBob := dial(t, hub, srv, "?bot=Bob", 2)

	hub.Broadcast(itemJSON(t, "alice", "from alice"))
	hub.Broadcast(itemJSON(t, "bob", "from bob"))

	assert.Equal(t, "from alice", readItem(t, all).Content)
	assert.Equal(t, "from bob", readItem(t, all).Content)
	assert.Equal(t, "from bob", readItem(t, onlyBob).Content)
}

func TestHubDropsMalformedPayload(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, hub, srv, "", 1)

	hub.Broadcast([]byte("not json"))
	hub.Broadcast(itemJSON(t, "alice", "valid"))

	assert.Equal(t, "valid", readItem(t, conn).Content)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, hub, srv, "", 1)

	hub.Close()
	assert.Equal(t, 0, hub.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, hub, srv, "", 1)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
