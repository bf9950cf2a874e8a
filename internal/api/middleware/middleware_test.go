package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/models"
)

type fakeLookup struct {
	bots map[string]*models.Bot
	err  error
}

func (f *fakeLookup) GetBotByAPIKeyHash(_ context.Context, keyHash string) (*models.Bot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bots[keyHash], nil
}

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Success)
	return body.Code
}

func TestRequireAuth(t *testing.T) {
	activeKey, activeHash, err := crypto.NewAPIKey()
	require.NoError(t, err)
	deadKey, deadHash, err := crypto.NewAPIKey()
	require.NoError(t, err)
	unknownKey, _, err := crypto.NewAPIKey()
	require.NoError(t, err)

	lookup := &fakeLookup{bots: map[string]*models.Bot{
		activeHash: {Username: "alice", Status: models.BotActive},
		deadHash:   {Username: "zombie", Status: models.BotDeactivated},
	}}
	auth := NewAuthMiddleware(lookup, zerolog.Nop())

	var seen *models.Bot
	h := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetBotFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing header", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "Basic " + activeKey, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"malformed key", "Bearer aims_nothex", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown key", "Bearer " + unknownKey, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"deactivated", "Bearer " + deadKey, http.StatusForbidden, "BOT_DEACTIVATED"},
		{"valid", "Bearer " + activeKey, http.StatusNoContent, ""},
		{"lowercase scheme", "bearer " + activeKey, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/dms", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeCode(t, rec))
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, "alice", seen.Username)
		})
	}
}

func TestRequireAuthStorageFailure(t *testing.T) {
	key, _, err := crypto.NewAPIKey()
	require.NoError(t, err)
	auth := NewAuthMiddleware(&fakeLookup{err: errors.New("db down")}, zerolog.Nop())

	h := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/dms", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "STORAGE_UNAVAILABLE", decodeCode(t, rec))
}

func TestRequireOwner(t *testing.T) {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(WithBot(req.Context(), &models.Bot{Username: "alice"})))
		})
	})
	r.With(RequireOwner).Post("/bots/{username}/feed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/alice/feed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/bob/feed", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeCode(t, rec))
}

func TestRequireOwnerWithoutAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireOwner(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bots/alice/tokens/history", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/feed", "/feed"},
		{"/feed/stream", "/feed/stream"},
		{"/bots/register", "/bots/register"},
		{"/bots/alice", "/bots/:username"},
		{"/bots/alice/feed", "/bots/:username/feed"},
		{"/bots/alice/tokens/history", "/bots/:username/tokens/history"},
		{"/dms", "/dms"},
		{"/dms/01HZX3/messages", "/dms/:roomId/messages"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestFindRule(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})

	tests := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/bots/register", "register"},
		{http.MethodPost, "/bots/alice/feed", "feed_post"},
		{http.MethodPost, "/bots/alice/tokens", "top_up"},
		{http.MethodPost, "/bots/alice/rotate-key", "rotate_key"},
		{http.MethodPost, "/dms", "dm_open"},
		{http.MethodPost, "/dms/01HZX3/messages", "dm_send"},
		{http.MethodGet, "/feed", "feed_read"},
		{http.MethodGet, "/feed/stream", "feed_stream"},
		{http.MethodGet, "/bots/alice/feed", "feed_read"},
		{http.MethodGet, "/bots/alice/tokens/history", "bot_read"},
		{http.MethodGet, "/dms/01HZX3/messages", "dm_read"},
		{http.MethodGet, "/health", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rule := rl.findRule(req)
		if tt.want == "" {
			assert.Nil(t, rule, tt.path)
			continue
		}
		require.NotNil(t, rule, tt.path)
		assert.Equal(t, tt.want, rule.name, tt.method+" "+tt.path)
	}
}

func TestBotKeyHidesRawKey(t *testing.T) {
	key, _, err := crypto.NewAPIKey()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/bots/alice/feed", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	got := botKey(req)
	assert.True(t, strings.HasPrefix(got, "ratelimit:bot:"))
	assert.NotContains(t, got, key)

	anon := httptest.NewRequest(http.MethodPost, "/bots/alice/feed", nil)
	anon.RemoteAddr = "203.0.113.9:5555"
	assert.Equal(t, "ratelimit:ip:203.0.113.9", botKey(anon))
}

func TestWhitelist(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{
		Whitelist: []string{"10.0.0.1", "192.168.0.0/16", "not-a-cidr/99"},
	})

	assert.True(t, rl.isWhitelisted("10.0.0.1"))
	assert.True(t, rl.isWhitelisted("192.168.4.20"))
	assert.False(t, rl.isWhitelisted("10.0.0.2"))
	assert.False(t, rl.isWhitelisted("garbage"))
}

func TestRateLimiterWithoutRedisPassesThrough(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/register", nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}
}

func TestRateLimiterMode(t *testing.T) {
	assert.Equal(t, "off", NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{}).Mode())
	assert.Equal(t, "local", NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{LocalFallback: true}).Mode())
	assert.Equal(t, "redis", NewRateLimiter(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), zerolog.Nop(), RateLimiterConfig{LocalFallback: true}).Mode())
}

func TestRateLimiterLocalFallback(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{LocalFallback: true})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/bots/register", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 10; i++ {
		rec := send("198.51.100.7:1000")
		require.Equal(t, http.StatusTeapot, rec.Code, "request %d", i)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := send("198.51.100.7:1000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other clients have their own bucket.
	assert.Equal(t, http.StatusTeapot, send("198.51.100.8:1000").Code)
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	assert.Equal(t, "198.51.100.7", RealIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.1", RealIP(req))

	req.Header.Set("Fly-Client-IP", "192.0.2.44")
	assert.Equal(t, "192.0.2.44", RealIP(req))
}

func TestMaxBodySize(t *testing.T) {
	h := MaxBodySize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"way too long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		method string
		target string
		ctype  string
		body   string
		status int
	}{
		{"json post", http.MethodPost, "/bots/register", "application/json", `{}`, http.StatusOK},
		{"form post", http.MethodPost, "/bots/register", "application/x-www-form-urlencoded", "a=b", http.StatusUnsupportedMediaType},
		{"empty post", http.MethodPost, "/bots/alice/rotate-key", "", "", http.StatusOK},
		{"traversal", http.MethodGet, "/bots/..%2f/feed", "", "", http.StatusBadRequest},
		{"script query", http.MethodGet, "/feed?cursor=javascript:alert(1)", "", "", http.StatusBadRequest},
		{"double slash", http.MethodGet, "/bots//feed", "", "", http.StatusBadRequest},
		{"oversized value", http.MethodGet, "/feed?bot=" + strings.Repeat("a", 65), "", "", http.StatusBadRequest},
		{"plain get", http.MethodGet, "/feed?limit=5", "", "", http.StatusOK},
		{"cursor and type", http.MethodGet, "/feed?cursor=01J00000000000000000000000&type=thought", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'", rec.Header().Get("Content-Security-Policy"))
}
