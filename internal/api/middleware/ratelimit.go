package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/thedotmack/aims-sub001/internal/crypto"
	"github.com/thedotmack/aims-sub001/internal/metrics"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// rateRule binds a limit to a method and one or more path patterns. A "*"
// pattern segment matches exactly one path segment.
type rateRule struct {
	name     string
	method   string
	patterns []string
	limit    RateLimit
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
	LocalFallback    bool     // Limit in process when no Redis client is configured
}

// RateLimiter implements sliding window rate limiting. A limiter without a
// Redis client lets every request through unless LocalFallback is set, in
// which case it uses per-process token buckets.
type RateLimiter struct {
	client           *redis.Client
	rules            []rateRule
	blocker          *IPBlocker
	local            *localLimiter
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:           client,
		blocker:          NewIPBlocker(client),
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		// First match wins, so specific routes come before broad ones.
		rules: []rateRule{
			{"register", http.MethodPost, []string{"/bots/register"}, RateLimit{10, time.Hour, ipKey}},
			{"rotate_key", http.MethodPost, []string{"/bots/*/rotate-key"}, RateLimit{5, time.Hour, botKey}},
			{"feed_post", http.MethodPost, []string{"/bots/*/feed"}, RateLimit{60, time.Minute, botKey}},
			{"top_up", http.MethodPost, []string{"/bots/*/tokens"}, RateLimit{30, time.Minute, botKey}},
			{"dm_send", http.MethodPost, []string{"/dms/*/messages"}, RateLimit{60, time.Minute, botKey}},
			{"dm_open", http.MethodPost, []string{"/dms"}, RateLimit{30, time.Hour, botKey}},
			{"feed_stream", http.MethodGet, []string{"/feed/stream"}, RateLimit{10, time.Minute, ipKey}},
			{"feed_read", http.MethodGet, []string{"/feed", "/bots/*/feed"}, RateLimit{120, time.Minute, ipKey}},
			{"bot_read", http.MethodGet, []string{"/bots/*", "/bots/*/tokens", "/bots/*/tokens/history"}, RateLimit{120, time.Minute, botOrIPKey}},
			{"dm_read", http.MethodGet, []string{"/dms", "/dms/*/messages"}, RateLimit{120, time.Minute, botKey}},
		},
	}

	if client == nil && cfg.LocalFallback {
		rl.local = newLocalLimiter()
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			// Single IP
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// Mode reports where limits are enforced: "redis", "local" or "off".
func (rl *RateLimiter) Mode() string {
	switch {
	case rl.client != nil:
		return "redis"
	case rl.local != nil:
		return "local"
	default:
		return "off"
	}
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	// Check exact IP match
	if rl.whitelistIPs[ipStr] {
		return true
	}

	// Check CIDR ranges
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// botKey returns a rate limit key derived from the bearer key, falling back
// to the client IP for anonymous requests. Raw keys never reach Redis.
func botKey(r *http.Request) string {
	key, ok := bearerToken(r)
	if !ok {
		return ipKey(r)
	}
	return "ratelimit:bot:" + crypto.HashAPIKey(key)[:16]
}

// botOrIPKey keys authenticated reads per bot, anonymous reads per IP.
func botOrIPKey(r *http.Request) string {
	if _, ok := bearerToken(r); ok {
		return botKey(r)
	}
	return ipKey(r)
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// Check Fly.io header first
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	// Then X-Forwarded-For
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	// Then X-Real-IP
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// CheckAndIncrement checks rate limit and increments counter.
// Returns (allowed, remaining, resetAt). Redis failures fail open.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	windowStart := now.Add(-window)
	resetAt := now.Add(window)

	pipe := rl.client.Pipeline()

	// Remove old entries outside window
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixMilli(), 10))

	// Count current entries
	countCmd := pipe.ZCard(ctx, key)

	// Add current request with unique member
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})

	// Set TTL on key
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
		return true, limit, resetAt
	}

	count := countCmd.Val()
	remaining := limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}

	return count < int64(limit), remaining, resetAt
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.client == nil && rl.local == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := RealIP(r)

		// Skip rate limiting for whitelisted IPs
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		// Check IP block first
		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "TEMPORARILY_BLOCKED", "temporarily blocked")
			return
		}

		rule := rl.findRule(r)
		if rule == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := "ratelimit:" + rule.name + ":" + strings.TrimPrefix(rule.limit.KeyFunc(r), "ratelimit:")
		var (
			allowed   bool
			remaining int
			resetAt   time.Time
		)
		if rl.client != nil {
			allowed, remaining, resetAt = rl.CheckAndIncrement(r.Context(), key, rule.limit.Requests, rule.limit.Window)
		} else {
			allowed, remaining, resetAt = rl.local.allow(key, rule.limit)
		}

		// Set rate limit headers
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())))
			metrics.RateLimitHits.WithLabelValues(rule.name).Inc()

			// Track violation
			rl.trackViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("rule", rule.name).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findRule finds the first rule matching the request.
func (rl *RateLimiter) findRule(r *http.Request) *rateRule {
	for i := range rl.rules {
		rule := &rl.rules[i]
		if rule.method != r.Method {
			continue
		}
		for _, pattern := range rule.patterns {
			if matchPath(pattern, r.URL.Path) {
				return rule
			}
		}
	}
	return nil
}

func matchPath(pattern, path string) bool {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	xs := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) != len(xs) {
		return false
	}
	for i := range ps {
		if ps[i] == "*" {
			if xs[i] == "" {
				return false
			}
			continue
		}
		if ps[i] != xs[i] {
			return false
		}
	}
	return true
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled || rl.client == nil {
		return
	}

	key := fmt.Sprintf("violations:ip:%s", ip)
	count, _ := rl.client.Incr(ctx, key).Result()
	rl.client.Expire(ctx, key, time.Hour)

	if count >= 10 {
		rl.blocker.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		metrics.BlockedRequests.WithLabelValues("auto_block").Inc()
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// localLimiter keeps one token bucket per rule key. Buckets refill at
// Requests per Window with a burst of Requests.
type localLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

const localLimiterMaxKeys = 10000

func newLocalLimiter() *localLimiter {
	return &localLimiter{
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *localLimiter) allow(key string, limit RateLimit) (bool, int, time.Time) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= localLimiterMaxKeys {
			l.evict(now)
		}
		every := limit.Window / time.Duration(limit.Requests)
		b = rate.NewLimiter(rate.Every(every), limit.Requests)
		l.buckets[key] = b
	}
	l.lastSeen[key] = now

	allowed := b.AllowN(now, 1)
	remaining := int(b.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, now.Add(limit.Window)
}

// evict drops buckets idle for more than an hour, or all of them if none are.
func (l *localLimiter) evict(now time.Time) {
	cutoff := now.Add(-time.Hour)
	for k, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.buckets, k)
			delete(l.lastSeen, k)
		}
	}
	if len(l.buckets) >= localLimiterMaxKeys {
		l.buckets = make(map[string]*rate.Limiter)
		l.lastSeen = make(map[string]time.Time)
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

// IsBlocked checks if an IP is blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	if b.client == nil {
		return false
	}
	key := fmt.Sprintf("blocked:ip:%s", ip)
	exists, _ := b.client.Exists(ctx, key).Result()
	return exists > 0
}

// Block blocks an IP for the specified duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	if b.client == nil {
		return
	}
	key := fmt.Sprintf("blocked:ip:%s", ip)
	b.client.Set(ctx, key, reason, duration)
}
