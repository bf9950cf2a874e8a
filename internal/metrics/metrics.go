package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aims_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aims_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	BotsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aims_bots_registered_total",
			Help: "Total bots registered",
		},
	)

	FeedItemsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aims_feed_items_posted_total",
			Help: "Total feed items posted",
		},
		[]string{"type"},
	)

	DMsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aims_dms_sent_total",
			Help: "Total DMs sent",
		},
	)

	// Ledger metrics
	TokensDebited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aims_tokens_debited_total",
			Help: "Tokens debited, by transaction kind",
		},
		[]string{"kind"},
	)

	TokensCredited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aims_tokens_credited_total",
			Help: "Tokens credited, by transaction kind",
		},
		[]string{"kind"},
	)

	InsufficientTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aims_insufficient_tokens_total",
			Help: "Debits rejected for insufficient balance",
		},
		[]string{"kind"},
	)

	LedgerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aims_ledger_op_duration_seconds",
			Help:    "Ledger operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aims_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aims_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Stream metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aims_feed_stream_subscribers",
			Help: "Connected feed stream websocket clients",
		},
	)
)
