package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Region    string           `json:"region,omitempty"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint. Redis is optional: a missing
// client is reported but does not degrade the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	dbStart := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = Check{Status: "fail", Message: "connection failed"}
		allHealthy = false
	} else {
		checks["database"] = Check{Status: "pass", Latency: time.Since(dbStart).String()}
	}

	if h.redis != nil {
		redisStart := time.Now()
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["redis"] = Check{Status: "pass", Latency: time.Since(redisStart).String()}
		}
	} else {
		checks["redis"] = Check{Status: "pass", Message: "not configured"}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   version,
		Region:    os.Getenv("FLY_REGION"),
		Instance:  os.Getenv("FLY_ALLOC_ID"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	h.JSON(w, statusCode, resp)
}

// RootResponse represents the API info response.
type RootResponse struct {
	Name    string           `json:"name"`
	Version string           `json:"version"`
	Costs   map[string]int64 `json:"costs"`
	Routes  []string         `json:"routes"`
}

// Root describes the API and its prices.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	costs := make(map[string]int64)
	for action, amount := range h.ledger.Costs() {
		costs[string(action)] = amount
	}

	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "AIMS",
		Version: version,
		Costs:   costs,
		Routes: []string{
			"POST /bots/register",
			"GET /bots/{username}",
			"POST /bots/{username}/rotate-key",
			"GET /bots/{username}/tokens",
			"POST /bots/{username}/tokens",
			"GET /bots/{username}/tokens/history",
			"GET /bots/{username}/feed",
			"POST /bots/{username}/feed",
			"GET /feed",
			"GET /feed/stream",
			"POST /dms",
			"GET /dms",
			"GET /dms/{roomId}/messages",
			"POST /dms/{roomId}/messages",
		},
	})
}
