package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/chatterbridge/internal/api"
	"github.com/cortexuvula/chatterbridge/internal/history"
	"github.com/cortexuvula/chatterbridge/internal/metrics"
)

// ChatStatus reports whether the chat feed is logged in. *twitch.Client
// satisfies it.
type ChatStatus interface {
	Connected() bool
}

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status        string   `json:"status"`
	Uptime        string   `json:"uptime"`
	ChatConnected bool     `json:"chat_connected"`
	Channels      []string `json:"channels"`
	Version       string   `json:"version"`
	Timestamp     string   `json:"timestamp"`
	Details       *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	HistoryEntries    map[string]int `json:"history_entries"`
	MaxEntries        int            `json:"max_entries"`
	ActiveRequests    int            `json:"active_requests"`
	TotalRequests     int64          `json:"total_requests"`
	TotalCompletions  int64          `json:"total_completions"`
	FailedCompletions int64          `json:"failed_completions"`
	MemoryMB          float64        `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	chat      ChatStatus
	store     *history.Store
	stats     *api.Stats
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(chat ChatStatus, store *history.Store, stats *api.Stats, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		chat:      chat,
		store:     store,
		stats:     stats,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests.
// The health listener binds to loopback, separate from the public API, so
// local monitoring (systemd, Prometheus) can poll it without auth.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connected := h.chat.Connected()
	channels := h.store.Channels()

	if h.metrics != nil {
		for _, ch := range channels {
			h.metrics.HistoryEntries.WithLabelValues(ch).Set(float64(h.store.Count(ch)))
		}
	}

	status := "ok"
	httpCode := http.StatusOK
	if !connected {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:        status,
		Uptime:        time.Since(h.startTime).Round(time.Second).String(),
		ChatConnected: connected,
		Channels:      channels,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		entries := make(map[string]int, len(channels))
		for _, ch := range channels {
			entries[ch] = h.store.Count(ch)
		}
		resp.Version = h.version
		resp.Details = &Details{
			HistoryEntries:    entries,
			MaxEntries:        h.store.MaxEntries(),
			ActiveRequests:    h.stats.ActiveRequests(),
			TotalRequests:     h.stats.TotalRequests(),
			TotalCompletions:  h.stats.TotalCompletions(),
			FailedCompletions: h.stats.FailedCompletions(),
			MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
