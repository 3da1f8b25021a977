package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/cortexuvula/chatterbridge/internal/completion"
	"github.com/cortexuvula/chatterbridge/internal/config"
	"github.com/cortexuvula/chatterbridge/internal/history"
	"github.com/cortexuvula/chatterbridge/internal/metrics"
	"github.com/cortexuvula/chatterbridge/internal/security"
)

// Completer produces a completion for a channel. *completion.Assembler
// satisfies it.
type Completer interface {
	RequestCompletion(ctx context.Context, channel string) (openai.ChatCompletionResponse, error)
}

// Handler serves the public HTTP API.
type Handler struct {
	Config      *config.Config
	Store       *history.Store
	Completer   Completer
	RateLimiter *security.RateLimiter // optional, nil if rate limiting disabled
	Metrics     *metrics.Metrics      // optional, nil if metrics disabled
	Stats       *Stats

	mux *http.ServeMux

	// mu protects Config during hot-reload
	mu sync.RWMutex
}

// NewHandler creates the API handler and registers its routes.
func NewHandler(cfg *config.Config, store *history.Store, c Completer, rl *security.RateLimiter) *Handler {
	h := &Handler{
		Config:      cfg,
		Store:       store,
		Completer:   c,
		RateLimiter: rl,
		Stats:       NewStats(),
		mux:         http.NewServeMux(),
	}

	authToken := func() string { return h.GetConfig().Security.AuthToken }

	h.mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux.Handle("GET /channel/{channel}/completion",
		security.RequireToken(authToken, http.HandlerFunc(h.handleCompletion)))
	h.mux.Handle("GET /channel/{channel}/history",
		security.RequireToken(authToken, http.HandlerFunc(h.handleHistory)))
	return h
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Stats.begin()
	defer h.Stats.end()

	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	h.mux.ServeHTTP(sw, r)

	if h.Metrics != nil {
		h.Metrics.RequestsTotal.WithLabelValues(routeLabel(r), strconv.Itoa(sw.code)).Inc()
	}
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	entries, err := h.Store.Get(channel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()
	channel := history.NormalizeChannel(r.PathValue("channel"))
	if !h.Store.Has(channel) {
		h.writeError(w, r, history.ErrUnknownChannel)
		return
	}

	clientIP := security.ExtractClientIP(r.RemoteAddr)
	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(channel, clientIP) {
		h.Stats.rejectedRateLimits.Add(1)
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		}
		slog.Warn("rate limit exceeded", "channel", channel, "client_ip", clientIP)
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
		return
	}

	resp, err := h.Completer.RequestCompletion(r.Context(), channel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Stats.totalCompletions.Add(1)
	writeJSON(w, http.StatusOK, resp)
}

// statusClientClosed is the nginx convention for a request abandoned by the client.
const statusClientClosed = 499

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	channel := r.PathValue("channel")
	switch {
	case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
		// Nobody is left to read a body; the code only feeds the request metric.
		slog.Debug("client went away", "channel", channel, "error", err)
		w.WriteHeader(statusClientClosed)
	case errors.Is(err, history.ErrUnknownChannel):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown channel: " + history.NormalizeChannel(channel)})
	case errors.Is(err, completion.ErrBackend):
		h.Stats.failedCompletions.Add(1)
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("backend").Inc()
		}
		slog.Error("completion failed", "channel", channel, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "completion backend failed"})
	default:
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("internal").Inc()
		}
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// routeLabel keeps metric cardinality independent of channel names.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}

// statusWriter records the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
