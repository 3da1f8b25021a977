package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for chatterbridge.
type Metrics struct {
	ChatMessagesTotal  *prometheus.CounterVec
	ChatConnected      prometheus.Gauge
	HistoryEntries     *prometheus.GaugeVec
	RequestsTotal      *prometheus.CounterVec
	CompletionsTotal   *prometheus.CounterVec
	CompletionDuration prometheus.Histogram
	ErrorsTotal        *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers all metrics on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChatMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatterbridge_chat_messages_total",
			Help: "Chat messages received, by outcome (stored, ignored_user, command, unknown_channel)",
		}, []string{"result"}),
		ChatConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatterbridge_chat_connected",
			Help: "Chat connection state (1=logged in, 0=disconnected)",
		}),
		HistoryEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatterbridge_history_entries",
			Help: "Entries currently held in each channel's history window",
		}, []string{"channel"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatterbridge_http_requests_total",
			Help: "HTTP requests handled, by route and status code",
		}, []string{"route", "code"}),
		CompletionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatterbridge_completions_total",
			Help: "Completion requests sent to the backend, by result",
		}, []string{"result"}),
		CompletionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatterbridge_completion_duration_seconds",
			Help:    "Completion backend latency",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatterbridge_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
