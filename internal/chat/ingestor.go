package chat

import (
	"log/slog"
	"sync/atomic"

	"github.com/cortexuvula/chatterbridge/internal/history"
	"github.com/cortexuvula/chatterbridge/internal/metrics"
	"github.com/cortexuvula/chatterbridge/internal/twitch"
)

// Ingestor moves chat messages that pass the filter into the history store.
type Ingestor struct {
	store   *history.Store
	filter  atomic.Pointer[Filter]
	Metrics *metrics.Metrics // optional, nil if metrics disabled
}

// NewIngestor creates an ingestor writing to store.
func NewIngestor(store *history.Store, filter *Filter) *Ingestor {
	in := &Ingestor{store: store}
	in.filter.Store(filter)
	return in
}

// SetFilter swaps the filter (called on config reload).
func (in *Ingestor) SetFilter(f *Filter) {
	in.filter.Store(f)
}

// HandleMessage is the chat client's message callback.
func (in *Ingestor) HandleMessage(msg twitch.Message) {
	in.Ingest(msg.Channel, msg.Username, msg.Text)
}

// Ingest filters and stores a single message, returning what happened to it.
// Filtered messages are dropped silently.
func (in *Ingestor) Ingest(channel, username, text string) Reason {
	channel = history.NormalizeChannel(channel)

	ok, reason := in.filter.Load().Allow(username, text)
	if !ok {
		slog.Debug("chat message filtered", "channel", channel, "username", username, "reason", string(reason))
		in.count(reason)
		return reason
	}

	if err := in.store.Append(channel, history.Entry{Username: username, Message: text}); err != nil {
		// Only configured channels are joined, so this indicates a misrouted event.
		slog.Warn("dropping chat message", "channel", channel, "error", err)
		in.count(ReasonUnknownChannel)
		return ReasonUnknownChannel
	}

	in.count(ReasonStored)
	if in.Metrics != nil {
		in.Metrics.HistoryEntries.WithLabelValues(channel).Set(float64(in.store.Count(channel)))
	}
	return ReasonStored
}

func (in *Ingestor) count(r Reason) {
	if in.Metrics != nil {
		in.Metrics.ChatMessagesTotal.WithLabelValues(string(r)).Inc()
	}
}
