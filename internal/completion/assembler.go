package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/cortexuvula/chatterbridge/internal/history"
	"github.com/cortexuvula/chatterbridge/internal/metrics"
)

// ErrBackend wraps every failure returned by the completion backend.
var ErrBackend = errors.New("completion backend failed")

// Backend is the chat completion API. *openai.Client satisfies it.
type Backend interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Settings are the request parameters sent with every completion.
type Settings struct {
	Model     string
	MaxTokens int
	Persona   *Persona
}

// Assembler turns a channel's history into a completion request.
type Assembler struct {
	store   *history.Store
	backend Backend
	Metrics *metrics.Metrics // optional, nil if metrics disabled

	// mu protects settings during hot-reload
	mu       sync.RWMutex
	settings Settings
}

// NewAssembler creates an assembler reading from store and calling backend.
func NewAssembler(store *history.Store, backend Backend, settings Settings) *Assembler {
	return &Assembler{store: store, backend: backend, settings: settings}
}

// UpdateSettings swaps model, token limit and persona (called on SIGHUP).
func (a *Assembler) UpdateSettings(s Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = s
}

func (a *Assembler) getSettings() Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// BuildPrompt returns the persona as a system message followed by one user
// message per history entry, oldest first.
func (a *Assembler) BuildPrompt(channel string) ([]openai.ChatCompletionMessage, error) {
	return a.buildPrompt(channel, a.getSettings())
}

func (a *Assembler) buildPrompt(channel string, s Settings) ([]openai.ChatCompletionMessage, error) {
	channel = history.NormalizeChannel(channel)
	entries, err := a.store.Get(channel)
	if err != nil {
		return nil, err
	}

	system, err := s.Persona.Render(channel)
	if err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(entries)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, e := range entries {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Name:    e.Username,
			Content: e.Message,
		})
	}
	return messages, nil
}

// RequestCompletion sends the channel's prompt to the backend and returns the
// backend response unmodified. Backend failures are wrapped in ErrBackend and
// not retried.
func (a *Assembler) RequestCompletion(ctx context.Context, channel string) (openai.ChatCompletionResponse, error) {
	s := a.getSettings()
	messages, err := a.buildPrompt(channel, s)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	req := openai.ChatCompletionRequest{
		Model:     s.Model,
		MaxTokens: s.MaxTokens,
		Messages:  messages,
	}

	start := time.Now()
	resp, err := a.backend.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if a.Metrics != nil {
		a.Metrics.CompletionDuration.Observe(elapsed.Seconds())
	}
	if err != nil {
		if a.Metrics != nil {
			a.Metrics.CompletionsTotal.WithLabelValues("error").Inc()
		}
		return openai.ChatCompletionResponse{}, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if a.Metrics != nil {
		a.Metrics.CompletionsTotal.WithLabelValues("ok").Inc()
	}

	slog.Info("completion generated",
		"channel", history.NormalizeChannel(channel),
		"model", s.Model,
		"prompt_messages", len(messages),
		"total_tokens", resp.Usage.TotalTokens,
		"duration", elapsed.String(),
	)
	return resp, nil
}
