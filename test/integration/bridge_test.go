//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sashabaranov/go-openai"

	"github.com/cortexuvula/chatterbridge/internal/api"
	"github.com/cortexuvula/chatterbridge/internal/chat"
	"github.com/cortexuvula/chatterbridge/internal/completion"
	"github.com/cortexuvula/chatterbridge/internal/config"
	"github.com/cortexuvula/chatterbridge/internal/health"
	"github.com/cortexuvula/chatterbridge/internal/history"
	"github.com/cortexuvula/chatterbridge/internal/twitch"
)

// chatScript is what the fake chat server sends after the bot joins.
var chatScript = []string{
	"@display-name=Alice;color=#FF0000 :alice!alice@alice.tmi.twitch.tv PRIVMSG #foo :hello chat",
	":nightbot!nightbot@nightbot.tmi.twitch.tv PRIVMSG #foo :Follow the stream!",
	":bob!bob@bob.tmi.twitch.tv PRIVMSG #foo :!uptime",
	":NightBot!nightbot@nightbot.tmi.twitch.tv PRIVMSG #foo :still a bot",
	":carol!carol@carol.tmi.twitch.tv PRIVMSG #foo :\x01ACTION waves\x01",
	":dave!dave@dave.tmi.twitch.tv PRIVMSG #bar :other channel",
}

func fakeChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("chat accept error: %v", err)
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		joins := 0
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			for _, line := range strings.Split(string(data), "\r\n") {
				if !strings.HasPrefix(line, "JOIN ") {
					continue
				}
				joins++
				if joins == 2 {
					c.Write(ctx, websocket.MessageText, []byte(":tmi.twitch.tv 001 snobot :Welcome, GLHF!\r\n"))
					for _, s := range chatScript {
						if err := c.Write(ctx, websocket.MessageText, []byte(s+"\r\n")); err != nil {
							return
						}
					}
				}
			}
		}
	}))
}

// fakeOpenAI records request bodies and answers with a fixed completion.
type fakeOpenAI struct {
	mu     sync.Mutex
	bodies []openai.ChatCompletionRequest
	fail   bool
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	body, _ := io.ReadAll(r.Body)
	json.Unmarshal(body, &req)
	f.mu.Lock()
	f.bodies = append(f.bodies, req)
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
		return
	}
	w.Write([]byte(`{"id":"chatcmpl-int","object":"chat.completion","created":1,"model":"gpt-test",
		"choices":[{"index":0,"message":{"role":"assistant","content":"hey Alice"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
}

func (f *fakeOpenAI) last() openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

type bridge struct {
	api    *httptest.Server
	health *httptest.Server
	llm    *fakeOpenAI
	store  *history.Store
}

func newBridge(t *testing.T) *bridge {
	t.Helper()

	chatSrv := fakeChatServer(t)
	t.Cleanup(chatSrv.Close)
	llm := &fakeOpenAI{}
	llmSrv := httptest.NewServer(llm)
	t.Cleanup(llmSrv.Close)

	cfg := config.DefaultConfig()
	cfg.Twitch.URL = "ws://" + strings.TrimPrefix(chatSrv.URL, "http://")
	cfg.Twitch.Username = "snobot"
	cfg.Twitch.AccessToken = "oauth:test"
	cfg.Twitch.Channels = []string{"foo", "bar"}
	cfg.OpenAI.APIKey = "sk-test"
	cfg.OpenAI.BaseURL = llmSrv.URL + "/v1"
	cfg.Completion.Model = "gpt-test"
	cfg.Completion.MaxTokens = 32
	cfg.History.MaxEntries = 3
	cfg.Security.RateLimit.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	store, err := history.NewStore(cfg.ChannelNames(), cfg.History.MaxEntries)
	if err != nil {
		t.Fatal(err)
	}
	ingestor := chat.NewIngestor(store, chat.NewFilter(cfg.Twitch.IgnoredChatters, cfg.Twitch.CommandPrefix))
	tmi := twitch.NewClient(twitch.Options{
		URL:               cfg.Twitch.URL,
		Username:          cfg.Twitch.Username,
		Token:             cfg.Twitch.AccessToken,
		Channels:          cfg.ChannelNames(),
		DialTimeout:       2 * time.Second,
		ReconnectDelay:    50 * time.Millisecond,
		MaxReconnectDelay: 200 * time.Millisecond,
		MaxMessageSize:    cfg.Twitch.MaxMessageSize,
	}, ingestor.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tmi.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	persona, err := completion.NewPersona(cfg.Completion.Persona)
	if err != nil {
		t.Fatal(err)
	}
	oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
	oc.BaseURL = cfg.OpenAI.BaseURL
	assembler := completion.NewAssembler(store, openai.NewClientWithConfig(oc), completion.Settings{
		Model:     cfg.Completion.Model,
		MaxTokens: cfg.Completion.MaxTokens,
		Persona:   persona,
	})

	handler := api.NewHandler(cfg, store, assembler, nil)
	apiSrv := httptest.NewServer(handler)
	t.Cleanup(apiSrv.Close)
	healthSrv := httptest.NewServer(health.NewHandler(tmi, store, handler.Stats, "test", true))
	t.Cleanup(healthSrv.Close)

	b := &bridge{api: apiSrv, health: healthSrv, llm: llm, store: store}
	b.waitForHistory(t, "bar", 1)
	return b
}

func (b *bridge) waitForHistory(t *testing.T, channel string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.store.Count(channel) >= n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d entries in %s (have %d)", n, channel, b.store.Count(channel))
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestChatIsFilteredIntoHistory(t *testing.T) {
	b := newBridge(t)

	var entries []history.Entry
	if code := getJSON(t, b.api.URL+"/channel/foo/history", &entries); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(entries) != 2 {
		t.Fatalf("history = %+v, want alice and carol only", entries)
	}
	if entries[0].Username != "alice" || entries[0].Message != "hello chat" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Username != "carol" || entries[1].Message != "waves" {
		t.Errorf("entries[1] = %+v, want ACTION text", entries[1])
	}
}

func TestCompletionEndToEnd(t *testing.T) {
	b := newBridge(t)

	var resp openai.ChatCompletionResponse
	if code := getJSON(t, b.api.URL+"/channel/FOO/completion", &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.ID != "chatcmpl-int" || resp.Choices[0].Message.Content != "hey Alice" || resp.Usage.TotalTokens != 12 {
		t.Errorf("response = %+v, want backend response unchanged", resp)
	}

	req := b.llm.last()
	if req.Model != "gpt-test" || req.MaxTokens != 32 {
		t.Errorf("request model=%q max_tokens=%d", req.Model, req.MaxTokens)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want system + 2", len(req.Messages))
	}
	if req.Messages[0].Role != openai.ChatMessageRoleSystem || !strings.Contains(req.Messages[0].Content, "foo") {
		t.Errorf("system message = %+v", req.Messages[0])
	}
	if req.Messages[1].Name != "alice" || req.Messages[1].Content != "hello chat" {
		t.Errorf("first chat message = %+v", req.Messages[1])
	}
}

func TestCompletionErrors(t *testing.T) {
	b := newBridge(t)

	if code := getJSON(t, b.api.URL+"/channel/baz/completion", nil); code != http.StatusNotFound {
		t.Errorf("unknown channel status = %d, want 404", code)
	}

	b.llm.mu.Lock()
	b.llm.fail = true
	b.llm.mu.Unlock()
	if code := getJSON(t, b.api.URL+"/channel/foo/completion", nil); code != http.StatusBadGateway {
		t.Errorf("backend failure status = %d, want 502", code)
	}
}

func TestHealthReportsChat(t *testing.T) {
	b := newBridge(t)

	var resp health.Response
	if code := getJSON(t, b.health.URL, &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !resp.ChatConnected {
		t.Error("chat_connected should be true")
	}
	if resp.Details == nil || resp.Details.HistoryEntries["foo"] != 2 {
		t.Errorf("details = %+v, want 2 entries for foo", resp.Details)
	}
}
