package twitch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeTMI is a minimal Twitch chat server. It records client lines, welcomes
// the client once it has joined, then sends the scripted lines.
type fakeTMI struct {
	t        *testing.T
	received chan string
	script   []string
}

func (f *fakeTMI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.t.Logf("accept error: %v", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	write := func(line string) bool {
		return c.Write(ctx, websocket.MessageText, []byte(line+"\r\n")) == nil
	}

	welcomed := false
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			select {
			case f.received <- line:
			default:
			}
			if strings.HasPrefix(line, "JOIN ") && !welcomed {
				welcomed = true
				write(":tmi.twitch.tv 001 bot :Welcome, GLHF!")
				for _, s := range f.script {
					if !write(s) {
						return
					}
				}
			}
		}
	}
}

func wsURL(httpURL string) string {
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		Username:          "Bot",
		Token:             "oauth:secret",
		Channels:          []string{"Foo"},
		DialTimeout:       2 * time.Second,
		ReconnectDelay:    50 * time.Millisecond,
		MaxReconnectDelay: 200 * time.Millisecond,
	}
}

func waitForLine(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for client line %q", want)
		}
	}
}

func TestClientLoginJoinAndReceive(t *testing.T) {
	srv := &fakeTMI{
		t:        t,
		received: make(chan string, 100),
		script: []string{
			"@display-name=Alice :alice!alice@alice.tmi.twitch.tv PRIVMSG #foo :hello",
			":bob!bob@bob.tmi.twitch.tv PRIVMSG #foo :\x01ACTION waves\x01",
			"PING :tmi.twitch.tv",
		},
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	messages := make(chan Message, 10)
	client := NewClient(testOptions(wsURL(ts.URL)), func(m Message) { messages <- m })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitForLine(t, srv.received, "PASS oauth:secret")
	waitForLine(t, srv.received, "NICK bot")
	waitForLine(t, srv.received, "JOIN #foo")

	var got []Message
	for len(got) < 2 {
		select {
		case m := <-messages:
			got = append(got, m)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for messages, got %d", len(got))
		}
	}
	if got[0].Channel != "#foo" || got[0].Username != "alice" || got[0].Text != "hello" || got[0].DisplayName != "Alice" {
		t.Errorf("first message = %+v", got[0])
	}
	if got[1].Username != "bob" || got[1].Text != "waves" {
		t.Errorf("second message = %+v, want action text unwrapped", got[1])
	}

	waitForLine(t, srv.received, "PONG :tmi.twitch.tv")

	if !client.Connected() {
		t.Error("client should report connected after welcome")
	}
}

func TestClientReconnectsOnServerRequest(t *testing.T) {
	srv := &fakeTMI{
		t:        t,
		received: make(chan string, 100),
		script:   []string{":tmi.twitch.tv RECONNECT"},
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(testOptions(wsURL(ts.URL)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// Two logins prove the client came back after RECONNECT.
	waitForLine(t, srv.received, "JOIN #foo")
	waitForLine(t, srv.received, "JOIN #foo")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v after cancel, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if client.Connected() {
		t.Error("client should not report connected after Run returns")
	}
}

func TestClientRunStopsWhenDialFails(t *testing.T) {
	client := NewClient(testOptions("ws://127.0.0.1:1"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := client.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil on context expiry", err)
	}
	if client.Connected() {
		t.Error("client should not be connected")
	}
}

func TestHandleLineAuthFailure(t *testing.T) {
	c := NewClient(testOptions("ws://unused"), nil)
	err := c.handleLine(context.Background(), nil, ":tmi.twitch.tv NOTICE * :Login authentication failed")
	if err != ErrAuthFailed {
		t.Errorf("handleLine(auth notice) = %v, want ErrAuthFailed", err)
	}
}

func TestClientRunStopsOnAuthFailure(t *testing.T) {
	srv := &fakeTMI{
		t:        t,
		received: make(chan string, 100),
		script:   []string{":tmi.twitch.tv NOTICE * :Login authentication failed"},
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(testOptions(wsURL(ts.URL)), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := client.Run(ctx)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Run() = %v, want ErrAuthFailed", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run() only returned after the context expired")
	}

	logins := 0
	for len(srv.received) > 0 {
		if strings.HasPrefix(<-srv.received, "PASS ") {
			logins++
		}
	}
	if logins != 1 {
		t.Errorf("client logged in %d times, want 1 with no retry", logins)
	}
}
