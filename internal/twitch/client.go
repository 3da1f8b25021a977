package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"gopkg.in/irc.v4"

	"github.com/cortexuvula/chatterbridge/internal/metrics"
)

// DefaultURL is Twitch's IRC-over-WebSocket endpoint.
const DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

var (
	// ErrAuthFailed is returned when Twitch rejects the login credentials.
	ErrAuthFailed = errors.New("twitch login authentication failed")

	errReconnectRequested = errors.New("server requested reconnect")
)

// Message is a chat message received on a joined channel.
type Message struct {
	Channel     string // as sent by the server, e.g. "#somechannel"
	Username    string // login name
	DisplayName string // display-name tag, may be empty
	Text        string
}

// Options configures the chat connection.
type Options struct {
	URL               string
	Username          string
	Token             string
	Channels          []string
	DialTimeout       time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxMessageSize    int64
}

// Client is a read-only Twitch chat client. It joins the configured channels
// and delivers PRIVMSG events to the handler.
type Client struct {
	opts    Options
	handler func(Message)
	Metrics *metrics.Metrics // optional, nil if metrics disabled

	connected atomic.Bool
}

// NewClient creates a chat client. handler is called sequentially from the
// read loop for every chat message.
func NewClient(opts Options, handler func(Message)) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	return &Client{opts: opts, handler: handler}
}

// Connected reports whether the client currently holds a logged-in session.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run keeps a chat session open until ctx is cancelled, reconnecting with
// exponential backoff after failures. It returns nil on cancellation and
// ErrAuthFailed, without retrying, if Twitch rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.ReconnectDelay
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A session that stayed up for a while resets the backoff.
		if time.Since(start) > c.opts.MaxReconnectDelay {
			delay = c.opts.ReconnectDelay
		}

		if c.Metrics != nil {
			c.Metrics.ErrorsTotal.WithLabelValues("chat_disconnect").Inc()
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		slog.Warn("chat connection lost, reconnecting", "error", err, "retry_in", delay.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.MaxReconnectDelay)
	}
}

// session dials, logs in, joins channels and reads until the connection fails.
func (c *Client) session(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}
	defer conn.CloseNow()
	if c.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(c.opts.MaxMessageSize)
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	defer sessCancel()

	login := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:" + strings.TrimPrefix(c.opts.Token, "oauth:"),
		"NICK " + strings.ToLower(c.opts.Username),
	}
	for _, ch := range c.opts.Channels {
		login = append(login, "JOIN #"+strings.ToLower(strings.TrimPrefix(ch, "#")))
	}
	for _, line := range login {
		if err := c.send(sessCtx, conn, line); err != nil {
			return fmt.Errorf("sending login: %w", err)
		}
	}

	if c.opts.PingInterval > 0 {
		go keepAlive(sessCtx, conn, c.opts.PingInterval, c.opts.PongTimeout, sessCancel)
	}

	defer c.setConnected(false)
	for {
		_, data, err := conn.Read(sessCtx)
		if err != nil {
			return fmt.Errorf("reading: %w", err)
		}
		for _, raw := range strings.Split(string(data), "\r\n") {
			if raw == "" {
				continue
			}
			if err := c.handleLine(sessCtx, conn, raw); err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return err
			}
		}
	}
}

func (c *Client) handleLine(ctx context.Context, conn *websocket.Conn, raw string) error {
	line, err := irc.ParseMessage(raw)
	if err != nil {
		slog.Debug("ignoring malformed IRC line", "line", raw, "error", err)
		return nil
	}

	switch line.Command {
	case "PING":
		return c.send(ctx, conn, "PONG :"+line.Trailing())
	case "001":
		c.setConnected(true)
		slog.Info("chat connected", "url", c.opts.URL, "username", c.opts.Username, "channels", c.opts.Channels)
	case "JOIN":
		if strings.EqualFold(nick(line), c.opts.Username) {
			slog.Info("joined channel", "channel", line.Param(0))
		}
	case "NOTICE":
		if strings.Contains(line.Trailing(), "authentication failed") ||
			strings.Contains(line.Trailing(), "Improperly formatted auth") {
			return ErrAuthFailed
		}
		slog.Debug("chat notice", "channel", line.Param(0), "text", line.Trailing())
	case "RECONNECT":
		return errReconnectRequested
	case "PRIVMSG":
		if c.handler != nil {
			c.handler(messageFromIRC(line))
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, line string) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, []byte(line+"\r\n"))
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
	if c.Metrics != nil {
		if v {
			c.Metrics.ChatConnected.Set(1)
		} else {
			c.Metrics.ChatConnected.Set(0)
		}
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the connection and cancels the session.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing chat connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
