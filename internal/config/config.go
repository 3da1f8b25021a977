package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortexuvula/chatterbridge/internal/chat"
	"github.com/cortexuvula/chatterbridge/internal/completion"
	"github.com/cortexuvula/chatterbridge/internal/history"
	"github.com/cortexuvula/chatterbridge/internal/twitch"
)

// Config is the top-level configuration for chatterbridge.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Twitch     TwitchConfig     `yaml:"twitch"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Completion CompletionConfig `yaml:"completion"`
	History    HistoryConfig    `yaml:"history"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the HTTP API listener settings.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// TwitchConfig contains the chat connection settings.
type TwitchConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	AccessToken       string        `yaml:"access_token"`
	Channels          []string      `yaml:"channels"`
	IgnoredChatters   []string      `yaml:"ignored_chatters"`
	CommandPrefix     string        `yaml:"command_prefix"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

// OpenAIConfig contains the completion backend connection settings.
type OpenAIConfig struct {
	APIKey       string        `yaml:"api_key"`
	Organization string        `yaml:"organization"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"` // 0 = client default (none)
}

// CompletionConfig contains the per-request completion parameters.
type CompletionConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	Persona   string `yaml:"persona"`
}

// HistoryConfig contains the chat history window settings.
type HistoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// SecurityConfig contains API access settings.
type SecurityConfig struct {
	AuthToken string          `yaml:"auth_token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits completion requests per channel and client IP.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults. Credentials,
// channels, model, max_tokens and history size have no default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     ":8080",
			DrainTimeout:      30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Twitch: TwitchConfig{
			URL:               twitch.DefaultURL,
			IgnoredChatters:   append([]string(nil), chat.DefaultIgnoredChatters...),
			CommandPrefix:     chat.DefaultCommandPrefix,
			DialTimeout:       10 * time.Second,
			PingInterval:      60 * time.Second,
			PongTimeout:       10 * time.Second,
			ReconnectDelay:    1 * time.Second,
			MaxReconnectDelay: 2 * time.Minute,
			MaxMessageSize:    1048576, // 1MB
		},
		Completion: CompletionConfig{
			Persona: completion.DefaultPersona,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
				Burst:             5,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'chatterbridge setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.DrainTimeout <= 0 || c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must be between 0 and 5m")
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("server.read_header_timeout must be positive")
	}

	// Twitch validation
	if u, err := url.Parse(c.Twitch.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("twitch.url must use ws:// or wss:// scheme")
	}
	if c.Twitch.Username == "" {
		return fmt.Errorf("twitch.username is required")
	}
	if c.Twitch.AccessToken == "" {
		return fmt.Errorf("twitch.access_token is required")
	}
	if len(c.Twitch.Channels) == 0 {
		return fmt.Errorf("twitch.channels requires at least one channel")
	}
	for _, ch := range c.Twitch.Channels {
		name := history.NormalizeChannel(ch)
		if name == "" || strings.ContainsAny(name, " ,:/") {
			return fmt.Errorf("twitch.channels contains invalid channel name %q", ch)
		}
	}
	if c.Twitch.DialTimeout <= 0 {
		return fmt.Errorf("twitch.dial_timeout must be positive")
	}
	if c.Twitch.PingInterval < 0 {
		return fmt.Errorf("twitch.ping_interval must not be negative")
	}
	if c.Twitch.PingInterval > 0 && c.Twitch.PongTimeout <= 0 {
		return fmt.Errorf("twitch.pong_timeout must be positive when ping_interval is set")
	}
	if c.Twitch.ReconnectDelay <= 0 {
		return fmt.Errorf("twitch.reconnect_delay must be positive")
	}
	if c.Twitch.MaxReconnectDelay < c.Twitch.ReconnectDelay {
		return fmt.Errorf("twitch.max_reconnect_delay must not be less than twitch.reconnect_delay")
	}
	if c.Twitch.MaxMessageSize <= 0 {
		return fmt.Errorf("twitch.max_message_size must be positive")
	}

	// OpenAI validation
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if c.OpenAI.BaseURL != "" {
		if u, err := url.Parse(c.OpenAI.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("openai.base_url must use http:// or https:// scheme")
		}
	}
	if c.OpenAI.Timeout < 0 {
		return fmt.Errorf("openai.timeout must not be negative")
	}

	// Completion validation
	if c.Completion.Model == "" {
		return fmt.Errorf("completion.model is required")
	}
	if c.Completion.MaxTokens <= 0 {
		return fmt.Errorf("completion.max_tokens must be positive")
	}
	if _, err := completion.NewPersona(c.Completion.Persona); err != nil {
		return fmt.Errorf("completion.persona is invalid: %w", err)
	}

	// History validation
	if c.History.MaxEntries <= 0 {
		return fmt.Errorf("history.max_entries must be positive")
	}
	if c.History.MaxEntries > 10000 {
		return fmt.Errorf("history.max_entries must not exceed 10000")
	}

	// Security validation
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.requests_per_minute must be positive")
		}
		if c.Security.RateLimit.Burst <= 0 {
			return fmt.Errorf("security.rate_limit.burst must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		host, _, err := net.SplitHostPort(c.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies CHATTER_ prefixed environment variables, then
// the unprefixed names used by earlier deployments.
// Convention: CHATTER_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"CHATTER_SERVER_LISTEN_ADDRESS":       func(v string) { cfg.Server.ListenAddress = v },
		"CHATTER_SERVER_DRAIN_TIMEOUT":        func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"CHATTER_TWITCH_URL":                  func(v string) { cfg.Twitch.URL = v },
		"CHATTER_TWITCH_USERNAME":             func(v string) { cfg.Twitch.Username = v },
		"CHATTER_TWITCH_ACCESS_TOKEN":         func(v string) { cfg.Twitch.AccessToken = v },
		"CHATTER_TWITCH_CHANNELS":             func(v string) { cfg.Twitch.Channels = parseList(v) },
		"CHATTER_TWITCH_IGNORED_CHATTERS":     func(v string) { cfg.Twitch.IgnoredChatters = parseList(v) },
		"CHATTER_TWITCH_COMMAND_PREFIX":       func(v string) { cfg.Twitch.CommandPrefix = v },
		"CHATTER_OPENAI_API_KEY":              func(v string) { cfg.OpenAI.APIKey = v },
		"CHATTER_OPENAI_ORGANIZATION":         func(v string) { cfg.OpenAI.Organization = v },
		"CHATTER_OPENAI_BASE_URL":             func(v string) { cfg.OpenAI.BaseURL = v },
		"CHATTER_OPENAI_TIMEOUT":              func(v string) { cfg.OpenAI.Timeout = parseDuration(v, cfg.OpenAI.Timeout) },
		"CHATTER_COMPLETION_MODEL":            func(v string) { cfg.Completion.Model = v },
		"CHATTER_COMPLETION_MAX_TOKENS":       func(v string) { cfg.Completion.MaxTokens = parseInt(v, cfg.Completion.MaxTokens) },
		"CHATTER_COMPLETION_PERSONA":          func(v string) { cfg.Completion.Persona = v },
		"CHATTER_HISTORY_MAX_ENTRIES":         func(v string) { cfg.History.MaxEntries = parseInt(v, cfg.History.MaxEntries) },
		"CHATTER_SECURITY_AUTH_TOKEN":         func(v string) { cfg.Security.AuthToken = v },
		"CHATTER_SECURITY_RATE_LIMIT_ENABLED": func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"CHATTER_LOGGING_LEVEL":               func(v string) { cfg.Logging.Level = v },
		"CHATTER_LOGGING_FORMAT":              func(v string) { cfg.Logging.Format = v },
		"CHATTER_LOGGING_FILE":                func(v string) { cfg.Logging.File = v },
		"CHATTER_HEALTH_ENABLED":              func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"CHATTER_HEALTH_LISTEN_ADDRESS":       func(v string) { cfg.Health.ListenAddress = v },
		"CHATTER_MONITORING_METRICS_ENABLED":  func(v string) { cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled) },
		"CHATTER_SECURITY_RATE_LIMIT_REQUESTS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.RequestsPerMinute = parseInt(v, cfg.Security.RateLimit.RequestsPerMinute)
		},
	}

	legacyMap := map[string]func(string){
		"CHANNELS":              func(v string) { cfg.Twitch.Channels = parseList(v) },
		"BOT_USERNAME":          func(v string) { cfg.Twitch.Username = v },
		"BOT_USER_ACCESS_TOKEN": func(v string) { cfg.Twitch.AccessToken = v },
		"OPENAI_ORG":            func(v string) { cfg.OpenAI.Organization = v },
		"OPENAI_API_KEY":        func(v string) { cfg.OpenAI.APIKey = v },
		"OPENAI_MODEL":          func(v string) { cfg.Completion.Model = v },
		"OPENAI_MAX_TOKENS":     func(v string) { cfg.Completion.MaxTokens = parseInt(v, cfg.Completion.MaxTokens) },
		"SNOGPT_CHAT_HISTORY":   func(v string) { cfg.History.MaxEntries = parseInt(v, cfg.History.MaxEntries) },
		"PORT":                  func(v string) { cfg.Server.ListenAddress = net.JoinHostPort("", v) },
	}

	// Prefixed variables win over legacy names.
	for _, m := range []map[string]func(string){legacyMap, envMap} {
		for env, setter := range m {
			if v := os.Getenv(env); v != "" {
				setter(v)
			}
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: server.listen_address, twitch connection and channels,
// openai connection, health.listen_address
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Logging.Level = newCfg.Logging.Level
	updated.History.MaxEntries = newCfg.History.MaxEntries
	updated.Completion = newCfg.Completion
	updated.Twitch.IgnoredChatters = append([]string(nil), newCfg.Twitch.IgnoredChatters...)
	updated.Twitch.CommandPrefix = newCfg.Twitch.CommandPrefix
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Twitch.URL != new.Twitch.URL ||
		old.Twitch.Username != new.Twitch.Username ||
		old.Twitch.AccessToken != new.Twitch.AccessToken {
		warnings = append(warnings, "twitch connection settings require restart")
	}
	if !sameChannels(old.Twitch.Channels, new.Twitch.Channels) {
		warnings = append(warnings, "twitch.channels requires restart")
	}
	if !reflect.DeepEqual(old.OpenAI, new.OpenAI) {
		warnings = append(warnings, "openai settings require restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

// ChannelNames returns the configured channels normalized.
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.Twitch.Channels))
	seen := make(map[string]bool, len(c.Twitch.Channels))
	for _, ch := range c.Twitch.Channels {
		n := history.NormalizeChannel(ch)
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}

func sameChannels(a, b []string) bool {
	na := (&Config{Twitch: TwitchConfig{Channels: a}}).ChannelNames()
	nb := (&Config{Twitch: TwitchConfig{Channels: b}}).ChannelNames()
	if len(na) != len(nb) {
		return false
	}
	set := make(map[string]bool, len(na))
	for _, n := range na {
		set[n] = true
	}
	for _, n := range nb {
		if !set[n] {
			return false
		}
	}
	return true
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
