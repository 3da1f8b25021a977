package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/chatterbridge/internal/api"
	"github.com/cortexuvula/chatterbridge/internal/chat"
	"github.com/cortexuvula/chatterbridge/internal/completion"
	"github.com/cortexuvula/chatterbridge/internal/config"
	"github.com/cortexuvula/chatterbridge/internal/health"
	"github.com/cortexuvula/chatterbridge/internal/history"
	"github.com/cortexuvula/chatterbridge/internal/logging"
	"github.com/cortexuvula/chatterbridge/internal/metrics"
	"github.com/cortexuvula/chatterbridge/internal/security"
	"github.com/cortexuvula/chatterbridge/internal/setup"
	"github.com/cortexuvula/chatterbridge/internal/twitch"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatterbridge",
		Short: "Records Twitch chat and serves LLM completions that join the conversation",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Join chat and start the completion API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatterbridge %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Channels: %v\n", cfg.ChannelNames())
			fmt.Printf("  Model: %s (max_tokens %d)\n", cfg.Completion.Model, cfg.Completion.MaxTokens)
			fmt.Printf("  History: %d messages per channel\n", cfg.History.MaxEntries)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/chatterbridge/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBridge(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting chatterbridge",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"channels", cfg.ChannelNames(),
		"model", cfg.Completion.Model,
		"history", cfg.History.MaxEntries,
		"health", cfg.Health.ListenAddress,
	)

	// History store and chat ingestion
	store, err := history.NewStore(cfg.ChannelNames(), cfg.History.MaxEntries)
	if err != nil {
		return fmt.Errorf("creating history store: %w", err)
	}
	ingestor := chat.NewIngestor(store, chat.NewFilter(cfg.Twitch.IgnoredChatters, cfg.Twitch.CommandPrefix))
	tmi := twitch.NewClient(twitchOptions(cfg), ingestor.HandleMessage)

	// Completion backend
	settings, err := completionSettings(cfg)
	if err != nil {
		return err
	}
	assembler := completion.NewAssembler(store, openai.NewClientWithConfig(openAIConfig(cfg)), settings)

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		rl = security.NewRateLimiter(security.PerMinute(cfg.Security.RateLimit.RequestsPerMinute), cfg.Security.RateLimit.Burst)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"requests_per_minute", cfg.Security.RateLimit.RequestsPerMinute,
			"burst", cfg.Security.RateLimit.Burst,
		)
	}

	handler := api.NewHandler(cfg, store, assembler, rl)

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		handler.Metrics = m
		ingestor.Metrics = m
		assembler.Metrics = m
		tmi.Metrics = m
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	apiServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	// Health server (listens on 127.0.0.1:8081)
	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(tmi, store, handler.Stats, Version, cfg.Health.Detailed)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		// Metrics endpoint on health listener
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthServer = &http.Server{
			Addr:              cfg.Health.ListenAddress,
			Handler:           healthMux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
	}

	fatal := make(chan error, 3)

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("api listening", "address", cfg.Server.ListenAddress)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal <- fmt.Errorf("api server: %w", err)
		}
	}()

	chatCtx, chatCancel := context.WithCancel(context.Background())
	defer chatCancel()
	chatDone := make(chan struct{})
	go func() {
		defer close(chatDone)
		if err := tmi.Run(chatCtx); err != nil {
			fatal <- fmt.Errorf("chat connection: %w", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Start watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go watchdog(watchdogCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	var runErr error
loop:
	for {
		select {
		case err := <-fatal:
			if errors.Is(err, twitch.ErrAuthFailed) {
				slog.Error("chat login rejected, check twitch.username and twitch.access_token", "error", err)
			} else {
				slog.Error("fatal error", "error", err)
			}
			runErr = err
			break loop

		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, reloading config")
				newCfg, err := config.Load(configPath)
				if err != nil {
					slog.Error("config reload failed", "error", err)
					continue
				}
				cfg = reload(cfg, newCfg, reloadTargets{
					handler:   handler,
					store:     store,
					ingestor:  ingestor,
					assembler: assembler,
					limiter:   rl,
				})
				continue
			}
			slog.Info("received shutdown signal", "signal", sig.String())
			break loop
		}
	}

	slog.Info("shutting down", "drain_timeout", cfg.Server.DrainTimeout.String())
	watchdogCancel()
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer cancel()

	chatCancel()

	var wg sync.WaitGroup
	if healthServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthServer.Shutdown(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		apiServer.Shutdown(ctx)
	}()
	wg.Wait()

	select {
	case <-chatDone:
	case <-ctx.Done():
		slog.Warn("chat connection did not close before drain timeout")
	}

	slog.Info("shutdown complete")
	return runErr
}

// reloadTargets are the running components that pick up reloadable fields.
type reloadTargets struct {
	handler   *api.Handler
	store     *history.Store
	ingestor  *chat.Ingestor
	assembler *completion.Assembler
	limiter   *security.RateLimiter
}

// reload applies the reloadable fields of newCfg and returns the config now
// in effect. Fields that need a restart only produce warnings.
func reload(cfg, newCfg *config.Config, t reloadTargets) *config.Config {
	for _, w := range config.IsReloadSafe(cfg, newCfg) {
		slog.Warn("config reload warning", "warning", w)
	}

	updated := cfg.ApplyReloadableFields(newCfg)

	settings, err := completionSettings(updated)
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return cfg
	}
	if err := t.store.Resize(updated.History.MaxEntries); err != nil {
		slog.Error("config reload failed", "error", err)
		return cfg
	}

	t.handler.UpdateConfig(updated)
	t.ingestor.SetFilter(chat.NewFilter(updated.Twitch.IgnoredChatters, updated.Twitch.CommandPrefix))
	t.assembler.UpdateSettings(settings)

	if updated.Security.RateLimit.Enabled && t.limiter != nil {
		t.limiter.UpdateRate(security.PerMinute(updated.Security.RateLimit.RequestsPerMinute), updated.Security.RateLimit.Burst)
	}

	logging.SetLevel(updated.Logging.Level)

	slog.Info("config reloaded successfully",
		"history", updated.History.MaxEntries,
		"model", updated.Completion.Model,
		"max_tokens", updated.Completion.MaxTokens,
	)
	return updated
}

func twitchOptions(cfg *config.Config) twitch.Options {
	return twitch.Options{
		URL:               cfg.Twitch.URL,
		Username:          cfg.Twitch.Username,
		Token:             cfg.Twitch.AccessToken,
		Channels:          cfg.ChannelNames(),
		DialTimeout:       cfg.Twitch.DialTimeout,
		PingInterval:      cfg.Twitch.PingInterval,
		PongTimeout:       cfg.Twitch.PongTimeout,
		ReconnectDelay:    cfg.Twitch.ReconnectDelay,
		MaxReconnectDelay: cfg.Twitch.MaxReconnectDelay,
		MaxMessageSize:    cfg.Twitch.MaxMessageSize,
	}
}

func openAIConfig(cfg *config.Config) openai.ClientConfig {
	oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
	oc.OrgID = cfg.OpenAI.Organization
	if cfg.OpenAI.BaseURL != "" {
		oc.BaseURL = cfg.OpenAI.BaseURL
	}
	if cfg.OpenAI.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.OpenAI.Timeout}
	}
	return oc
}

func completionSettings(cfg *config.Config) (completion.Settings, error) {
	persona, err := completion.NewPersona(cfg.Completion.Persona)
	if err != nil {
		return completion.Settings{}, fmt.Errorf("parsing persona: %w", err)
	}
	return completion.Settings{
		Model:     cfg.Completion.Model,
		MaxTokens: cfg.Completion.MaxTokens,
		Persona:   persona,
	}, nil
}

func watchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			if err != nil {
				slog.Warn("failed to notify watchdog", "error", err)
			} else if sent {
				slog.Debug("watchdog keepalive sent")
			}
		case <-ctx.Done():
			return
		}
	}
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=chatterbridge - Twitch chat completion service
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=chatterbridge
Group=chatterbridge
ExecStartPre=/usr/local/bin/chatterbridge validate --config /etc/chatterbridge/config.yaml
ExecStart=/usr/local/bin/chatterbridge start --config /etc/chatterbridge/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/chatterbridge
LogsDirectory=chatterbridge
StateDirectory=chatterbridge

# History is bounded per channel; completions are small JSON bodies
MemoryMax=128M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=chatterbridge

[Install]
WantedBy=multi-user.target
`)
}
