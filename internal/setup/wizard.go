package setup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/cortexuvula/chatterbridge/internal/config"
	"github.com/cortexuvula/chatterbridge/internal/history"
)

const (
	defaultConfigPath = "/etc/chatterbridge/config.yaml"
	defaultModel      = "gpt-4o-mini"
	defaultMaxTokens  = "150"
	defaultHistory    = "20"
	defaultListenPort = "8080"
	defaultHealthPort = "8081"
	serviceName       = "chatterbridge"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath  string                          // Override default config path
	CheckOpenAI func(io.Writer, string, string) // Override API key check (for testing)
}

// answers holds everything the wizard collects.
type answers struct {
	Username      string
	AccessToken   string
	Channels      []string
	APIKey        string
	Organization  string
	Model         string
	MaxTokens     int
	HistorySize   int
	ListenAddress string
	HealthAddress string
	AuthToken     string
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo chatterbridge setup\n\n")
	}

	fmt.Fprintln(out, "chatterbridge Setup")
	fmt.Fprintln(out, "===================")
	fmt.Fprintln(out)

	var a answers

	// Step 1: Twitch account
	fmt.Fprintln(out, "Twitch")
	a.Username = prompt(scanner, out, "Bot username: ", "")
	if a.Username == "" {
		return fmt.Errorf("bot username is required")
	}
	a.AccessToken = prompt(scanner, out, "Bot user access token (oauth:...): ", "")
	if a.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}
	if !strings.HasPrefix(a.AccessToken, "oauth:") {
		a.AccessToken = "oauth:" + a.AccessToken
	}
	a.Channels = parseChannels(prompt(scanner, out, "Channels to join (comma separated): ", ""))
	if len(a.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	fmt.Fprintln(out)

	// Step 2: OpenAI
	fmt.Fprintln(out, "OpenAI")
	a.APIKey = prompt(scanner, out, "API key: ", "")
	if a.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	a.Organization = prompt(scanner, out, "Organization ID (leave empty for none): ", "")
	a.Model = prompt(scanner, out, fmt.Sprintf("Model [%s]: ", defaultModel), defaultModel)

	check := checkOpenAI
	if opts.CheckOpenAI != nil {
		check = opts.CheckOpenAI
	}
	check(out, a.APIKey, a.Organization)

	a.MaxTokens, _ = strconv.Atoi(promptPositive(scanner, out,
		fmt.Sprintf("Max tokens per completion [%s]: ", defaultMaxTokens), defaultMaxTokens))
	a.HistorySize, _ = strconv.Atoi(promptPositive(scanner, out,
		fmt.Sprintf("Chat messages kept per channel [%s]: ", defaultHistory), defaultHistory))
	fmt.Fprintln(out)

	// Step 3: Listeners
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("API port [%s]: ", defaultListenPort), defaultListenPort)
	a.ListenAddress = net.JoinHostPort("", listenPort)
	if reason := checkPortAvailable("", listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s %s\n\n", listenPort, reason)
	}

	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort), defaultHealthPort)
	a.HealthAddress = net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 4: API auth token (optional)
	a.AuthToken = prompt(scanner, out, "API auth token (leave empty for none): ", "")

	// Step 5: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 6: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	if err := writeConfig(configPath, generateConfig(a), isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 7: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 8: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start chatterbridge service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start chatterbridge")
			}
		}
	}

	// Step 9: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Channels:     %s\n", strings.Join(a.Channels, ", "))
	fmt.Fprintf(out, "  Completion:   http://localhost:%s/channel/%s/completion\n", listenPort, a.Channels[0])
	fmt.Fprintf(out, "  Health:       http://%s/health\n", a.HealthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", a.HealthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u chatterbridge -f")
	fmt.Fprintln(out, "  Validate:       chatterbridge validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// parseChannels splits a comma separated list into normalized, unique names.
func parseChannels(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		name := history.NormalizeChannel(part)
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

func validatePositive(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n > 0
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	return promptValid(scanner, out, message, defaultVal, validatePort, "must be a number between 1 and 65535")
}

// promptPositive prompts for a positive integer.
func promptPositive(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	return promptValid(scanner, out, message, defaultVal, validatePositive, "must be a positive number")
}

func promptValid(scanner *bufio.Scanner, out io.Writer, message, defaultVal string, valid func(string) bool, hint string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !valid(val) {
		fmt.Fprintf(out, "  Invalid value %q: %s\n", val, hint)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkOpenAI lists models with the given key to catch typos early.
func checkOpenAI(out io.Writer, apiKey, org string) {
	cfg := openai.DefaultConfig(apiKey)
	cfg.OrgID = org
	client := openai.NewClientWithConfig(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.ListModels(ctx); err != nil {
		fmt.Fprintf(out, "  WARNING: Could not verify API key: %v\n", err)
		fmt.Fprintln(out, "  (This is OK if the machine has no network access yet)")
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintln(out, "  API key verified.")
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the chatterbridge service.
func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", serviceName).Run(); err != nil {
		if err := exec.Command("systemctl", "start", serviceName).Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", serviceName).Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func yamlList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = `"` + yamlEscapeString(it) + `"`
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// generateConfig creates a commented YAML config string.
func generateConfig(a answers) string {
	return fmt.Sprintf(`# chatterbridge configuration
# Generated by: chatterbridge setup

server:
  # Public API listener
  listen_address: "%s"
  drain_timeout: "30s"

twitch:
  # REQUIRED: bot account and the channels whose chat is recorded
  username: "%s"
  access_token: "%s"
  channels: %s

  # Messages from these accounts are never recorded (case-insensitive)
  ignored_chatters: ["nightbot", "waveybot16", "borpinbot", "streamelements"]
  # Messages starting with this prefix are treated as bot commands and skipped
  command_prefix: "!"

openai:
  # REQUIRED
  api_key: "%s"
  organization: "%s"

completion:
  # REQUIRED: model and token limit for every completion
  model: "%s"
  max_tokens: %d
  # System prompt; {{.Channel}} is replaced with the channel name.
  # Leave unset to use the built-in persona.

history:
  # REQUIRED: chat messages kept per channel
  max_entries: %d

security:
  # Auth token (optional)
  # Clients send via Authorization: Bearer <token> header
  auth_token: "%s"

  # Completion requests per client IP
  rate_limit:
    enabled: true
    requests_per_minute: 30
    burst: 5

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`,
		yamlEscapeString(a.ListenAddress),
		yamlEscapeString(a.Username),
		yamlEscapeString(a.AccessToken),
		yamlList(a.Channels),
		yamlEscapeString(a.APIKey),
		yamlEscapeString(a.Organization),
		yamlEscapeString(a.Model),
		a.MaxTokens,
		a.HistorySize,
		yamlEscapeString(a.AuthToken),
		yamlEscapeString(a.HealthAddress),
	)
}

// writeConfig writes the config file, creating parent directories as needed.
// The file holds credentials, so it is not world readable.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		if err := chownToServiceUser(path); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to %s:%s: %v\n", serviceName, serviceName, err)
		}
	}

	return nil
}

func chownToServiceUser(path string) error {
	u, err := user.Lookup(serviceName)
	if err != nil {
		return err
	}
	g, err := user.LookupGroup(serviceName)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing UID %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parsing GID %q: %w", g.Gid, err)
	}
	return os.Chown(path, uid, gid)
}
