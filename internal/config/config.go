// ABOUTME: Configuration loading and parsing for clawbridge
// ABOUTME: Builds defaults, applies environment overrides, then overlays the YAML file

package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for clawbridge.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backends  BackendsConfig  `yaml:"backends"`
	Models    ModelsConfig    `yaml:"models"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	State     StateConfig     `yaml:"state"`
	Bot       BotConfig       `yaml:"bot"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the OpenAI-compatible HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port string for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BackendsConfig groups per-backend launch settings.
type BackendsConfig struct {
	Claude ClaudeConfig `yaml:"claude"`
	Codex  CodexConfig  `yaml:"codex"`
}

// ClaudeConfig configures the persistent claude CLI backend.
type ClaudeConfig struct {
	Path               string `yaml:"path"`
	MCPConfig          string `yaml:"mcp_config"`
	AppendSystemPrompt string `yaml:"append_system_prompt"`

	// TurnTimeout bounds a single prompt/response exchange. Parsed
	// from TurnTimeoutRaw; a timed-out turn resolves with whatever
	// text has streamed so far rather than failing.
	TurnTimeout    time.Duration `yaml:"-"`
	TurnTimeoutRaw string        `yaml:"turn_timeout"`
}

// CodexConfig configures the ephemeral codex CLI backend.
type CodexConfig struct {
	Path string `yaml:"path"`
}

// ModelsConfig declares which model identifiers the gateway advertises
// and which backend serves each of them.
type ModelsConfig struct {
	// DefaultID is the model assumed when a request omits or sends an
	// unrecognized model field.
	DefaultID string `yaml:"default_id"`
	// Persistent model ids are served by the claude backend.
	Persistent []string `yaml:"persistent"`
	// Ephemeral model ids are served by the codex backend.
	Ephemeral []string `yaml:"ephemeral"`
}

// SessionsConfig controls the session registry and idle sweeper.
type SessionsConfig struct {
	MaxSessions int    `yaml:"max_sessions"`
	DefaultCwd  string `yaml:"default_cwd"`

	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`

	SweepInterval    time.Duration `yaml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
}

// StateConfig locates on-disk session state.
type StateConfig struct {
	// Dir holds bridge-sessions.json. Empty means the caller picks a
	// platform data directory.
	Dir string `yaml:"dir"`
}

// BotConfig configures the outbound websocket connection to an Arinova
// chat server. Both fields empty disables the bot channel.
type BotConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// TailscaleConfig enables serving the HTTP API over a tsnet listener.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration. Environment variables and
// the YAML file are layered on top of it by Load.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18810,
		},
		Backends: BackendsConfig{
			Claude: ClaudeConfig{
				Path:           "claude",
				TurnTimeoutRaw: "10m",
			},
			Codex: CodexConfig{
				Path: "codex",
			},
		},
		Models: ModelsConfig{
			DefaultID:  "claude-code",
			Persistent: []string{"claude-code", "claude-opus", "claude-sonnet"},
			Ephemeral:  []string{"codex", "gpt-5.2-codex", "o4-codex"},
		},
		Sessions: SessionsConfig{
			MaxSessions:      5,
			IdleTimeoutRaw:   "1h",
			SweepIntervalRaw: "60s",
		},
		Tailscale: TailscaleConfig{
			Hostname: "clawbridge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "color",
		},
	}
}

// Load builds the effective configuration: defaults, then environment
// overrides, then the YAML file at path. A missing file is not an error
// so that env-only deployments work; any other read failure is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to validation with defaults + env
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envString assigns the value of the first set environment variable to dst.
func envString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

// applyEnv layers environment variable overrides onto cfg. Malformed
// numeric values are configuration errors, not silent defaults.
func applyEnv(cfg *Config) error {
	envString(&cfg.Backends.Claude.Path, "CLAUDE_PATH")
	envString(&cfg.Backends.Codex.Path, "CODEX_PATH")
	envString(&cfg.Backends.Claude.MCPConfig, "BRIDGE_MCP_CONFIG")
	envString(&cfg.Bot.ServerURL, "ARINOVA_SERVER_URL")
	envString(&cfg.Bot.Token, "ARINOVA_BOT_TOKEN")
	envString(&cfg.Sessions.DefaultCwd, "DEFAULT_CWD", "OPENCLAW_WORKSPACE")

	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing BRIDGE_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MAX_SESSIONS %q: %w", v, err)
		}
		cfg.Sessions.MaxSessions = n
	}
	if v := os.Getenv("IDLE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing IDLE_TIMEOUT_MS %q: %w", v, err)
		}
		cfg.Sessions.IdleTimeoutRaw = strconv.Itoa(ms) + "ms"
	}
	return nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// parseDurations converts the raw duration strings into time.Duration
// fields. Raw strings always carry defaults, so every field parses.
func (c *Config) parseDurations() error {
	parse := func(name, raw string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", name, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse("backends.claude.turn_timeout", c.Backends.Claude.TurnTimeoutRaw, &c.Backends.Claude.TurnTimeout); err != nil {
		return err
	}
	if err := parse("sessions.idle_timeout", c.Sessions.IdleTimeoutRaw, &c.Sessions.IdleTimeout); err != nil {
		return err
	}
	if err := parse("sessions.sweep_interval", c.Sessions.SweepIntervalRaw, &c.Sessions.SweepInterval); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration for missing or nonsensical values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Backends.Claude.Path == "" {
		return fmt.Errorf("backends.claude.path is required")
	}
	if c.Backends.Codex.Path == "" {
		return fmt.Errorf("backends.codex.path is required")
	}
	if c.Models.DefaultID == "" {
		return fmt.Errorf("models.default_id is required")
	}
	if c.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be at least 1")
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if c.Backends.Claude.TurnTimeout <= 0 {
		return fmt.Errorf("backends.claude.turn_timeout must be positive")
	}
	if (c.Bot.ServerURL == "") != (c.Bot.Token == "") {
		return fmt.Errorf("bot.server_url and bot.token must be set together")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	return nil
}

// BackendFor reports which backend kind serves the given model id. The
// second return is the model flag to pass to the child, empty when the
// backend should use its own default. Unknown ids map to the default
// model's backend.
func (c *Config) BackendFor(model string) (kind string, childModel string) {
	if model == "" {
		model = c.Models.DefaultID
	}
	for _, id := range c.Models.Ephemeral {
		if id == model {
			return "codex", model
		}
	}
	for _, id := range c.Models.Persistent {
		if id == model {
			// The default alias names the backend itself, not a
			// specific underlying model.
			if model == c.Models.DefaultID {
				return "claude", ""
			}
			return "claude", model
		}
	}
	return "claude", ""
}
