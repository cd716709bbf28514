// ABOUTME: TOML configuration for the matrix bridge
// ABOUTME: ${VAR} placeholders in the file expand from the environment

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
}

type BridgeConfig struct {
	GatewayURL      string   `toml:"gateway_url"`
	Model           string   `toml:"model"`
	AllowedRooms    []string `toml:"allowed_rooms"`
	CommandPrefix   string   `toml:"command_prefix"`
	TypingIndicator bool     `toml:"typing_indicator"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

var envPlaceholder = regexp.MustCompile(`\$\{(\w+)\}`)

// Load parses the TOML file at path. ${VAR} placeholders are replaced
// with environment values before decoding so secrets can stay out of
// the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	text := envPlaceholder.ReplaceAllStringFunc(string(raw), func(m string) string {
		return os.Getenv(envPlaceholder.FindStringSubmatch(m)[1])
	})

	var cfg Config
	if _, err := toml.Decode(text, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first missing or malformed required field.
func (c *Config) Validate() error {
	required := []struct{ name, value string }{
		{"matrix.homeserver", c.Matrix.Homeserver},
		{"matrix.username", c.Matrix.Username},
		{"matrix.password", c.Matrix.Password},
		{"bridge.gateway_url", c.Bridge.GatewayURL},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}

	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	u, err := url.Parse(c.Bridge.GatewayURL)
	if err != nil {
		return fmt.Errorf("bridge.gateway_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("bridge.gateway_url must use http or https scheme")
	}
	return nil
}
