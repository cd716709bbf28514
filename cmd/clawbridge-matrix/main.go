// ABOUTME: Entry point for the clawbridge matrix bridge
// ABOUTME: Connects Matrix rooms to the gateway's OpenAI-compatible API

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

const banner = `
    ╭────────────────────────────────────╮
    │                                    │
    │   clawbridge-matrix                │
    │   Matrix rooms ⇄ local CLI agents  │
    │                                    │
    ╰────────────────────────────────────╯
`

// getConfigPath returns the path to the matrix bridge config file.
// Priority: BRIDGE_MATRIX_CONFIG env var > XDG_CONFIG_HOME/clawbridge/matrix.toml > ~/.config/clawbridge/matrix.toml
func getConfigPath() string {
	if envPath := os.Getenv("BRIDGE_MATRIX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "matrix.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "clawbridge", "matrix.toml")
}

// getDataPath returns the path to the clawbridge data directory.
// Priority: XDG_DATA_HOME/clawbridge > ~/.local/share/clawbridge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "clawbridge")
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	dataPath := getDataPath()

	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Username:   %s\n", cfg.Matrix.Username)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Bridge.GatewayURL)
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := NewBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Login before crypto setup so the store keys off real credentials.
	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.RecoveryKey != "" {
		enc, err := setupEncryption(ctx, bridge.matrix, bridge.UserID(), cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer enc.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	logger.Info("starting bridge")
	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func runInit() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := getConfigPath()
	reader := bufio.NewReader(os.Stdin)

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	homeserver := prompt(reader, green, "Matrix homeserver URL", "https://matrix.org")
	username := prompt(reader, green, "Matrix username", "")
	password := prompt(reader, green, "Matrix password", "")
	recoveryKey := prompt(reader, green, "Matrix recovery key (optional, for E2EE)", "")
	gatewayURL := prompt(reader, green, "Gateway URL", "http://localhost:18810")
	prefix := prompt(reader, green, "Command prefix (optional, e.g. '!claw ')", "")

	config := fmt.Sprintf(`# clawbridge-matrix configuration
# Generated by clawbridge-matrix init

[matrix]
homeserver = "%s"
username = "%s"
password = "%s"
`, homeserver, username, password)

	if recoveryKey != "" {
		config += fmt.Sprintf("recovery_key = \"%s\"\n", recoveryKey)
	}

	config += fmt.Sprintf(`
[bridge]
gateway_url = "%s"
# Only respond in these rooms (empty = all joined rooms)
allowed_rooms = []
# Require messages start with this prefix (empty = respond to all)
command_prefix = "%s"
# Send typing indicator while a turn runs
typing_indicator = true

[logging]
level = "info"
`, gatewayURL, prefix)

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(config), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: clawbridge-matrix")
	fmt.Println()

	return nil
}

func prompt(reader *bufio.Reader, marker *color.Color, question, defaultVal string) string {
	marker.Print("    ▶ ")
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
