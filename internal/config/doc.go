// Package config handles configuration loading for clawbridge.
//
// # Overview
//
// Configuration is layered: built-in defaults, then environment variable
// overrides, then an optional YAML file. Later layers win. The file is
// optional so that env-only deployments (the common case for a local
// bridge) need no setup at all.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BRIDGE_CONFIG environment variable
//  2. ./clawbridge.yaml (current directory)
//  3. ~/.config/clawbridge/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	bot:
//	  token: "${ARINOVA_BOT_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Environment Overrides
//
// A handful of variables override defaults directly, without a file:
//
//	BRIDGE_PORT        server.port
//	CLAUDE_PATH        backends.claude.path
//	CODEX_PATH         backends.codex.path
//	BRIDGE_MCP_CONFIG  backends.claude.mcp_config
//	ARINOVA_SERVER_URL bot.server_url
//	ARINOVA_BOT_TOKEN  bot.token
//	DEFAULT_CWD        sessions.default_cwd
//	OPENCLAW_WORKSPACE sessions.default_cwd (fallback)
//	MAX_SESSIONS       sessions.max_sessions
//	IDLE_TIMEOUT_MS    sessions.idle_timeout (milliseconds)
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_timeout: "1h"
//	  sweep_interval: "60s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  host: "127.0.0.1"
//	  port: 18810
//
// Backends:
//
//	backends:
//	  claude:
//	    path: "claude"
//	    mcp_config: "/etc/clawbridge/mcp.json"
//	    append_system_prompt: ""
//	    turn_timeout: "10m"
//	  codex:
//	    path: "codex"
//
// Model routing:
//
//	models:
//	  default_id: "claude-code"
//	  persistent: ["claude-code", "claude-opus", "claude-sonnet"]
//	  ephemeral: ["codex", "gpt-5.2-codex", "o4-codex"]
//
// Sessions:
//
//	sessions:
//	  max_sessions: 5
//	  idle_timeout: "1h"
//	  sweep_interval: "60s"
//	  default_cwd: "/home/me/src"
//
// Bot channel:
//
//	bot:
//	  server_url: "wss://chat.example.com"
//	  token: "${ARINOVA_BOT_TOKEN}"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "clawbridge"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "color" # color, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
