// Package config handles configuration loading for coven-crew.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, for files ending in .toml)
// over a set of defaults, with environment variable expansion, and then
// validated. A missing file is not an error for the CLI: LoadOrDefault
// returns the defaults, which run the offline echo backend on SQLite.
//
// # Configuration File
//
// Location (first match wins):
//
//  1. Path from the COVEN_CREW_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/crew.yaml
//  3. ~/.config/coven/crew.yaml
//
// # Environment Variable Expansion
//
//	agents:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax:
//
//	resilience:
//	  base_delay: "500ms"
//	  max_delay: "10s"
//	  timeout: "2m"
//	conversations:
//	  retention: "720h"
//	  cleanup_interval: "1h"
//
// # Example
//
//	server:
//	  http_addr: "localhost:8089"
//	database:
//	  driver: "sqlite"        # sqlite, sqlite3 (cgo), file, memory
//	  path: "~/.local/share/coven/crew.db"
//	auth:
//	  jwt_secret: "${COVEN_CREW_JWT_SECRET}"
//	agents:
//	  backend: "openai"       # or echo
//	  model: "gpt-4o-mini"
//	  api_key: "${OPENAI_API_KEY}"
//	  history_token_budget: 6000
//	resilience:
//	  max_attempts: 3
//	conversations:
//	  strict_delete: false
//	logging:
//	  level: "info"
//	  format: "text"
package config
