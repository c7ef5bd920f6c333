// ABOUTME: Configuration loading and parsing for coven-crew
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-crew/internal/agent"
)

// Backends accepted in agents.backend.
const (
	BackendOpenAI = "openai"
	BackendEcho   = "echo"
)

// Config represents the complete coven-crew configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Agents        AgentsConfig        `yaml:"agents" toml:"agents"`
	Resilience    ResilienceConfig    `yaml:"resilience" toml:"resilience"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig selects the thread store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, sqlite3, file or memory
	Path   string `yaml:"path" toml:"path"`     // database file, or directory for the file driver
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentsConfig selects and tunes the agent backend
type AgentsConfig struct {
	Backend            string            `yaml:"backend" toml:"backend"`
	Model              string            `yaml:"model" toml:"model"`
	BaseURL            string            `yaml:"base_url" toml:"base_url"`
	APIKey             string            `yaml:"api_key" toml:"api_key"`
	APIVersion         string            `yaml:"api_version" toml:"api_version"`
	Azure              bool              `yaml:"azure" toml:"azure"`
	MaxTurns           int               `yaml:"max_turns" toml:"max_turns"`
	HistoryTokenBudget int               `yaml:"history_token_budget" toml:"history_token_budget"`
	MemoryTurns        int               `yaml:"memory_turns" toml:"memory_turns"` // per specialist namespace
	Prompts            map[string]string `yaml:"prompts" toml:"prompts"`           // keyed by agent type
	Research           ResearchConfig    `yaml:"research" toml:"research"`
}

// ResearchConfig holds research agent tooling
type ResearchConfig struct {
	MCPServers []MCPServerConfig `yaml:"mcp_servers" toml:"mcp_servers"`
}

// MCPServerConfig describes one MCP server offering tools to the research agent
type MCPServerConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"` // stdio, sse or streamable_http
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

// ResilienceConfig controls retries of agent calls and store reads
type ResilienceConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"-" toml:"-"`
	MaxDelay          time.Duration `yaml:"-" toml:"-"`
	Timeout           time.Duration `yaml:"-" toml:"-"`
	Jitter            float64       `yaml:"jitter" toml:"jitter"`
	StoreReadAttempts int           `yaml:"store_read_attempts" toml:"store_read_attempts"`

	// Raw string values for unmarshaling
	BaseDelayRaw string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay" toml:"max_delay"`
	TimeoutRaw   string `yaml:"timeout" toml:"timeout"`
}

// ConversationsConfig controls thread listing, deletion and retention
type ConversationsConfig struct {
	StrictDelete    bool          `yaml:"strict_delete" toml:"strict_delete"`
	DefaultPageSize int           `yaml:"default_page_size" toml:"default_page_size"`
	MaxPageSize     int           `yaml:"max_page_size" toml:"max_page_size"`
	Retention       time.Duration `yaml:"-" toml:"-"` // zero keeps threads forever
	CleanupInterval time.Duration `yaml:"-" toml:"-"`
	SaveTimeout     time.Duration `yaml:"-" toml:"-"`

	RetentionRaw       string `yaml:"retention" toml:"retention"`
	CleanupIntervalRaw string `yaml:"cleanup_interval" toml:"cleanup_interval"`
	SaveTimeoutRaw     string `yaml:"save_timeout" toml:"save_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration that runs the offline backend on a local
// SQLite database.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8089"},
		Database: DatabaseConfig{Driver: "sqlite", Path: filepath.Join(DataDir(), "crew.db")},
		Agents: AgentsConfig{
			Backend:            BackendEcho,
			Model:              "gpt-4o-mini",
			MaxTurns:           6,
			HistoryTokenBudget: 6000,
			MemoryTurns:        20,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:       3,
			BaseDelayRaw:      "500ms",
			MaxDelayRaw:       "10s",
			TimeoutRaw:        "2m",
			Jitter:            0.1,
			StoreReadAttempts: 2,
		},
		Conversations: ConversationsConfig{
			DefaultPageSize:    20,
			MaxPageSize:        100,
			CleanupIntervalRaw: "1h",
			SaveTimeoutRaw:     "5s",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	if err := parseDurations(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are TOML; anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes data ("yaml" or "toml") over the defaults and validates it.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "file":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, sqlite3, file or memory, got %q", c.Database.Driver)
	}

	switch c.Agents.Backend {
	case BackendEcho:
	case BackendOpenAI:
		if c.Agents.Model == "" {
			return fmt.Errorf("agents.model is required for the openai backend")
		}
		if c.Agents.APIKey == "" && c.Agents.BaseURL == "" {
			return fmt.Errorf("agents.api_key is required unless agents.base_url points at a local server")
		}
		if c.Agents.Azure && c.Agents.BaseURL == "" {
			return fmt.Errorf("agents.base_url is required when agents.azure is set")
		}
	default:
		return fmt.Errorf("agents.backend must be openai or echo, got %q", c.Agents.Backend)
	}
	if c.Agents.MaxTurns < 1 {
		return fmt.Errorf("agents.max_turns must be at least 1")
	}
	if c.Agents.HistoryTokenBudget < 0 || c.Agents.MemoryTurns < 0 {
		return fmt.Errorf("agents.history_token_budget and agents.memory_turns must not be negative")
	}
	for name := range c.Agents.Prompts {
		if _, err := agent.ParseType(name); err != nil {
			return fmt.Errorf("agents.prompts: %w", err)
		}
	}
	for i, srv := range c.Agents.Research.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("agents.research.mcp_servers[%d].name is required", i)
		}
		switch srv.Type {
		case "stdio", "":
			if srv.Command == "" {
				return fmt.Errorf("mcp server %q: command is required for stdio", srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp server %q: url is required for %s", srv.Name, srv.Type)
			}
		default:
			return fmt.Errorf("mcp server %q: unsupported type %q", srv.Name, srv.Type)
		}
	}

	r := c.Resilience
	if r.MaxAttempts < 1 {
		return fmt.Errorf("resilience.max_attempts must be at least 1")
	}
	if r.StoreReadAttempts < 1 {
		return fmt.Errorf("resilience.store_read_attempts must be at least 1")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 || r.Timeout < 0 {
		return fmt.Errorf("resilience durations must not be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("resilience.base_delay (%s) exceeds resilience.max_delay (%s)", r.BaseDelay, r.MaxDelay)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("resilience.jitter must be between 0 and 1")
	}

	cv := c.Conversations
	if cv.DefaultPageSize < 1 || cv.MaxPageSize < cv.DefaultPageSize {
		return fmt.Errorf("conversations page sizes must satisfy 1 <= default_page_size <= max_page_size")
	}
	if cv.Retention < 0 {
		return fmt.Errorf("conversations.retention must not be negative")
	}
	if cv.Retention > 0 && cv.CleanupInterval <= 0 {
		return fmt.Errorf("conversations.cleanup_interval is required when retention is set")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"resilience.base_delay", cfg.Resilience.BaseDelayRaw, &cfg.Resilience.BaseDelay},
		{"resilience.max_delay", cfg.Resilience.MaxDelayRaw, &cfg.Resilience.MaxDelay},
		{"resilience.timeout", cfg.Resilience.TimeoutRaw, &cfg.Resilience.Timeout},
		{"conversations.retention", cfg.Conversations.RetentionRaw, &cfg.Conversations.Retention},
		{"conversations.cleanup_interval", cfg.Conversations.CleanupIntervalRaw, &cfg.Conversations.CleanupInterval},
		{"conversations.save_timeout", cfg.Conversations.SaveTimeoutRaw, &cfg.Conversations.SaveTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Path returns the config file location.
// Priority: COVEN_CREW_CONFIG env var > XDG_CONFIG_HOME/coven/crew.yaml > ~/.config/coven/crew.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_CREW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "crew.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "crew.yaml")
}

// DataDir returns the directory for databases and thread files.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), false, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}
