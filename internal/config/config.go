// Package config provides YAML-based configuration loading for relay.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration, loaded from config.yaml.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Assistant AssistantConfig `yaml:"assistant"`
	Queue     QueueConfig     `yaml:"queue"`
	History   HistoryConfig   `yaml:"history"`
	MCP       MCPConfig       `yaml:"mcp"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// TelegramConfig holds settings for the Telegram transport collaborator:
// the allow-list the admission boundary enforces and the inline-reply
// length threshold.
type TelegramConfig struct {
	BotToken        string  `yaml:"bot_token"`
	AllowedUserIDs  []int64 `yaml:"allowed_user_ids"`
	InlineMaxLength int     `yaml:"inline_max_length"`
	// DeliveryMode picks how overflow replies are delivered: "file" for a
	// single Markdown attachment, or "chunks" for several chat-native
	// messages split on the nearest preceding newline. Defaults to "file".
	DeliveryMode string `yaml:"delivery_mode"`
}

// AssistantConfig describes how to launch the assistant CLI child process.
type AssistantConfig struct {
	BinaryPath       string   `yaml:"binary_path"`
	ExtraArgs        []string `yaml:"extra_args"`
	WorkdirRoot      string   `yaml:"workdir_root"`
	DefaultName      string   `yaml:"default_name"`
	GracefulTimeoutS int      `yaml:"graceful_timeout_s"`
	ForceTimeoutS    int      `yaml:"force_timeout_s"`
	// HomeDir overrides HOME in the child's environment, so the
	// per-user config file the MCP injector writes lands somewhere
	// predictable under service-account execution. Empty means inherit
	// the parent process's environment unmodified.
	HomeDir string `yaml:"home_dir"`
}

// QueueConfig configures the message queue's admission and worker pool.
type QueueConfig struct {
	Workers     int `yaml:"workers"`
	Depth       int `yaml:"depth"`
	MaxSessions int `yaml:"max_sessions"`
}

// HistoryConfig configures the history store's in-memory ring and durable table.
type HistoryConfig struct {
	RingSize int    `yaml:"ring_size"`
	DBPath   string `yaml:"db_path"`
}

// MCPConfig configures the MCP config injector's merge into the assistant's
// per-user config file (<home>/.claude.json).
type MCPConfig struct {
	TokenVar       string   `yaml:"token_var"`
	Token          string   `yaml:"token"`
	IntegrationKey string   `yaml:"integration_key"`
	LauncherCmd    string   `yaml:"launcher_cmd"`
	LauncherArgs   []string `yaml:"launcher_args"`
}

// DashboardConfig configures the read-only inspection HTTP surface.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values, matching the caps in
// spec.md §5 (resource caps) and §4.1 (close policy).
func (c *Config) applyDefaults() {
	if c.Telegram.InlineMaxLength == 0 {
		c.Telegram.InlineMaxLength = 3000
	}
	if c.Telegram.DeliveryMode == "" {
		c.Telegram.DeliveryMode = "file"
	}
	if c.Assistant.WorkdirRoot == "" {
		c.Assistant.WorkdirRoot = "./data/sessions"
	}
	if c.Assistant.DefaultName == "" {
		c.Assistant.DefaultName = "default"
	}
	if c.Assistant.GracefulTimeoutS == 0 {
		c.Assistant.GracefulTimeoutS = 5
	}
	if c.Assistant.ForceTimeoutS == 0 {
		c.Assistant.ForceTimeoutS = 2
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 5
	}
	if c.Queue.Depth == 0 {
		c.Queue.Depth = 1024
	}
	if c.Queue.MaxSessions == 0 {
		c.Queue.MaxSessions = 32
	}
	if c.History.RingSize == 0 {
		c.History.RingSize = 100
	}
	if c.History.DBPath == "" {
		c.History.DBPath = "./data/history.db"
	}
	if c.MCP.TokenVar == "" {
		c.MCP.TokenVar = "NOTION_TOKEN"
	}
	if c.MCP.IntegrationKey == "" {
		c.MCP.IntegrationKey = "notion"
	}
	if c.MCP.LauncherCmd == "" {
		c.MCP.LauncherCmd = "npx"
	}
	if len(c.MCP.LauncherArgs) == 0 {
		c.MCP.LauncherArgs = []string{"-y", "@notionhq/notion-mcp-server"}
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent,
// accumulating every problem found rather than stopping at the first.
func (c *Config) validate() error {
	var errs []string

	if c.Assistant.BinaryPath == "" {
		errs = append(errs, "assistant.binary_path is required")
	}
	if c.Assistant.GracefulTimeoutS <= 0 {
		errs = append(errs, "assistant.graceful_timeout_s must be positive")
	}
	if c.Assistant.ForceTimeoutS <= 0 {
		errs = append(errs, "assistant.force_timeout_s must be positive")
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, "queue.workers must be positive")
	}
	if c.Queue.Depth <= 0 {
		errs = append(errs, "queue.depth must be positive")
	}
	if c.Queue.MaxSessions <= 0 {
		errs = append(errs, "queue.max_sessions must be positive")
	}
	if c.History.RingSize <= 0 {
		errs = append(errs, "history.ring_size must be positive")
	}
	for _, id := range c.Telegram.AllowedUserIDs {
		if id <= 0 {
			errs = append(errs, fmt.Sprintf("telegram.allowed_user_ids: invalid id %d", id))
			break
		}
	}
	if c.Telegram.DeliveryMode != "file" && c.Telegram.DeliveryMode != "chunks" {
		errs = append(errs, fmt.Sprintf("telegram.delivery_mode: invalid value %q", c.Telegram.DeliveryMode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
