package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Vendor selects the agent runtime: claude, opencode or copilot.
	Vendor string `yaml:"vendor"`

	// WindowCap bounds the in-memory message window; overflow is
	// evicted into the history buffer.
	WindowCap int `yaml:"window_cap"`

	// HistoryDir holds the per-process history-<pid>.jsonl buffers.
	HistoryDir string `yaml:"history_dir"`

	LogFile string `yaml:"log_file"`

	Claude   ClaudeConfig   `yaml:"claude"`
	OpenCode OpenCodeConfig `yaml:"opencode"`
	Copilot  CopilotConfig  `yaml:"copilot"`

	// RedisURL enables background-agent presence publishing when set.
	RedisURL string `yaml:"redis_url"`

	Digest      DigestConfig      `yaml:"digest"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ClaudeConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type OpenCodeConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type CopilotConfig struct {
	// URL is the websocket endpoint of the copilot agent bridge.
	URL string `yaml:"url"`
	// Token is sent as a bearer header on dial.
	Token string `yaml:"token"`
}

type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	Server  string `yaml:"smtp_server"`
	Port    int    `yaml:"smtp_port"`
	UseSSL  bool   `yaml:"smtp_ssl"`
	AuthPwd string `yaml:"smtp_password"`
}

type MaintenanceConfig struct {
	// Schedule is a standard 5-field cron spec; empty disables the
	// maintenance runner.
	Schedule string `yaml:"schedule"`
	// PresenceTTLSeconds bounds how long a published agent record
	// survives without a refresh.
	PresenceTTLSeconds int `yaml:"presence_ttl_seconds"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Vendor:     "claude",
		WindowCap:  200,
		HistoryDir: filepath.Join(home, ".pairterm", "history"),
		Maintenance: MaintenanceConfig{
			Schedule:           "*/1 * * * *",
			PresenceTTLSeconds: 90,
		},
	}
}

// Load reads a YAML config, layering it over the defaults. A missing
// file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	d := Default()
	out := c
	if strings.TrimSpace(out.Vendor) == "" {
		out.Vendor = d.Vendor
	}
	if out.WindowCap <= 0 {
		out.WindowCap = d.WindowCap
	}
	if strings.TrimSpace(out.HistoryDir) == "" {
		out.HistoryDir = d.HistoryDir
	}
	if out.Maintenance.PresenceTTLSeconds <= 0 {
		out.Maintenance.PresenceTTLSeconds = d.Maintenance.PresenceTTLSeconds
	}
	return out
}
