// Package config carries vitrine settings and on-disk path resolution.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved TCP range for vitrine servers. Orphan reclamation scans exactly
// this range.
const (
	DefaultPortMin = 7741
	DefaultPortMax = 7750
)

// DefaultDisplayHost is used in browser-facing URLs only; programmatic calls
// always go to 127.0.0.1 because the display host is not guaranteed to
// resolve outside a browser.
const DefaultDisplayHost = "vitrine.localhost"

// Config is the full vitrine configuration, loadable from
// <vitrine-dir>/config.yaml with environment overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redaction RedactionConfig `yaml:"redaction"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`

	// DataDir is the resolved vitrine directory. Not read from YAML; set by
	// Load so downstream code has one source for paths.
	DataDir string `yaml:"-"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	DisplayHost string `yaml:"display_host"`
	PortMin     int    `yaml:"port_min"`
	PortMax     int    `yaml:"port_max"`
}

type RedactionConfig struct {
	Disabled bool     `yaml:"disabled"`
	MaxRows  int      `yaml:"max_rows"`
	Patterns []string `yaml:"patterns"`
	HashIDs  bool     `yaml:"hash_ids"`
}

type AgentConfig struct {
	CLI   string `yaml:"cli"`
	Model string `yaml:"model"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load resolves the vitrine directory, reads config.yaml if present, and
// applies environment overrides. A missing config file is not an error.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			DisplayHost: DefaultDisplayHost,
			PortMin:     DefaultPortMin,
			PortMax:     DefaultPortMax,
		},
		Redaction: RedactionConfig{MaxRows: 10000},
		Agent:     AgentConfig{CLI: "claude", Model: "sonnet"},
		Logging:   LoggingConfig{Level: "info"},
	}
	cfg.DataDir = ResolveDataDir()

	path := filepath.Join(cfg.DataDir, "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "server.log")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := Env("REDACT"); v == "0" {
		c.Redaction.Disabled = true
	} else if v == "1" {
		c.Redaction.Disabled = false
	}
	if v := Env("MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Redaction.MaxRows = n
		}
	}
	if v := Env("REDACT_PATTERNS"); v != "" {
		var pats []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pats = append(pats, p)
			}
		}
		c.Redaction.Patterns = pats
	}
	if v := Env("HASH_IDS"); v == "1" {
		c.Redaction.HashIDs = true
	} else if v == "0" {
		c.Redaction.HashIDs = false
	}
	if v := Env("AGENT_CLI"); v != "" {
		c.Agent.CLI = v
	}
	if v := Env("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Env reads VITRINE_<key>, falling back to the legacy M4_VITRINE_<key> alias.
func Env(key string) string {
	if v := os.Getenv("VITRINE_" + key); v != "" {
		return v
	}
	return os.Getenv("M4_VITRINE_" + key)
}
