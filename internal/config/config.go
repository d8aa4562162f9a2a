// Package config provides environment-variable-first configuration
// loading with optional YAML file fallback for the bridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Duration wraps time.Duration so YAML values like "5s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Confirm ConfirmConfig `yaml:"confirm"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Backend BackendConfig `yaml:"backend"`
	Graph   GraphConfig   `yaml:"graph"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP listener and protocol limits.
type SMTPConfig struct {
	Listen         string   `yaml:"listen"`
	Hostname       string   `yaml:"hostname"`
	MaxMessageSize int      `yaml:"max_message_size"`
	MaxLineLength  int      `yaml:"max_line_length"`
	MaxErrors      int      `yaml:"max_errors"`
	AuthAttempts   int      `yaml:"auth_attempts"`
	ReadTimeout    Duration `yaml:"read_timeout"`
}

// ConfirmConfig tunes the sent-store confirmation loop.
type ConfirmConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

// DedupConfig controls the duplicate submission guard.
type DedupConfig struct {
	Enabled bool     `yaml:"enabled"`
	Policy  string   `yaml:"policy"`
	TTL     Duration `yaml:"ttl"`
}

// BackendConfig selects the delivery backend.
type BackendConfig struct {
	Name string `yaml:"name"`
}

// GraphConfig holds the groupware API endpoints and the optional IMAP
// sent-store search.
type GraphConfig struct {
	BaseURL    string `yaml:"base_url"`
	TokenURL   string `yaml:"token_url"`
	SentSearch string `yaml:"sent_search"`
	IMAPAddr   string `yaml:"imap_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible
// defaults. Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.validate()
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxLineLength = 2048
	c.SMTP.MaxErrors = 5
	c.SMTP.AuthAttempts = 3
	c.SMTP.ReadTimeout = Duration(5 * time.Minute)
	c.Confirm.Attempts = 5
	c.Confirm.Delay = Duration(time.Second)
	c.Dedup.Enabled = false
	c.Dedup.Policy = "suppress"
	c.Dedup.TTL = Duration(2 * time.Minute)
	c.Backend.Name = "dev"
	c.Graph.SentSearch = "http"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_LINE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxLineLength = n
		}
	}
	if v := os.Getenv("SMTP_MAX_ERRORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxErrors = n
		}
	}
	if v := os.Getenv("SMTP_AUTH_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.AuthAttempts = n
		}
	}
	if v := os.Getenv("SMTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.ReadTimeout = Duration(d)
		}
	}

	if v := os.Getenv("CONFIRM_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Confirm.Attempts = n
		}
	}
	if v := os.Getenv("CONFIRM_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Confirm.Delay = Duration(d)
		}
	}

	if v := os.Getenv("DEDUP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Dedup.Enabled = b
		}
	}
	if v := os.Getenv("DEDUP_POLICY"); v != "" {
		c.Dedup.Policy = strings.ToLower(v)
	}
	if v := os.Getenv("DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dedup.TTL = Duration(d)
		}
	}

	if v := os.Getenv("BACKEND"); v != "" {
		c.Backend.Name = strings.ToLower(v)
	}

	if v := os.Getenv("GRAPH_BASE_URL"); v != "" {
		c.Graph.BaseURL = v
	}
	if v := os.Getenv("GRAPH_TOKEN_URL"); v != "" {
		c.Graph.TokenURL = v
	}
	if v := os.Getenv("GRAPH_SENT_SEARCH"); v != "" {
		c.Graph.SentSearch = strings.ToLower(v)
	}
	if v := os.Getenv("GRAPH_IMAP_ADDR"); v != "" {
		c.Graph.IMAPAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate rejects combinations the bridge cannot run with.
func (c *Config) validate() error {
	switch c.Backend.Name {
	case "dev":
	case "graph":
		if c.Graph.BaseURL == "" || c.Graph.TokenURL == "" {
			return fmt.Errorf("graph backend requires base_url and token_url")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend.Name)
	}

	switch c.Graph.SentSearch {
	case "http":
	case "imap":
		if c.Graph.IMAPAddr == "" {
			return fmt.Errorf("imap sent search requires imap_addr")
		}
	default:
		return fmt.Errorf("unknown sent_search mode %q", c.Graph.SentSearch)
	}

	switch c.Dedup.Policy {
	case "suppress", "confirm":
	default:
		return fmt.Errorf("unknown dedup policy %q", c.Dedup.Policy)
	}

	return nil
}
