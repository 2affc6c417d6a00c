// Package config loads and validates the coursesync TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  General  `toml:"general"`
	Temporal Temporal `toml:"temporal"`
	Crawler  Crawler  `toml:"crawler"`
	Oracle   Oracle   `toml:"oracle"`
	API      API      `toml:"api"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
	BlobDir  string `toml:"blob_dir"`
}

// Temporal configures the connection to the workflow service and the
// pipeline's execution limits.
type Temporal struct {
	HostPort                 string   `toml:"host_port"`
	Namespace                string   `toml:"namespace"`
	TaskQueue                string   `toml:"task_queue"`
	WorkflowExecutionTimeout Duration `toml:"workflow_execution_timeout"` // default 2h
}

type Crawler struct {
	MaxDepth    int      `toml:"max_depth"`    // default 3
	PageTimeout Duration `toml:"page_timeout"` // per-page load cap, default 30s
	Headless    bool     `toml:"headless"`
	NoSandbox   bool     `toml:"no_sandbox"`
	UserAgent   string   `toml:"user_agent"`
}

// Oracle configures the structured-output LLM backing the link,
// extraction, and resolver oracles, including the per-call text caps.
type Oracle struct {
	APIKey              string   `toml:"api_key"` // prefer ANTHROPIC_API_KEY
	Model               string   `toml:"model"`
	MaxTokens           int      `toml:"max_tokens"`
	Timeout             Duration `toml:"timeout"`
	LinkContextLimit    int      `toml:"link_context_limit"`    // default 3000 chars
	ExtractContextLimit int      `toml:"extract_context_limit"` // default 8000 chars
	PerPageLimit        int      `toml:"per_page_limit"`        // default 5000 chars
	TotalLimit          int      `toml:"total_limit"`           // default 30000 chars
}

type API struct {
	Bind      string `toml:"bind"`
	AuthToken string `toml:"auth_token"` // prefer COURSESYNC_API_TOKEN
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		General: General{
			LogLevel: "info",
			StateDB:  "coursesync.db",
			BlobDir:  "blobs",
		},
		Temporal: Temporal{
			HostPort:                 "127.0.0.1:7233",
			Namespace:                "default",
			TaskQueue:                "course-sync-task-queue",
			WorkflowExecutionTimeout: Duration{2 * time.Hour},
		},
		Crawler: Crawler{
			MaxDepth:    3,
			PageTimeout: Duration{30 * time.Second},
			Headless:    true,
			UserAgent:   "coursesync/1.0",
		},
		Oracle: Oracle{
			Model:               "claude-sonnet-4-20250514",
			MaxTokens:           4096,
			Timeout:             Duration{60 * time.Second},
			LinkContextLimit:    3000,
			ExtractContextLimit: 8000,
			PerPageLimit:        5000,
			TotalLimit:          30000,
		},
		API: API{
			Bind: "127.0.0.1:8800",
		},
	}
}

// Load reads the TOML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error; the defaults
// plus environment stand alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override file settings; secrets
// are expected to arrive this way rather than in the TOML.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.General.StateDB, "COURSESYNC_STATE_DB")
	set(&cfg.General.BlobDir, "COURSESYNC_BLOB_DIR")
	set(&cfg.General.LogLevel, "COURSESYNC_LOG_LEVEL")
	set(&cfg.Temporal.HostPort, "TEMPORAL_HOST")
	set(&cfg.Temporal.Namespace, "TEMPORAL_NAMESPACE")
	set(&cfg.Temporal.TaskQueue, "TEMPORAL_TASK_QUEUE")
	set(&cfg.Oracle.APIKey, "ANTHROPIC_API_KEY")
	set(&cfg.API.Bind, "COURSESYNC_API_BIND")
	set(&cfg.API.AuthToken, "COURSESYNC_API_TOKEN")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.General.StateDB == "" {
		return fmt.Errorf("config: general.state_db must not be empty")
	}
	if c.General.BlobDir == "" {
		return fmt.Errorf("config: general.blob_dir must not be empty")
	}
	if c.Temporal.HostPort == "" {
		return fmt.Errorf("config: temporal.host_port must not be empty")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("config: temporal.task_queue must not be empty")
	}
	if c.Crawler.MaxDepth <= 0 {
		return fmt.Errorf("config: crawler.max_depth must be positive")
	}
	if c.Crawler.PageTimeout.Duration <= 0 {
		return fmt.Errorf("config: crawler.page_timeout must be positive")
	}
	if c.Oracle.Model == "" {
		return fmt.Errorf("config: oracle.model must not be empty")
	}
	return nil
}
