// Package config loads the workflow run configuration from an optional
// YAML file, applying defaults and a small set of environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type BackendConfig struct {
	Name          string `yaml:"name"`
	Priority      int    `yaml:"priority"`
	CredentialEnv string `yaml:"credential_env,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	PreferredBackend string          `yaml:"preferred_backend"`
	Backends         []BackendConfig `yaml:"backends"`

	StageTimeoutMS int `yaml:"stage_timeout_ms"`
	RunTimeoutMS   int `yaml:"run_timeout_ms"`

	// LockExpiryFactor multiplies the run timeout to produce the workspace
	// lock TTL, so a crashed run's lock outlives any legitimate slow run.
	LockExpiryFactor int `yaml:"lock_expiry_factor"`

	Log LogConfig `yaml:"log"`
}

func Default() Config {
	return Config{
		PreferredBackend: "anthropic",
		Backends: []BackendConfig{
			{Name: "anthropic", Priority: 0, CredentialEnv: "ANTHROPIC_API_KEY"},
			{Name: "openai", Priority: 1, CredentialEnv: "OPENAI_API_KEY"},
			{Name: "google", Priority: 2, CredentialEnv: "GEMINI_API_KEY"},
		},
		StageTimeoutMS:   10 * 60 * 1000,
		RunTimeoutMS:     60 * 60 * 1000,
		LockExpiryFactor: 2,
		Log:              LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path into a Config over defaults. A missing file is not an
// error when path is empty (no explicit config requested).
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		applyEnv(&cfg)
		return cfg, cfg.validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BLUEPRINT_PREFERRED_BACKEND")); v != "" {
		cfg.PreferredBackend = v
	}
	if v := strings.TrimSpace(os.Getenv("BLUEPRINT_STAGE_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StageTimeoutMS = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BLUEPRINT_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

func (c Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}
	seen := map[string]bool{}
	for _, b := range c.Backends {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate backend: %s", name)
		}
		seen[name] = true
	}
	if c.StageTimeoutMS <= 0 {
		return fmt.Errorf("stage_timeout_ms must be positive")
	}
	if c.RunTimeoutMS <= 0 {
		return fmt.Errorf("run_timeout_ms must be positive")
	}
	if c.LockExpiryFactor < 1 {
		return fmt.Errorf("lock_expiry_factor must be >= 1")
	}
	return nil
}

func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutMS) * time.Millisecond
}

func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMS) * time.Millisecond
}

// LockTTL is the workspace lock expiry window.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockExpiryFactor) * c.RunTimeout()
}

// Snapshot renders the config as a plain map for embedding in a session
// record. Credential values never appear here, only env var names.
func (c Config) Snapshot() map[string]any {
	backends := make([]map[string]any, 0, len(c.Backends))
	for _, b := range c.Backends {
		backends = append(backends, map[string]any{
			"name":           b.Name,
			"priority":       b.Priority,
			"credential_env": b.CredentialEnv,
		})
	}
	return map[string]any{
		"preferred_backend":  c.PreferredBackend,
		"backends":           backends,
		"stage_timeout_ms":   c.StageTimeoutMS,
		"run_timeout_ms":     c.RunTimeoutMS,
		"lock_expiry_factor": c.LockExpiryFactor,
	}
}
