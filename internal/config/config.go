// Package config loads the supervisor's single configuration record
// from a TOML file, environment overrides, and built-in defaults.
// Grounded on the teacher's controller/internal/config/config.go
// priority order (file overrides default, env overrides file; CLI flags
// are layered on top by the caller) and
// internal/config/env.go's "single source of truth" comment style.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the single record spec.md §6 describes, with TOML tags for
// swarm.toml loading; SWARM_*-prefixed env vars override individual fields.
type Config struct {
	Count               int      `toml:"count"`
	MaxActive           int      `toml:"max_active"`
	Role                string   `toml:"role"`
	Channels            []string `toml:"channels"`
	TokenBudget         int      `toml:"token_budget"`
	HeartbeatIntervalMs int      `toml:"heartbeat_interval_ms"`
	MaxTaskDurationMs   int      `toml:"max_task_duration_ms"`
	Persist             bool     `toml:"persist"`
	Pidfile             string   `toml:"pidfile"`
	LogDir              string   `toml:"log_dir"`
	ShutdownTimeoutMs   int      `toml:"shutdown_timeout_ms"`

	// ExecutorCommand is the configurable executor launch command
	// (spec.md §4.D); not in the spec's config table proper but needed
	// to actually spawn anything, so it travels the same path.
	ExecutorCommand []string `toml:"executor_command"`
}

// Default returns the config table from spec.md §6 verbatim.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Count:               3,
		MaxActive:           5,
		Role:                "builder",
		Channels:            []string{"#agents"},
		TokenBudget:         0,
		HeartbeatIntervalMs: 30_000,
		MaxTaskDurationMs:   1_800_000,
		Persist:             false,
		Pidfile:             filepath.Join(home, ".agentctl", "swarm.pid"),
		LogDir:              filepath.Join(home, ".agentctl", "logs"),
		ShutdownTimeoutMs:   10_000,
		ExecutorCommand:     []string{"agent-cli"},
	}
}

// Load builds a Config in priority order: env overrides file, file
// overrides default (cmd/swarmd layers flag overrides on top of this
// result, giving the full flags > env > file > default chain).
// path may be empty, in which case only env and defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Count = envIntOr("SWARM_COUNT", cfg.Count)
	cfg.MaxActive = envIntOr("SWARM_MAX_ACTIVE", cfg.MaxActive)
	cfg.Role = envOr("SWARM_ROLE", cfg.Role)
	cfg.Channels = envListOr("SWARM_CHANNELS", cfg.Channels)
	cfg.TokenBudget = envIntOr("SWARM_TOKEN_BUDGET", cfg.TokenBudget)
	cfg.HeartbeatIntervalMs = envIntOr("SWARM_HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMs)
	cfg.MaxTaskDurationMs = envIntOr("SWARM_MAX_TASK_DURATION_MS", cfg.MaxTaskDurationMs)
	cfg.Persist = envBoolOr("SWARM_PERSIST", cfg.Persist)
	cfg.Pidfile = envOr("SWARM_PIDFILE", cfg.Pidfile)
	cfg.LogDir = envOr("SWARM_LOG_DIR", cfg.LogDir)
	cfg.ShutdownTimeoutMs = envIntOr("SWARM_SHUTDOWN_TIMEOUT_MS", cfg.ShutdownTimeoutMs)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envListOr(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
