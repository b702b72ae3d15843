package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecTable(t *testing.T) {
	cfg := Default()
	if cfg.Count != 3 || cfg.MaxActive != 5 || cfg.Role != "builder" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0] != "#agents" {
		t.Fatalf("channels = %v, want [#agents]", cfg.Channels)
	}
	if cfg.HeartbeatIntervalMs != 30_000 || cfg.MaxTaskDurationMs != 1_800_000 || cfg.ShutdownTimeoutMs != 10_000 {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
}

func TestLoadWithNoFileAppliesEnvOverDefault(t *testing.T) {
	t.Setenv("SWARM_MAX_ACTIVE", "9")
	t.Setenv("SWARM_PERSIST", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxActive != 9 {
		t.Fatalf("maxActive = %d, want 9", cfg.MaxActive)
	}
	if !cfg.Persist {
		t.Fatal("persist = false, want true")
	}
	if cfg.Count != 3 {
		t.Fatalf("count = %d, want default 3 (untouched)", cfg.Count)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.toml")
	body := "count = 7\nmax_active = 2\nchannels = [\"#builders\", \"#reviewers\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	t.Setenv("SWARM_MAX_ACTIVE", "20")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Count != 7 {
		t.Fatalf("count = %d, want 7 (from file)", cfg.Count)
	}
	if cfg.MaxActive != 20 {
		t.Fatalf("maxActive = %d, want 20 (env overrides file)", cfg.MaxActive)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0] != "#builders" {
		t.Fatalf("channels = %v, want file value", cfg.Channels)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Count != 3 {
		t.Fatalf("count = %d, want default 3", cfg.Count)
	}
}

func TestEnvChannelsListParsing(t *testing.T) {
	t.Setenv("SWARM_CHANNELS", "#a, #b,#c")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"#a", "#b", "#c"}
	if len(cfg.Channels) != len(want) {
		t.Fatalf("channels = %v, want %v", cfg.Channels, want)
	}
	for i, c := range want {
		if cfg.Channels[i] != c {
			t.Fatalf("channels[%d] = %q, want %q", i, cfg.Channels[i], c)
		}
	}
}
