package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.HeartbeatIntervalMS != 15000 || cfg.HeartbeatTimeoutMS != 45000 {
		t.Errorf("unexpected heartbeat defaults: %d/%d", cfg.HeartbeatIntervalMS, cfg.HeartbeatTimeoutMS)
	}
	if cfg.CheckpointRetentionDays != 7 || cfg.AutoresolveThreshold != "medium" {
		t.Errorf("unexpected retention defaults: %+v", cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "squawk.yaml")
	body := `
datadir: /var/lib/squawk
port: 9090
llm:
  provider: mock
  model: test-model
heartbeat_timeout_ms: 60000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/squawk" || cfg.Port != 9090 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LLM.Provider != "mock" || cfg.LLM.Model != "test-model" {
		t.Errorf("llm values not applied: %+v", cfg.LLM)
	}
	// Untouched keys keep their defaults.
	if cfg.HeartbeatIntervalMS != 15000 || cfg.HeartbeatTimeoutMS != 60000 {
		t.Errorf("partial override broke defaults: %+v", cfg)
	}
	if cfg.DatabasePath() != "/var/lib/squawk/squawk.db" {
		t.Errorf("unexpected database path %s", cfg.DatabasePath())
	}
	if cfg.CheckpointDir() != "/var/lib/squawk/checkpoints" {
		t.Errorf("unexpected checkpoint dir %s", cfg.CheckpointDir())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "squawk.yaml")
	if err := os.WriteFile(path, []byte("port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SQUAWK_PORT", "7070")
	t.Setenv("SQUAWK_LLM_API_KEY", "sk-test")
	t.Setenv("SQUAWK_AUTORESOLVE_THRESHOLD", "high")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("env override lost: port=%d", cfg.Port)
	}
	if cfg.LLM.APIKey != "sk-test" || cfg.AutoresolveThreshold != "high" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Port = 0 }, "port"},
		{"timeout below interval", func(c *Config) { c.HeartbeatTimeoutMS = 1000 }, "heartbeat_timeout_ms"},
		{"zero retention", func(c *Config) { c.CheckpointRetentionDays = 0 }, "checkpoint_retention_days"},
		{"bad threshold", func(c *Config) { c.AutoresolveThreshold = "whenever" }, "autoresolve_threshold"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "homebrew" }, "llm.provider"},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
}
