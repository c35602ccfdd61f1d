package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() invalid: %v", err)
	}
	engines := cfg.AgentsOfKind(KindEngine)
	if len(engines) != 3 {
		t.Fatalf("expected 3 engines, got %d", len(engines))
	}
	if engines[0].EngineID != "Engine-1" || engines[0].Port != 1611 || engines[0].Base.Temperature != 45 {
		t.Errorf("unexpected Engine-1: %+v", engines[0])
	}
	if engines[2].Port != 1613 || engines[2].Base.Power != 1200 {
		t.Errorf("unexpected Engine-3: %+v", engines[2])
	}
	if engines[1].Community != DefaultCommunity {
		t.Errorf("community not inherited: %q", engines[1].Community)
	}
	if cfg.Manager.Timeout != 2*time.Second || cfg.Manager.Retries != 1 {
		t.Errorf("unexpected manager defaults: %+v", cfg.Manager)
	}
	if cfg.Transcript.Capacity != 1000 {
		t.Errorf("capacity = %d", cfg.Transcript.Capacity)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents) != 4 {
		t.Fatalf("expected 4 default agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents[0].Base.RPM != 1800 {
		t.Errorf("base not decoded: %+v", cfg.Agents[0])
	}
	if cfg.Manager.Interval != DefaultPollInterval {
		t.Errorf("interval = %v", cfg.Manager.Interval)
	}
	if cfg.Thresholds.Critical != 100 {
		t.Errorf("critical = %v", cfg.Thresholds.Critical)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "snmpwatch.yaml", `
community: secret
agents:
  - engine_id: Pump-1
    port: 2611
    base:
      temperature: 60
      rpm: 1000
      current: 8
      power: 900
manager:
  timeout: 500ms
  retries: 3
  interval: 1s
thresholds:
  warning: 70
  critical: 90
  hysteresis: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("agents = %d", len(cfg.Agents))
	}
	a := cfg.Agents[0]
	if a.Kind != KindEngine || a.Host != DefaultHost || a.Community != "secret" {
		t.Errorf("inheritance not applied: %+v", a)
	}
	if a.Base.Temperature != 60 {
		t.Errorf("base = %+v", a.Base)
	}
	if cfg.Manager.Timeout != 500*time.Millisecond || cfg.Manager.Retries != 3 {
		t.Errorf("manager = %+v", cfg.Manager)
	}
	if cfg.Manager.SystemInterval != DefaultSystemInterval {
		t.Errorf("unset key lost its default: %v", cfg.Manager.SystemInterval)
	}
	if cfg.Traps.Community != "secret" {
		t.Errorf("trap community = %q", cfg.Traps.Community)
	}
	if cfg.Thresholds.Warning != 70 {
		t.Errorf("thresholds = %+v", cfg.Thresholds)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SNMPWATCH_MANAGER_RETRIES", "4")
	t.Setenv("SNMPWATCH_API_ADDR", ":6000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Manager.Retries != 4 {
		t.Errorf("retries = %d, want 4", cfg.Manager.Retries)
	}
	if cfg.API.Addr != ":6000" {
		t.Errorf("api addr = %q", cfg.API.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no agents", func(c *Config) { c.Agents = nil }, "at least one agent"},
		{"duplicate id", func(c *Config) { c.Agents[1].EngineID = "Engine-1" }, "duplicate engine_id"},
		{"duplicate port", func(c *Config) { c.Agents[1].Port = 1611 }, "duplicate address"},
		{"bad kind", func(c *Config) { c.Agents[0].Kind = "pump" }, "unknown kind"},
		{"zero timeout", func(c *Config) { c.Manager.Timeout = 0 }, "timeout"},
		{"negative retries", func(c *Config) { c.Manager.Retries = -1 }, "retries"},
		{"zero interval", func(c *Config) { c.Manager.Interval = 0 }, "intervals"},
		{"zero sample", func(c *Config) { c.SampleInterval = 0 }, "sample_interval"},
		{"capacity", func(c *Config) { c.Transcript.Capacity = 0 }, "capacity"},
		{"thresholds", func(c *Config) { c.Thresholds.Warning = 120 }, "warning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestAgentAddr(t *testing.T) {
	if got := Default().Agents[0].Addr(); got != "127.0.0.1:1611" {
		t.Errorf("Addr() = %q", got)
	}
}
