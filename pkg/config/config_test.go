package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_WritesDefaults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")

	cfg, err := Load("test", file, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.PortRangeStart != 11081 || cfg.PortRangeEnd != 11083 {
		t.Errorf("Expected port range 11081-11083, got %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.PACCacheTTL != 5*time.Second {
		t.Errorf("Expected PAC TTL 5s, got %v", cfg.PACCacheTTL)
	}
	if cfg.DBPath != filepath.Join(dir, "socksgate.db") {
		t.Errorf("Unexpected db path %s", cfg.DBPath)
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("Expected config file to be written: %v", err)
	}

	// Reload reads the saved file back
	again, err := Load("test", file, "debug")
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if again.MonitorInterval != 30*time.Second {
		t.Errorf("Expected monitor interval to round-trip, got %v", again.MonitorInterval)
	}
	if again.LogLevel != "debug" {
		t.Errorf("Expected flag log level to win, got %s", again.LogLevel)
	}
}

func TestEnsureDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PROXY_PORT_START", "21081")
	t.Setenv("PROXY_PORT_END", "21083")
	t.Setenv("PROXY_HOST", "10.1.2.3")
	t.Setenv("SOCKSGATE_MONITOR_INTERVAL", "45s")
	t.Setenv("SOCKSGATE_PAC_CACHE_TTL", "not-a-duration")

	cfg := &Config{file: filepath.Join(t.TempDir(), "config.yaml")}
	if err := cfg.EnsureDefaultConfig(false); err != nil {
		t.Fatalf("EnsureDefaultConfig failed: %v", err)
	}

	if cfg.PortRangeStart != 21081 || cfg.PortRangeEnd != 21083 {
		t.Errorf("Expected env port range, got %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.ProxyHost != "10.1.2.3" {
		t.Errorf("Expected proxy host from env, got %s", cfg.ProxyHost)
	}
	if cfg.MonitorInterval != 45*time.Second {
		t.Errorf("Expected monitor interval from env, got %s", cfg.MonitorInterval)
	}
	// Unparsable durations fall back to the default
	if cfg.PACCacheTTL != Defaults().PACCacheTTL {
		t.Errorf("Expected default PAC cache TTL, got %s", cfg.PACCacheTTL)
	}
}

func TestEnsureDefaultConfig_InvalidRange(t *testing.T) {
	cfg := &Config{PortRangeStart: 2000, PortRangeEnd: 1000, file: filepath.Join(t.TempDir(), "c.yaml")}
	if err := cfg.EnsureDefaultConfig(false); err == nil {
		t.Error("Expected error for inverted port range")
	}
}

func TestGetServerPort(t *testing.T) {
	cfg := Defaults()
	if got := cfg.GetServerPort(); got != "3000" {
		t.Errorf("Expected 3000, got %s", got)
	}
}
