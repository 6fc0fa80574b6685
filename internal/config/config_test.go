package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(envExecutable, "")
	t.Setenv(envAPIBind, "")
	t.Setenv(envOutputDir, "")
	return home
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := isolateEnv(t)
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Error("expected exists=false for missing file")
	}
	if resolved != path {
		t.Errorf("expected resolved path %s, got %s", path, resolved)
	}
	if want := filepath.Join(home, ".local", "share", "zimage-bridge"); cfg.Paths.StateDir != want {
		t.Errorf("expected state dir %s, got %s", want, cfg.Paths.StateDir)
	}
	if cfg.Paths.APIBind != defaultAPIBind {
		t.Errorf("expected default bind, got %s", cfg.Paths.APIBind)
	}
	if cfg.Debounce() != 100*time.Millisecond {
		t.Errorf("expected 100ms debounce, got %v", cfg.Debounce())
	}
	if cfg.MaxDeferral() != 2*time.Second {
		t.Errorf("expected 2s max deferral, got %v", cfg.MaxDeferral())
	}
	if cfg.KillGrace() != 5*time.Second {
		t.Errorf("expected 5s kill grace, got %v", cfg.KillGrace())
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	home := isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[paths]
executable = "~/core/zimage"
output_dir = "/tmp/out"
api_bind = "127.0.0.1:9000"

[watcher]
debounce_ms = 250
max_deferral_ms = 0

[logging]
format = "JSON"
level = "Debug"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Error("expected exists=true")
	}
	if want := filepath.Join(home, "core", "zimage"); cfg.Paths.Executable != want {
		t.Errorf("expected executable %s, got %s", want, cfg.Paths.Executable)
	}
	if cfg.Paths.OutputDir != filepath.Clean("/tmp/out") {
		t.Errorf("unexpected output dir %s", cfg.Paths.OutputDir)
	}
	if cfg.Debounce() != 250*time.Millisecond || cfg.MaxDeferral() != 0 {
		t.Errorf("unexpected watcher timings %v / %v", cfg.Debounce(), cfg.MaxDeferral())
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("expected normalized logging, got %+v", cfg.Logging)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	isolateEnv(t)
	exe := filepath.Join(t.TempDir(), "core", "zimage")
	t.Setenv(envExecutable, exe)
	t.Setenv(envAPIBind, "0.0.0.0:7000")

	cfg, _, _, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.Executable != exe {
		t.Errorf("expected executable from env, got %s", cfg.Paths.Executable)
	}
	if cfg.Paths.APIBind != "0.0.0.0:7000" {
		t.Errorf("expected bind from env, got %s", cfg.Paths.APIBind)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[paths]\nexecutabel = \"x\"\n"), 0644)

	if _, _, _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad bind", func(c *Config) { c.Paths.APIBind = "nope" }, "paths.api_bind"},
		{"zero debounce", func(c *Config) { c.Watcher.DebounceMillis = 0 }, "debounce_ms"},
		{"deferral below debounce", func(c *Config) { c.Watcher.MaxDeferralMillis = 50 }, "max_deferral_ms"},
		{"zero grace", func(c *Config) { c.Process.KillGraceSeconds = 0 }, "kill_grace_seconds"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestCreateSampleLoads(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load of sample failed: %v", err)
	}
	if !exists || cfg.Paths.Executable == "" {
		t.Errorf("expected sample executable to be set, got %+v", cfg.Paths)
	}
}

func TestConfigPaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.StateDir = filepath.FromSlash("/var/lib/zb")

	if got := cfg.LockPath(); got != filepath.FromSlash("/var/lib/zb/zimage-bridge.lock") {
		t.Errorf("unexpected lock path %s", got)
	}
	if got := cfg.HistoryPath(); got != filepath.FromSlash("/var/lib/zb/history.db") {
		t.Errorf("unexpected history path %s", got)
	}
}
