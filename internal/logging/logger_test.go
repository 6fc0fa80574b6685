package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"zimage-bridge/internal/config"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("image detected", "component", "watcher", "path", "/tmp/a.png")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "image detected" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Errorf("expected lowercase level, got %v", entry["level"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("expected ts key")
	}
	if entry["component"] != "watcher" {
		t.Errorf("expected component attr, got %v", entry["component"])
	}
}

func TestNew_AutoFormatFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Format: "auto", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON for a non-terminal writer, got %q", buf.String())
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Warn("watcher backend error", "dir", "/out")
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "dir=/out") {
		t.Errorf("unexpected console output %q", out)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("dropped")
	logger.Debug("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info/debug to be filtered, got %q", buf.String())
	}
}

func TestNew_UnsupportedFormat(t *testing.T) {
	if _, _, err := New(Options{Format: "xml", Writer: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNew_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	logger, closer, err := New(Options{Format: "json", Writer: &bytes.Buffer{}, FilePath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("persisted")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted") {
		t.Errorf("expected message in log file, got %q", data)
	}

	if err := closer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}
	if err := closer.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected the log file to be closed, second Close returned %v", err)
	}
}

func TestNew_CloserWithoutFile(t *testing.T) {
	_, closer, err := New(Options{Format: "json", Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("expected no-op close, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "json"
	cfg.Paths.StateDir = t.TempDir()

	logger, closer, err := NewFromConfig(&cfg, true)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected logger")
	}
	if _, err := os.Stat(cfg.LogPath()); err != nil {
		t.Errorf("expected log file to be created: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
