package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"zimage-bridge/internal/generation"
	"zimage-bridge/internal/history"
)

type cliTestEnv struct {
	root       string
	configPath string
	stateDir   string
	executable string
}

// setupCLITestEnv writes a config whose executable lives at
// <root>/core/zimage with a models directory beside core.
func setupCLITestEnv(t *testing.T, script string) *cliTestEnv {
	t.Helper()

	root := t.TempDir()
	t.Setenv("HOME", filepath.Join(root, "home"))
	t.Setenv("ZIMAGE_EXECUTABLE", "")
	t.Setenv("ZIMAGE_API_BIND", "")
	t.Setenv("ZIMAGE_OUTPUT_DIR", "")

	exe := filepath.Join(root, "core", "zimage")
	if err := os.MkdirAll(filepath.Dir(exe), 0o755); err != nil {
		t.Fatalf("mkdir core: %v", err)
	}
	if script != "" {
		if err := os.WriteFile(exe, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
			t.Fatalf("write script: %v", err)
		}
	}

	stateDir := filepath.Join(root, "state")
	configPath := filepath.Join(root, "config.toml")
	content := fmt.Sprintf("[paths]\nexecutable = '%s'\nstate_dir = '%s'\n\n[logging]\nformat = \"json\"\n", exe, stateDir)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return &cliTestEnv{root: root, configPath: configPath, stateDir: stateDir, executable: exe}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script executables require a POSIX shell")
	}
}

func TestConfigInitAndShow(t *testing.T) {
	env := setupCLITestEnv(t, "")

	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	}

	out, _, err = runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, env.configPath)
	requireContains(t, out, "debounce_ms = 100")
}

func TestModelsCommand(t *testing.T) {
	env := setupCLITestEnv(t, "")
	for _, model := range []string{"z-image-turbo", "anime"} {
		if err := os.MkdirAll(filepath.Join(env.root, "models", model), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	out, _, err := runCLI(t, []string{"models"}, env.configPath)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	requireContains(t, out, "z-image-turbo")
	if strings.Index(out, "anime") > strings.Index(out, "z-image-turbo") {
		t.Errorf("expected sorted models, got:\n%s", out)
	}
}

func TestModelsCommandEmpty(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, _, err := runCLI(t, []string{"models"}, env.configPath)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	requireContains(t, out, "No models found")
}

func TestHistoryCommand(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, _, err := runCLI(t, []string{"history"}, env.configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	requireContains(t, out, "No generations recorded")

	store, err := history.Open(filepath.Join(env.stateDir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	started := time.Now().UTC().Add(-time.Minute)
	store.GenerationStarted(context.Background(), generation.Session{
		ID:        "0123456789abcdef",
		Args:      []string{"-p", "a quiet harbor"},
		Options:   generation.Options{Prompt: "a quiet harbor"},
		StartedAt: started,
	})
	store.GenerationFinished(context.Background(), "0123456789abcdef", -1, started.Add(2*time.Second))
	store.Close()

	out, _, err = runCLI(t, []string{"history"}, env.configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	requireContains(t, out, "01234567")
	requireContains(t, out, "a quiet harbor")
	requireContains(t, out, "killed")
	requireContains(t, out, "ago")
}

func TestGenerateCommandStreamsOutput(t *testing.T) {
	skipOnWindows(t)
	env := setupCLITestEnv(t, `echo "rendering $*"
echo "50%" 1>&2`)

	out, errOut, err := runCLI(t, []string{"generate", "a paper boat", "--steps", "9", "--seed", "random"}, env.configPath)
	if err != nil {
		t.Fatalf("generate: %v (stderr %s)", err, errOut)
	}
	requireContains(t, out, "rendering -p a paper boat -l 9")
	requireContains(t, errOut, "50%")
}

func TestGenerateCommandNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	env := setupCLITestEnv(t, `exit 4`)

	_, _, err := runCLI(t, []string{"generate", "-p", "x"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "code 4") {
		t.Fatalf("expected exit code error, got %v", err)
	}
}

func TestGenerateCommandRejectsBadFlags(t *testing.T) {
	env := setupCLITestEnv(t, "")

	if _, _, err := runCLI(t, []string{"generate", "-p", "x", "--steps", "many"}, env.configPath); err == nil {
		t.Fatal("expected error for non-numeric steps")
	}
	if _, _, err := runCLI(t, []string{"generate"}, env.configPath); err == nil {
		t.Fatal("expected error for missing prompt")
	}
}

func TestGenerateFlagsOptions(t *testing.T) {
	flags := generateFlags{prompt: "cat", steps: "auto", seed: "42", gpu: "1", model: " turbo "}
	opts, err := flags.options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if _, ok := opts.Steps.Value(); ok {
		t.Error("expected automatic steps")
	}
	if v, ok := opts.Seed.Value(); !ok || v != 42 {
		t.Errorf("expected seed 42, got %d (%v)", v, ok)
	}
	if i, ok := opts.GPU.Value(); !ok || i != 1 {
		t.Errorf("expected gpu 1, got %d (%v)", i, ok)
	}
	if opts.Model != "turbo" {
		t.Errorf("expected trimmed model, got %q", opts.Model)
	}
}

func TestServeRefusesSecondInstance(t *testing.T) {
	env := setupCLITestEnv(t, "")
	t.Setenv("ZIMAGE_API_BIND", "127.0.0.1:0")

	if err := os.MkdirAll(env.stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := flock.New(filepath.Join(env.stateDir, "zimage-bridge.lock"))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}
	defer lock.Unlock()

	_, _, err := runCLI(t, []string{"serve"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "another zimage-bridge instance") {
		t.Fatalf("expected lock conflict, got %v", err)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	env := setupCLITestEnv(t, "")
	t.Setenv("ZIMAGE_API_BIND", "127.0.0.1:0")
	t.Setenv("ZIMAGE_OUTPUT_DIR", t.TempDir())

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", env.configPath, "serve"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}

	if _, err := os.Stat(filepath.Join(env.stateDir, "history.db")); err != nil {
		t.Errorf("expected history database to be created: %v", err)
	}
}
