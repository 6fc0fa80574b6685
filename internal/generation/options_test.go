package generation

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildArgs_AutoAndRandomOmitFlags(t *testing.T) {
	args, err := BuildArgs("/opt/app/core/zimage", Options{
		Prompt: "a cat",
		Steps:  AutoSteps(),
		Seed:   RandomSeed(),
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	for _, a := range args {
		if a == "-l" || a == "-r" {
			t.Errorf("unexpected flag %s in %v", a, args)
		}
	}
	if len(args) != 2 || args[0] != "-p" || args[1] != "a cat" {
		t.Errorf("expected only the prompt, got %v", args)
	}
}

func TestBuildArgs_ExplicitStepsAndSeed(t *testing.T) {
	args, err := BuildArgs("/opt/app/core/zimage", Options{
		Prompt: "a cat",
		Steps:  StepsOf(20),
		Seed:   SeedOf(42),
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-l 20 -r 42") {
		t.Errorf("expected '-l 20 -r 42' in %q", joined)
	}
}

func TestBuildArgs_FullOrder(t *testing.T) {
	exe := filepath.FromSlash("/opt/app/core/zimage")
	args, err := BuildArgs(exe, Options{
		Prompt:         "castle",
		NegativePrompt: "blurry",
		Output:         filepath.FromSlash("/tmp/out/../out/img.png"),
		Width:          1024,
		Height:         768,
		Steps:          StepsOf(8),
		Seed:           SeedOf(7),
		Model:          "z-image-turbo",
		GPU:            GPUIndex(1),
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}

	want := []string{
		"-p", "castle",
		"-n", "blurry",
		"-o", filepath.FromSlash("/tmp/out/img.png"),
		"-s", "1024,768",
		"-l", "8",
		"-r", "7",
		"-m", filepath.FromSlash("/opt/app/models/z-image-turbo"),
		"-g", "1",
	}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Errorf("args mismatch\n got: %v\nwant: %v", args, want)
	}
}

func TestBuildArgs_GPUZeroIsEmitted(t *testing.T) {
	args, err := BuildArgs("/opt/app/core/zimage", Options{Prompt: "x", GPU: GPUIndex(0)})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if got := strings.Join(args, " "); got != "-p x -g 0" {
		t.Errorf("expected '-p x -g 0', got %q", got)
	}
}

func TestBuildArgs_SizeNeedsBothDimensions(t *testing.T) {
	args, err := BuildArgs("/opt/app/core/zimage", Options{Prompt: "x", Width: 512})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	for _, a := range args {
		if a == "-s" {
			t.Errorf("unexpected -s with only width set: %v", args)
		}
	}
}

func TestBuildArgs_EmptyNegativePromptOmitted(t *testing.T) {
	args, _ := BuildArgs("/opt/app/core/zimage", Options{Prompt: "x", NegativePrompt: ""})
	for _, a := range args {
		if a == "-n" {
			t.Errorf("unexpected -n for empty negative prompt: %v", args)
		}
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"empty prompt", Options{Prompt: "   "}, ErrEmptyPrompt},
		{"negative width", Options{Prompt: "x", Width: -1, Height: 10}, ErrInvalidSize},
		{"zero steps", Options{Prompt: "x", Steps: StepsOf(0)}, ErrInvalidSteps},
		{"negative gpu", Options{Prompt: "x", GPU: GPUIndex(-2)}, ErrInvalidGPU},
		{"model traversal", Options{Prompt: "x", Model: "../etc"}, ErrInvalidModel},
		{"model dotdot", Options{Prompt: "x", Model: ".."}, ErrInvalidModel},
		{"valid", Options{Prompt: "x", Model: "z-image-turbo", Steps: StepsOf(4)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestOptions_UnmarshalSentinels(t *testing.T) {
	var opts Options
	data := `{"prompt":"x","steps":"auto","seed":"rand","gpuId":"auto"}`
	if err := json.Unmarshal([]byte(data), &opts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := opts.Steps.Value(); ok {
		t.Error("expected automatic steps")
	}
	if _, ok := opts.Seed.Value(); ok {
		t.Error("expected random seed")
	}
	if _, ok := opts.GPU.Value(); ok {
		t.Error("expected automatic gpu")
	}
}

func TestOptions_UnmarshalExplicitValues(t *testing.T) {
	var opts Options
	data := `{"prompt":"x","steps":20,"seed":"42","gpuId":0}`
	if err := json.Unmarshal([]byte(data), &opts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n, ok := opts.Steps.Value(); !ok || n != 20 {
		t.Errorf("expected steps 20, got %d (explicit=%v)", n, ok)
	}
	if v, ok := opts.Seed.Value(); !ok || v != 42 {
		t.Errorf("expected seed 42, got %d (explicit=%v)", v, ok)
	}
	if i, ok := opts.GPU.Value(); !ok || i != 0 {
		t.Errorf("expected gpu 0, got %d (explicit=%v)", i, ok)
	}
}

func TestOptions_UnmarshalMissingFieldsAreAutomatic(t *testing.T) {
	var opts Options
	if err := json.Unmarshal([]byte(`{"prompt":"x","seed":null}`), &opts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := opts.Steps.Value(); ok {
		t.Error("expected automatic steps")
	}
	if _, ok := opts.Seed.Value(); ok {
		t.Error("expected random seed")
	}
}

func TestOptions_UnmarshalRejectsGarbage(t *testing.T) {
	var opts Options
	if err := json.Unmarshal([]byte(`{"prompt":"x","steps":"lots"}`), &opts); err == nil {
		t.Fatal("expected error for unknown steps sentinel")
	}
	if err := json.Unmarshal([]byte(`{"prompt":"x","seed":1.5}`), &opts); err == nil {
		t.Fatal("expected error for fractional seed")
	}
}

func TestOptions_MarshalUsesSentinels(t *testing.T) {
	data, err := json.Marshal(Options{Prompt: "x", Steps: StepsOf(4)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	for _, want := range []string{`"steps":4`, `"seed":"random"`, `"gpuId":"auto"`} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %s", want, got)
		}
	}
}
