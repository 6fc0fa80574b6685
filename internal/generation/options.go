package generation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrEmptyPrompt  = errors.New("prompt is required")
	ErrInvalidSize  = errors.New("width and height must not be negative")
	ErrInvalidSteps = errors.New("steps must be positive")
	ErrInvalidGPU   = errors.New("gpu index must not be negative")
	ErrInvalidModel = errors.New("model must be a plain directory name")
)

// Steps is either automatic (the executable picks) or an explicit count.
// The zero value is automatic.
type Steps struct {
	n        int
	explicit bool
}

// AutoSteps lets the executable choose the step count.
func AutoSteps() Steps { return Steps{} }

// StepsOf returns an explicit step count.
func StepsOf(n int) Steps { return Steps{n: n, explicit: true} }

// Value returns the explicit count and whether one is set.
func (s Steps) Value() (int, bool) { return s.n, s.explicit }

func (s Steps) MarshalJSON() ([]byte, error) {
	if !s.explicit {
		return json.Marshal("auto")
	}
	return json.Marshal(s.n)
}

func (s *Steps) UnmarshalJSON(data []byte) error {
	n, explicit, err := parseTagged(data, "auto")
	if err != nil {
		return fmt.Errorf("steps: %w", err)
	}
	*s = Steps{n: int(n), explicit: explicit}
	return nil
}

// Seed is either random (chosen by the executable) or an explicit value.
// The zero value is random.
type Seed struct {
	v        int64
	explicit bool
}

// RandomSeed lets the executable pick a seed.
func RandomSeed() Seed { return Seed{} }

// SeedOf returns an explicit seed.
func SeedOf(v int64) Seed { return Seed{v: v, explicit: true} }

func (s Seed) Value() (int64, bool) { return s.v, s.explicit }

func (s Seed) MarshalJSON() ([]byte, error) {
	if !s.explicit {
		return json.Marshal("random")
	}
	return json.Marshal(s.v)
}

func (s *Seed) UnmarshalJSON(data []byte) error {
	v, explicit, err := parseTagged(data, "random", "rand")
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	*s = Seed{v: v, explicit: explicit}
	return nil
}

// GPU selects a device index, or leaves the choice to the executable.
// The zero value is automatic; GPUIndex(0) is an explicit first device.
type GPU struct {
	index    int
	explicit bool
}

func AutoGPU() GPU { return GPU{} }

func GPUIndex(i int) GPU { return GPU{index: i, explicit: true} }

func (g GPU) Value() (int, bool) { return g.index, g.explicit }

func (g GPU) MarshalJSON() ([]byte, error) {
	if !g.explicit {
		return json.Marshal("auto")
	}
	return json.Marshal(g.index)
}

func (g *GPU) UnmarshalJSON(data []byte) error {
	v, explicit, err := parseTagged(data, "auto")
	if err != nil {
		return fmt.Errorf("gpuId: %w", err)
	}
	*g = GPU{index: int(v), explicit: explicit}
	return nil
}

// parseTagged accepts null, one of the sentinel strings, or an integer.
func parseTagged(data []byte, sentinels ...string) (int64, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0, false, nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, false, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false, nil
		}
		for _, sentinel := range sentinels {
			if strings.EqualFold(s, sentinel) {
				return 0, false, nil
			}
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("unsupported value %q", s)
		}
		return v, true, nil
	}

	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, false, fmt.Errorf("expected integer or %q: %w", sentinels[0], err)
	}
	return v, true, nil
}

// Options describes a single run of the generation executable.
type Options struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Output         string `json:"output,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Steps          Steps  `json:"steps"`
	Seed           Seed   `json:"seed"`
	Model          string `json:"model,omitempty"`
	GPU            GPU    `json:"gpuId"`
}

// Validate checks the options before a command line is built.
func (o Options) Validate() error {
	if strings.TrimSpace(o.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if o.Width < 0 || o.Height < 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, o.Width, o.Height)
	}
	if n, ok := o.Steps.Value(); ok && n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSteps, n)
	}
	if i, ok := o.GPU.Value(); ok && i < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidGPU, i)
	}
	if o.Model != "" {
		if o.Model == "." || o.Model == ".." || strings.ContainsAny(o.Model, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidModel, o.Model)
		}
	}
	return nil
}

// BuildArgs turns options into the executable's argument list. Flag order is
// fixed so identical options always yield identical arguments.
func BuildArgs(executable string, opts Options) ([]string, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	args := []string{"-p", opts.Prompt}

	if opts.NegativePrompt != "" {
		args = append(args, "-n", opts.NegativePrompt)
	}
	if opts.Output != "" {
		args = append(args, "-o", filepath.Clean(opts.Output))
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%d,%d", opts.Width, opts.Height))
	}
	if n, ok := opts.Steps.Value(); ok {
		args = append(args, "-l", strconv.Itoa(n))
	}
	if v, ok := opts.Seed.Value(); ok {
		args = append(args, "-r", strconv.FormatInt(v, 10))
	}
	if opts.Model != "" {
		modelPath, err := ModelPath(executable, opts.Model)
		if err != nil {
			return nil, err
		}
		args = append(args, "-m", modelPath)
	}
	if i, ok := opts.GPU.Value(); ok {
		args = append(args, "-g", strconv.Itoa(i))
	}

	return args, nil
}
