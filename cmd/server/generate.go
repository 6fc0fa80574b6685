package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"zimage-bridge/internal/generation"
	"zimage-bridge/internal/history"
	"zimage-bridge/internal/logging"
)

type generateFlags struct {
	prompt   string
	negative string
	output   string
	width    int
	height   int
	steps    string
	seed     string
	model    string
	gpu      string
	verbose  bool
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var flags generateFlags

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run the generation executable once and stream its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && flags.prompt == "" {
				flags.prompt = args[0]
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			return runGenerate(cmd, ctx, opts, flags.verbose)
		},
	}

	cmd.Flags().StringVarP(&flags.prompt, "prompt", "p", "", "Prompt text")
	cmd.Flags().StringVarP(&flags.negative, "negative", "n", "", "Negative prompt")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output image path")
	cmd.Flags().IntVar(&flags.width, "width", 0, "Image width (requires --height)")
	cmd.Flags().IntVar(&flags.height, "height", 0, "Image height (requires --width)")
	cmd.Flags().StringVar(&flags.steps, "steps", "auto", `Sampling steps or "auto"`)
	cmd.Flags().StringVar(&flags.seed, "seed", "random", `Seed or "random"`)
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "Model directory name")
	cmd.Flags().StringVar(&flags.gpu, "gpu", "auto", `GPU index or "auto"`)
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log controller activity")
	return cmd
}

// options converts flag values using the same sentinel rules as the JSON
// options sent by the front end.
func (f generateFlags) options() (generation.Options, error) {
	opts := generation.Options{
		Prompt:         f.prompt,
		NegativePrompt: f.negative,
		Output:         f.output,
		Width:          f.width,
		Height:         f.height,
		Model:          strings.TrimSpace(f.model),
	}
	if err := decodeFlag(f.steps, &opts.Steps); err != nil {
		return opts, fmt.Errorf("--steps: %w", err)
	}
	if err := decodeFlag(f.seed, &opts.Seed); err != nil {
		return opts, fmt.Errorf("--seed: %w", err)
	}
	if err := decodeFlag(f.gpu, &opts.GPU); err != nil {
		return opts, fmt.Errorf("--gpu: %w", err)
	}
	return opts, opts.Validate()
}

func decodeFlag(value string, target json.Unmarshaler) error {
	return target.UnmarshalJSON([]byte(strconv.Quote(strings.TrimSpace(value))))
}

func runGenerate(cmd *cobra.Command, ctx *commandContext, opts generation.Options, verbose bool) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Paths.Executable == "" {
		return generation.ErrExecutableNotConfigured
	}

	level := "warn"
	if verbose {
		level = cfg.Logging.Level
	}
	logger, logCloser, err := logging.New(logging.Options{Level: level, Format: "console", Writer: cmd.ErrOrStderr()})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	var recorder generation.Recorder
	if store, err := history.Open(cfg.HistoryPath()); err != nil {
		logger.Warn("generation history disabled", "error", err)
	} else {
		defer store.Close()
		recorder = store
	}

	ctrl := generation.New(generation.Config{
		Executable: cfg.Paths.Executable,
		KillGrace:  cfg.KillGrace(),
		Logger:     logger,
		Recorder:   recorder,
	})
	subID, events, _ := ctrl.Subscribe()
	defer ctrl.Unsubscribe(subID)

	sess, err := ctrl.Start(opts)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	signalCtx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code, err := streamSession(signalCtx, ctrl, sess.ID, events, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("generation exited with code %d", code)
	}
	return nil
}

// streamSession copies a session's output until its exit event. Cancelling
// ctx asks the process to terminate and keeps streaming until it has gone.
func streamSession(ctx context.Context, ctrl *generation.Controller, sessionID string, events <-chan generation.OutputEvent, stdout, stderr io.Writer) (int, error) {
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			fmt.Fprintln(stderr, "interrupt received, stopping generation")
			if err := ctrl.Kill(); err != nil {
				return -1, err
			}
		case ev, ok := <-events:
			if !ok {
				return -1, fmt.Errorf("event stream closed before session %s exited", sessionID)
			}
			if ev.SessionID != sessionID {
				continue
			}
			switch ev.Type {
			case generation.OutputStdout:
				io.WriteString(stdout, ev.Data)
			case generation.OutputStderr:
				io.WriteString(stderr, ev.Data)
			case generation.OutputDropped:
				fmt.Fprintf(stderr, "\n[%d bytes of output dropped]\n", ev.DroppedBytes)
			case generation.OutputExit:
				return ev.ExitCode, nil
			}
		}
	}
}
