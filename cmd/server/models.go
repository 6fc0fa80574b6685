package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"zimage-bridge/internal/generation"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed next to the generation executable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Paths.Executable == "" {
				return generation.ErrExecutableNotConfigured
			}

			models, err := generation.ListModels(cfg.Paths.Executable)
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}
			dir, err := generation.ModelsDir(cfg.Paths.Executable)
			if err != nil {
				return fmt.Errorf("resolve models directory: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(models) == 0 {
				fmt.Fprintf(out, "No models found in %s\n", dir)
				return nil
			}

			rows := make([][]string, 0, len(models))
			for i, model := range models {
				rows = append(rows, []string{strconv.Itoa(i + 1), model, filepath.Join(dir, model)})
			}
			writeTable(out, []string{"#", "Model", "Path"}, rows, []columnAlignment{alignRight, alignLeft, alignLeft})
			return nil
		},
	}
}
