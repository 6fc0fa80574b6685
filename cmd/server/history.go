package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zimage-bridge/internal/history"
)

const promptColumnWidth = 48

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent generation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := history.Open(cfg.HistoryPath())
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No generations recorded")
				return nil
			}

			now := time.Now()
			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					shortID(rec.ID),
					humanize.RelTime(rec.StartedAt, now, "ago", "from now"),
					formatDuration(rec),
					formatExit(rec),
					truncate(rec.Prompt, promptColumnWidth),
					rec.Output,
					outputSize(rec.Output),
				})
			}
			writeTable(out,
				[]string{"ID", "Started", "Duration", "Exit", "Prompt", "Output", "Size"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignRight},
			)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(rec history.Record) string {
	if rec.FinishedAt == nil {
		return "-"
	}
	return rec.FinishedAt.Sub(rec.StartedAt).Round(100 * time.Millisecond).String()
}

func formatExit(rec history.Record) string {
	if rec.ExitCode == nil {
		return "running"
	}
	if *rec.ExitCode == -1 {
		return "killed"
	}
	return strconv.Itoa(*rec.ExitCode)
}

func outputSize(path string) string {
	if path == "" {
		return "-"
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "-"
	}
	return humanize.Bytes(uint64(info.Size()))
}

func truncate(value string, width int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= width {
		return value
	}
	return string(runes[:width-1]) + "…"
}
