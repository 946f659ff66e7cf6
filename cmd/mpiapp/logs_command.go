package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mpiapp/internal/logs"
)

type logsOptions struct {
	path   string
	lines  int
	follow bool
	raw    bool
	filter logs.Filter
}

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var opts logsOptions
	var level string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the current run log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.path) == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				path, err := logs.CurrentLog(cfg.Paths.LogDir)
				if err != nil {
					return err
				}
				opts.path = path
			}
			if level != "" {
				if err := opts.filter.MinLevel.UnmarshalText([]byte(level)); err != nil {
					return fmt.Errorf("invalid --level %q", level)
				}
			} else {
				opts.filter.MinLevel = slog.LevelDebug
			}
			err := streamLogs(cmd.Context(), cmd.OutOrStdout(), opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", "", "Read this log file instead of the current run log")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Keep printing new lines until interrupted")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Print JSON lines unchanged")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level (debug, info, warn, error)")
	cmd.Flags().Int64Var(&opts.filter.TaskID, "task", 0, "Only lines for this task id")
	cmd.Flags().StringVar(&opts.filter.Stage, "stage", "", "Only lines for this stage")
	cmd.Flags().StringVar(&opts.filter.EventType, "event", "", "Only lines with this event_type")
	return cmd
}

func streamLogs(ctx context.Context, out io.Writer, opts logsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := logs.Tail(ctx, opts.path, logs.TailOptions{Offset: -1, Limit: opts.lines})
	if err != nil {
		return err
	}
	printLogLines(out, result.Lines, opts)
	for opts.follow {
		result, err = logs.Tail(ctx, opts.path, logs.TailOptions{Offset: result.Offset, Follow: true, Wait: 5 * time.Second})
		if err != nil {
			return err
		}
		printLogLines(out, result.Lines, opts)
	}
	return nil
}

func printLogLines(out io.Writer, lines []string, opts logsOptions) {
	for _, line := range lines {
		entry, ok := logs.ParseEntry(line)
		if !ok {
			fmt.Fprintln(out, line)
			continue
		}
		if !opts.filter.Match(entry) {
			continue
		}
		if opts.raw {
			fmt.Fprintln(out, line)
			continue
		}
		fmt.Fprintln(out, entry.Format())
	}
}
