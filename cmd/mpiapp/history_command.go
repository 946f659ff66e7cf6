package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"mpiapp/internal/ledger"
	"mpiapp/internal/logging"
)

var titleCaser = cases.Title(language.English)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var taskID int64
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs, micrographs and tool attempts",
		Long: "Without flags, list recent runs and the micrographs of the latest one.\n" +
			"--run selects another run; --task lists every tool attempt of one micrograph.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Paths.LedgerPath); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No history recorded yet (%s)\n", cfg.Paths.LedgerPath)
				return nil
			}
			l, err := ledger.Open(cmd.Context(), cfg.Paths.LedgerPath, logging.NewNop())
			if err != nil {
				return err
			}
			defer l.Close()
			return showHistory(cmd.Context(), cmd.OutOrStdout(), l, runID, taskID, limit)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run id (prefix accepted)")
	cmd.Flags().Int64Var(&taskID, "task", 0, "Task id whose attempts to show")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows per section")
	return cmd
}

func showHistory(ctx context.Context, out io.Writer, l *ledger.Ledger, runID string, taskID int64, limit int) error {
	runs, err := l.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	selected := runs[0]
	if runID != "" {
		match, ok := findRun(runs, runID)
		if !ok {
			return fmt.Errorf("no recent run matches %q", runID)
		}
		selected = match
	}

	if taskID > 0 {
		attempts, err := l.Attempts(ctx, selected.ID, taskID)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			fmt.Fprintf(out, "No attempts recorded for task %d in run %s\n", taskID, shortRunID(selected.ID))
			return nil
		}
		fmt.Fprintln(out, renderAttempts(attempts))
		return nil
	}

	if runID == "" {
		fmt.Fprintln(out, renderRuns(runs))
	}
	tasks, err := l.RecentTasks(ctx, selected.ID, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Run %s (%s)\n", shortRunID(selected.ID), selected.Mode)
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No micrographs finished in this run")
		return nil
	}
	fmt.Fprintln(out, renderTasks(tasks))
	return nil
}

func findRun(runs []ledger.Run, prefix string) (ledger.Run, bool) {
	for _, r := range runs {
		if strings.HasPrefix(r.ID, prefix) {
			return r, true
		}
	}
	return ledger.Run{}, false
}

func renderRuns(runs []ledger.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		finished := "running"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			shortRunID(r.ID),
			r.Mode,
			r.StartedAt.Local().Format(time.DateTime),
			finished,
			r.Hostname,
			joinGPUIDs(r.GPUIDs),
		})
	}
	return renderTable(
		[]string{"Run", "Mode", "Started", "Finished", "Host", "GPUs"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func renderTasks(tasks []ledger.TaskRecord) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			strconv.FormatInt(t.TaskID, 10),
			t.Basename,
			strconv.Itoa(t.GPUID),
			titleCaser.String(t.Status),
			stageLabels(t.Stages),
			t.FinishedAt.Local().Format(time.TimeOnly),
		})
	}
	return renderTable(
		[]string{"Task", "Micrograph", "GPU", "Status", "Stages", "Finished"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func renderAttempts(attempts []ledger.AttemptRecord) string {
	rows := make([][]string, 0, len(attempts))
	for _, a := range attempts {
		detail := a.Reason
		if a.Detail != "" {
			detail = strings.TrimSpace(detail + " " + a.Detail)
		}
		rows = append(rows, []string{
			titleCaser.String(a.Stage),
			strconv.Itoa(a.Attempt),
			strconv.Itoa(a.GPUID),
			a.Outcome,
			strconv.Itoa(a.ExitCode),
			a.Duration.Round(time.Millisecond).String(),
			detail,
		})
	}
	return renderTable(
		[]string{"Stage", "Attempt", "GPU", "Outcome", "Exit", "Duration", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignRight, alignRight, alignLeft},
	)
}

// stageLabels turns "motioncor=success,gctf=exhausted" into
// "Motioncor: success, Gctf: exhausted".
func stageLabels(summary string) string {
	if summary == "" {
		return ""
	}
	parts := strings.Split(summary, ",")
	for i, part := range parts {
		name, status, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		parts[i] = titleCaser.String(name) + ": " + status
	}
	return strings.Join(parts, ", ")
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinGPUIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
