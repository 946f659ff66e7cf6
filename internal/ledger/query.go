package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, mode, started_at, finished_at, hostname, watch_dir, output_dir, gpu_ids
         FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run           Run
			started, gpus string
			finished      sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Mode, &started, &finished, &run.Hostname, &run.WatchDir, &run.OutputDir, &gpus); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = parseTime(started)
		if finished.Valid && finished.String != "" {
			t := parseTime(finished.String)
			run.FinishedAt = &t
		}
		run.GPUIDs = splitInts(gpus)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecentTasks returns up to limit tasks, most recently finished first. An
// empty runID spans all runs.
func (l *Ledger) RecentTasks(ctx context.Context, runID string, limit int) ([]TaskRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, task_id, basename, source_path, gpu_id, created_at, finished_at, status, stages, archived_path, error
         FROM tasks WHERE (? = '' OR run_id = ?) ORDER BY finished_at DESC LIMIT ?`, runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec               TaskRecord
			created, finished string
		)
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Basename, &rec.SourcePath, &rec.GPUID, &created, &finished,
			&rec.Status, &rec.Stages, &rec.ArchivedPath, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		rec.CreatedAt = parseTime(created)
		rec.FinishedAt = parseTime(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Attempts returns the attempts of one task in execution order.
func (l *Ledger) Attempts(ctx context.Context, runID string, taskID int64) ([]AttemptRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, task_id, stage, gpu_id, attempt, started_at, duration_ms, outcome, reason, detail, exit_code, command
         FROM attempts WHERE run_id = ? AND task_id = ? ORDER BY id`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			rec        AttemptRecord
			started    string
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.TaskID, &rec.Stage, &rec.GPUID, &rec.Attempt, &started,
			&durationMS, &rec.Outcome, &rec.Reason, &rec.Detail, &rec.ExitCode, &rec.Command); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.StartedAt = parseTime(started)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
