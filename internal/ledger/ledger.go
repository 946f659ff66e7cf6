// Package ledger keeps a SQLite history of runs, tasks, and tool attempts.
//
// The ledger is observability only. Nothing reads it back to resume work; the
// history command and post-mortems do. Write failures are logged and never
// stop processing.
package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"mpiapp/internal/ledger/migrations"
	"mpiapp/internal/logging"
	"mpiapp/internal/pipeline"
	"mpiapp/internal/stage"
	"mpiapp/internal/workerpool"
)

// Task statuses written to the ledger.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// Run describes one daemon or batch invocation.
type Run struct {
	ID         string
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Hostname   string
	WatchDir   string
	OutputDir  string
	GPUIDs     []int
}

// TaskRecord is one finished micrograph.
type TaskRecord struct {
	RunID        string
	TaskID       int64
	Basename     string
	SourcePath   string
	GPUID        int
	CreatedAt    time.Time
	FinishedAt   time.Time
	Status       string
	Stages       string
	ArchivedPath string
	Error        string
}

// AttemptRecord is one external tool invocation.
type AttemptRecord struct {
	ID        string
	RunID     string
	TaskID    int64
	Stage     string
	GPUID     int
	Attempt   int
	StartedAt time.Time
	Duration  time.Duration
	Outcome   string
	Reason    string
	Detail    string
	ExitCode  int
	Command   string
}

// Ledger is the SQLite-backed run history.
type Ledger struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	runID   string
	entropy io.Reader
}

// Open creates or opens the ledger at path and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	logger = logging.NewComponentLogger(logger, "ledger")

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	migrator, err := migrations.NewMigrator(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrator.Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{
		db:      db,
		path:    path,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Path returns the database path.
func (l *Ledger) Path() string { return l.path }

// BeginRun records a run and binds later task and attempt rows to it.
func (l *Ledger) BeginRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, started_at, hostname, watch_dir, output_dir, gpu_ids)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, formatTime(run.StartedAt), run.Hostname, run.WatchDir, run.OutputDir, joinInts(run.GPUIDs),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	l.mu.Lock()
	l.runID = run.ID
	l.mu.Unlock()
	return nil
}

// EndRun stamps the current run's finish time.
func (l *Ledger) EndRun(ctx context.Context, finishedAt time.Time) error {
	runID := l.currentRun()
	if runID == "" {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, formatTime(finishedAt), runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (l *Ledger) currentRun() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

func (l *Ledger) newID(at time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), l.entropy).String()
}

// AttemptFinished implements stage.Observer.
func (l *Ledger) AttemptFinished(ctx context.Context, a stage.Attempt) {
	runID := l.currentRun()
	if runID == "" {
		return
	}
	rec := AttemptRecord{
		ID:        l.newID(a.StartedAt),
		RunID:     runID,
		TaskID:    a.TaskID,
		Stage:     a.Stage,
		GPUID:     a.GPUID,
		Attempt:   a.Index,
		StartedAt: a.StartedAt,
		Duration:  a.Result.Duration,
		Outcome:   a.Result.Outcome(),
		ExitCode:  a.Result.ExitCode,
		Command:   a.Result.Invocation.Command(),
	}
	if f := a.Result.Failure; f != nil {
		rec.Reason = string(f.Reason)
		rec.Detail = f.Detail
	}
	if err := l.InsertAttempt(context.WithoutCancel(ctx), rec); err != nil {
		l.logWriteFailure(err, "attempt")
	}
}

// InsertAttempt writes one attempt row.
func (l *Ledger) InsertAttempt(ctx context.Context, rec AttemptRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attempts (id, run_id, task_id, stage, gpu_id, attempt, started_at, duration_ms, outcome, reason, detail, exit_code, command)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.TaskID, rec.Stage, rec.GPUID, rec.Attempt, formatTime(rec.StartedAt),
		rec.Duration.Milliseconds(), rec.Outcome, rec.Reason, rec.Detail, rec.ExitCode, rec.Command,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// TaskFinished implements workerpool.TaskObserver.
func (l *Ledger) TaskFinished(ctx context.Context, f workerpool.Finished) {
	runID := l.currentRun()
	if runID == "" || f.Task == nil {
		return
	}
	rec := TaskRecord{
		RunID:        runID,
		TaskID:       f.Task.ID,
		Basename:     f.Task.Basename,
		SourcePath:   f.Task.SourcePath,
		GPUID:        f.GPUID,
		CreatedAt:    f.Task.CreatedAt,
		FinishedAt:   time.Now(),
		Status:       taskStatus(f),
		Stages:       stageSummary(f.Outcomes),
		ArchivedPath: f.Archived,
	}
	if f.Err != nil {
		rec.Error = f.Err.Error()
	}
	if err := l.InsertTask(context.WithoutCancel(ctx), rec); err != nil {
		l.logWriteFailure(err, "task")
	}
}

// InsertTask writes one task row, replacing an earlier row for the same task.
func (l *Ledger) InsertTask(ctx context.Context, rec TaskRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (run_id, task_id, basename, source_path, gpu_id, created_at, finished_at, status, stages, archived_path, error)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TaskID, rec.Basename, rec.SourcePath, rec.GPUID, formatTime(rec.CreatedAt),
		formatTime(rec.FinishedAt), rec.Status, rec.Stages, rec.ArchivedPath, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (l *Ledger) logWriteFailure(err error, what string) {
	logging.WarnWithContext(l.logger, "ledger write failed", "ledger_write_failed",
		logging.String("record", what),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check disk space and permissions for the ledger database"),
		logging.String(logging.FieldImpact, "history is incomplete; processing continues"),
	)
}

func taskStatus(f workerpool.Finished) string {
	if f.Err != nil && len(f.Outcomes) == 0 {
		return StatusFailed
	}
	summary := pipeline.Summarize(f.Outcomes)
	switch {
	case f.Err == nil && summary.Complete() && summary.Succeeded > 0:
		return StatusComplete
	case summary.Succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

func stageSummary(outcomes []stage.Outcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, o.Stage+"="+string(o.Status))
	}
	return strings.Join(parts, ",")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(value string) []int {
	if value == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}
