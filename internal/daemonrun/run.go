// Package daemonrun turns a loaded configuration into a running mpiapp
// process: run logger, preflight, ledger, stage pipeline, process table,
// worker pool and, in watch mode, the directory watcher.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"mpiapp/internal/config"
	"mpiapp/internal/daemon"
	"mpiapp/internal/gctf"
	"mpiapp/internal/ledger"
	"mpiapp/internal/logging"
	"mpiapp/internal/motioncor"
	"mpiapp/internal/pipeline"
	"mpiapp/internal/preflight"
	"mpiapp/internal/processtable"
	"mpiapp/internal/stage"
	"mpiapp/internal/task"
	"mpiapp/internal/taskqueue"
	"mpiapp/internal/toolrun"
	"mpiapp/internal/watcher"
	"mpiapp/internal/workerpool"
)

const (
	ModeWatch = "watch"
	ModeBatch = "batch"
)

// statusInterval is the cadence of the daemon's status log line.
const statusInterval = time.Minute

// Options configures one run.
type Options struct {
	// LogLevel overrides cfg.Logging.Level when set.
	LogLevel string
	// Watch keeps the process running and feeds it from the watch directory.
	// Without it the run processes Files and exits.
	Watch bool
	// Files are queued before the workers start, in argument order.
	Files []string
	// Runner replaces the os/exec tool runner. Tests only.
	Runner stage.Runner
}

// Run starts mpiapp and blocks until it shuts down.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if !opts.Watch && len(opts.Files) == 0 {
		return errors.New("batch mode requires at least one file")
	}
	mode := ModeBatch
	if opts.Watch {
		mode = ModeWatch
	}

	runID := uuid.NewString()
	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	runLog, err := logging.NewForRun(logging.RunOptions{
		Dir:    cfg.Paths.LogDir,
		RunID:  runID,
		Level:  level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer runLog.Close()
	logger := runLog.Logger

	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "mpiapp-*.log", Exclude: []string{runLog.LogPath}},
	)

	results, err := preflight.Verify(cmdCtx, cfg, opts.Watch)
	logPreflight(logger, results)
	if err != nil {
		return err
	}
	logDependencySnapshot(logger, cfg, mode)

	journal := openLedger(cmdCtx, cfg, logger, runID, mode)
	if journal != nil {
		defer func() {
			if err := journal.EndRun(context.Background(), time.Now()); err != nil {
				logger.Warn("ledger run not closed", logging.Error(err))
			}
			_ = journal.Close()
		}()
	}

	var runner stage.Runner = toolrun.New(toolrun.WithLogger(logger))
	if opts.Runner != nil {
		runner = opts.Runner
	}
	var observer stage.Observer
	if journal != nil {
		observer = journal
	}
	pl, err := BuildPipeline(cfg, runner, logger, observer)
	if err != nil {
		return err
	}
	logStageHealth(logger, pl.HealthCheck(cmdCtx))

	queue := taskqueue.New()
	seq := task.NewSequence(0)
	table := processtable.New(cfg.CSVPath(),
		processtable.WithLogger(logger),
		processtable.WithInterval(cfg.DumpInterval()),
		processtable.WithStarPath(cfg.StarPath()),
	)
	var w *watcher.Watcher
	if opts.Watch {
		w, err = watcher.New(cfg.Paths.WatchDir, cfg.Watch.Extension, seq, queue.Push,
			watcher.WithLogger(logger),
			watcher.WithSettle(cfg.SettleDelay()),
			watcher.WithArmed(func() {
				if !cfg.Watch.ScanExisting {
					return
				}
				if _, err := w.ScanExisting(); err != nil {
					logger.Warn("startup scan failed", logging.Error(err))
				}
			}),
		)
		if err != nil {
			return err
		}
	}

	poolOpts := []workerpool.Option{workerpool.WithLogger(logger)}
	if journal != nil {
		poolOpts = append(poolOpts, workerpool.WithObserver(journal))
	}
	if w != nil {
		poolOpts = append(poolOpts, workerpool.WithObserver(releaser{w}))
	}
	pool, err := workerpool.New(workerpool.Config{
		GPUIDs:     cfg.Workers.GPUIDs,
		ArchiveDir: cfg.ArchiveDir(),
	}, queue, pl, table, poolOpts...)
	if err != nil {
		return err
	}

	components := daemon.Components{Scheduler: table, Pool: pool, Queue: queue}
	if w != nil {
		components.Watcher = w
	}

	if len(opts.Files) > 0 {
		loaded, skipped := watcher.LoadBatch(opts.Files, cfg.Watch.Extension, seq, queue.Push, time.Now)
		for _, path := range skipped {
			logging.WarnWithContext(logger, "batch file skipped", "batch_file_skipped",
				logging.String("path", path),
				logging.String(logging.FieldErrorHint, "file must exist and end with "+cfg.Watch.Extension),
			)
		}
		logger.Info("batch files queued",
			logging.String(logging.FieldEventType, "batch_loaded"),
			logging.Int("queued", loaded),
			logging.Int("skipped", len(skipped)),
		)
	}

	d, err := daemon.New(cfg.LockPath(), components,
		daemon.WithLogger(logger),
		daemon.WithHeartbeat(statusInterval),
	)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run(cmdCtx)
}

// BuildPipeline builds the MotionCor2 → Gctf pipeline. A non-nil observer
// receives every tool attempt.
func BuildPipeline(cfg *config.Config, runner stage.Runner, logger *slog.Logger, observer stage.Observer) (*pipeline.Pipeline, error) {
	stageOpts := []stage.Option{stage.WithLogger(logger)}
	if observer != nil {
		stageOpts = append(stageOpts, stage.WithObserver(observer))
	}
	mc, err := motioncor.New(cfg, runner, stageOpts...)
	if err != nil {
		return nil, fmt.Errorf("motioncor stage: %w", err)
	}
	gc, err := gctf.New(cfg, runner, stageOpts...)
	if err != nil {
		return nil, fmt.Errorf("gctf stage: %w", err)
	}
	return pipeline.New(logger, mc, gc)
}

// openLedger returns nil when the journal cannot be used. The ledger is
// observability only, so processing continues without it.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, runID, mode string) *ledger.Ledger {
	l, err := ledger.Open(ctx, cfg.Paths.LedgerPath, logger)
	if err != nil {
		logging.WarnWithContext(logger, "run ledger unavailable", "ledger_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "attempt history will not be recorded for this run"),
			logging.String(logging.FieldErrorHint, "check ledger_path permissions"),
		)
		return nil
	}
	hostname, _ := os.Hostname()
	if err := l.BeginRun(ctx, ledger.Run{
		ID:        runID,
		Mode:      mode,
		StartedAt: time.Now(),
		Hostname:  hostname,
		WatchDir:  cfg.Paths.WatchDir,
		OutputDir: cfg.Paths.OutputDir,
		GPUIDs:    cfg.Workers.GPUIDs,
	}); err != nil {
		logging.WarnWithContext(logger, "run ledger unavailable", "ledger_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "attempt history will not be recorded for this run"),
		)
		_ = l.Close()
		return nil
	}
	return l
}

func logPreflight(logger *slog.Logger, results []preflight.Result) {
	for _, r := range results {
		if r.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
			)
			continue
		}
		logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldImpact, "mpiapp will not start"),
		)
	}
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config, mode string) {
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("mode", mode),
		logging.String("motioncor_binary", cfg.MotionCor.Executable),
		logging.Int("motioncor_trials", cfg.MotionCor.Trials),
		logging.Duration("motioncor_timeout", cfg.MotionCor.Timeout()),
		logging.String("gctf_binary", cfg.Gctf.Executable),
		logging.Int("gctf_trials", cfg.Gctf.Trials),
		logging.Duration("gctf_timeout", cfg.Gctf.Timeout()),
		logging.Any("gpu_ids", cfg.Workers.GPUIDs),
		logging.String("output_dir", cfg.Paths.OutputDir),
	)
}

func logStageHealth(logger *slog.Logger, health []stage.Health) {
	for _, h := range health {
		if !h.Ready {
			logging.WarnWithContext(logger, "stage executable unavailable", "stage_unavailable",
				logging.String(logging.FieldStage, h.Name),
				logging.String("detail", h.Detail),
				logging.String(logging.FieldImpact, "every attempt of this stage will fail"),
			)
			continue
		}
		logger.Info("stage ready",
			logging.String(logging.FieldEventType, "stage_ready"),
			logging.String(logging.FieldStage, h.Name),
			logging.String("executable", h.Path),
			logging.Int("trials", h.Trials),
			logging.Duration("timeout", h.Timeout),
		)
	}
}

// releaser hands finished source paths back to the watcher so a rewritten
// movie can be picked up again.
type releaser struct{ w *watcher.Watcher }

func (r releaser) TaskFinished(_ context.Context, f workerpool.Finished) {
	if f.Task != nil {
		r.w.Release(f.Task.SourcePath)
	}
}
