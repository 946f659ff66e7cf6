package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"mpiapp/internal/fileutil"
	"mpiapp/internal/logging"
	"mpiapp/internal/pipeline"
	"mpiapp/internal/processtable"
	"mpiapp/internal/services"
	"mpiapp/internal/stage"
	"mpiapp/internal/task"
)

// Queue is the task source.
type Queue interface {
	Pop(ctx context.Context) (*task.Task, bool, error)
	PushSentinel()
	Clear() []*task.Task
}

// Pipeline runs every stage for one task.
type Pipeline interface {
	Execute(ctx context.Context, t *task.Task, gpuID int, onStage func(int, string)) []stage.Outcome
}

// Table receives finished tasks. Close performs the final dump.
type Table interface {
	Record(t *task.Task) error
	Close() error
}

// Finished describes a task that left the pipeline.
type Finished struct {
	Task     *task.Task
	GPUID    int
	Outcomes []stage.Outcome
	Archived string
	Err      error
}

// TaskObserver is notified after every task, successful or not.
type TaskObserver interface {
	TaskFinished(ctx context.Context, f Finished)
}

// Config fixes the pool's shape at construction.
type Config struct {
	GPUIDs []int
	// ArchiveDir receives source frames after recording. Empty disables archiving.
	ArchiveDir string
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithObserver registers a task observer.
func WithObserver(o TaskObserver) Option {
	return func(p *Pool) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// Pool is a fixed set of GPU workers.
type Pool struct {
	cfg       Config
	queue     Queue
	pipeline  Pipeline
	table     Table
	logger    *slog.Logger
	observers []TaskObserver

	stopping atomic.Bool
	wg       sync.WaitGroup
	done     chan struct{}

	mu       sync.Mutex
	started  bool
	statuses []WorkerStatus

	finishOnce sync.Once
	finishErr  error
}

// New validates cfg and builds an idle pool.
func New(cfg Config, queue Queue, pl Pipeline, table Table, opts ...Option) (*Pool, error) {
	if len(cfg.GPUIDs) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "workerpool", "init", "at least one gpu id required", nil)
	}
	seen := make(map[int]struct{}, len(cfg.GPUIDs))
	for _, id := range cfg.GPUIDs {
		if _, dup := seen[id]; dup {
			return nil, services.Wrap(services.ErrConfiguration, "workerpool", "init", fmt.Sprintf("duplicate gpu id %d", id), nil)
		}
		seen[id] = struct{}{}
	}
	if queue == nil || pl == nil || table == nil {
		return nil, errors.New("workerpool requires a queue, a pipeline and a table")
	}
	p := &Pool{
		cfg:      Config{GPUIDs: append([]int(nil), cfg.GPUIDs...), ArchiveDir: cfg.ArchiveDir},
		queue:    queue,
		pipeline: pl,
		table:    table,
		done:     make(chan struct{}),
		statuses: make([]WorkerStatus, len(cfg.GPUIDs)),
	}
	for i, id := range cfg.GPUIDs {
		p.statuses[i] = WorkerStatus{GPUID: id, State: StateIdle}
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.NewComponentLogger(p.logger, "workerpool")
	return p, nil
}

// Start launches one worker per GPU id.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(len(p.cfg.GPUIDs))
	for slot, gpuID := range p.cfg.GPUIDs {
		go p.work(ctx, slot, gpuID)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	p.logger.Info("worker pool started",
		logging.String(logging.FieldEventType, "pool_started"),
		logging.Int("workers", len(p.cfg.GPUIDs)),
		logging.Any("gpu_ids", p.cfg.GPUIDs),
	)
	return nil
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stop discards pending tasks, lets in-flight tasks finish, and closes the
// table. It is safe to call more than once.
func (p *Pool) Stop() error {
	return p.finish(true)
}

// Drain lets workers finish every queued task before closing the table.
func (p *Pool) Drain() error {
	return p.finish(false)
}

func (p *Pool) finish(discard bool) error {
	// Discarding happens outside the once so a Stop that arrives during a
	// Drain still empties the queue and halts workers after their current task.
	if discard {
		p.stopping.Store(true)
		if dropped := p.queue.Clear(); len(dropped) > 0 {
			logging.WarnWithContext(p.logger, "pending micrographs discarded at shutdown", "pool_pending_discarded",
				logging.Int("count", len(dropped)),
				logging.String(logging.FieldImpact, "discarded micrographs stay in the watch directory unprocessed"),
				logging.String(logging.FieldErrorHint, "reprocess them with mpiapp process --files"),
			)
		}
	}
	p.finishOnce.Do(func() {
		for range p.cfg.GPUIDs {
			p.queue.PushSentinel()
		}

		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if started {
			p.wg.Wait()
		}

		p.finishErr = p.table.Close()
		p.logger.Info("worker pool stopped",
			logging.String(logging.FieldEventType, "pool_stopped"),
			logging.Bool("discarded_pending", discard),
		)
	})
	return p.finishErr
}

// Snapshot returns the current state of every worker.
func (p *Pool) Snapshot() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WorkerStatus(nil), p.statuses...)
}

func (p *Pool) setState(slot int, update func(*WorkerStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	update(&p.statuses[slot])
}

func (p *Pool) work(ctx context.Context, slot, gpuID int) {
	defer p.wg.Done()
	defer p.setState(slot, func(s *WorkerStatus) {
		s.State = StateStopped
		s.Stage = ""
		s.TaskID = 0
		s.Basename = ""
	})
	logger := p.logger.With(logging.Args(logging.Int(logging.FieldGPUID, gpuID))...)

	for {
		if p.stopping.Load() {
			return
		}
		p.setState(slot, func(s *WorkerStatus) { s.State = StateFetching })
		t, ok, err := p.queue.Pop(ctx)
		if err != nil {
			logger.Debug("worker context done", logging.Error(err))
			return
		}
		if !ok {
			return
		}
		p.process(ctx, logger, slot, gpuID, t)
		p.setState(slot, func(s *WorkerStatus) {
			s.State = StateIdle
			s.Stage = ""
			s.TaskID = 0
			s.Basename = ""
		})
	}
}

// process never lets a task end the worker: panics are recovered and logged.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, slot, gpuID int, t *task.Task) {
	ctx = services.WithCorrelationID(ctx, uuid.NewString())
	ctx = services.WithTaskID(ctx, t.ID)
	ctx = services.WithGPUID(ctx, gpuID)
	logger = logging.WithContext(ctx, logger)

	finished := Finished{Task: t, GPUID: gpuID}
	defer func() {
		if r := recover(); r != nil {
			finished.Err = fmt.Errorf("panic: %v", r)
			logging.ErrorWithContext(logger, "worker recovered from panic", "worker_panic",
				logging.String("micrograph", t.Basename),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldImpact, "micrograph skipped; worker continues"),
			)
			p.setState(slot, func(s *WorkerStatus) { s.Failed++ })
		}
		p.notify(ctx, finished)
	}()

	p.setState(slot, func(s *WorkerStatus) {
		s.State = StateRunning
		s.TaskID = t.ID
		s.Basename = t.Basename
	})
	finished.Outcomes = p.pipeline.Execute(ctx, t, gpuID, func(_ int, name string) {
		p.setState(slot, func(s *WorkerStatus) { s.Stage = name })
	})
	summary := pipeline.Summarize(finished.Outcomes)

	p.setState(slot, func(s *WorkerStatus) {
		s.State = StateRecording
		s.Stage = ""
	})
	if err := p.table.Record(t); err != nil {
		finished.Err = err
		eventType := "record_failed"
		if errors.Is(err, processtable.ErrClosed) {
			eventType = "record_after_close"
		}
		logging.WarnWithContext(logger, "micrograph not recorded", eventType,
			logging.String("micrograph", t.Basename),
			logging.Error(err),
			logging.String(logging.FieldImpact, "results missing from the process table"),
		)
	}

	finished.Archived = p.archive(logger, t)

	p.setState(slot, func(s *WorkerStatus) {
		s.Processed++
		if !summary.Complete() {
			s.Failed++
		}
	})
	logger.Info("micrograph finished",
		logging.String(logging.FieldEventType, "task_complete"),
		logging.String("micrograph", t.Basename),
		logging.Int("stages_succeeded", summary.Succeeded),
		logging.Int("stages_exhausted", summary.Exhausted),
		logging.Int("stages_skipped", summary.Skipped),
	)
}

func (p *Pool) archive(logger *slog.Logger, t *task.Task) string {
	if p.cfg.ArchiveDir == "" {
		return ""
	}
	dst := fileutil.AvailablePath(filepath.Join(p.cfg.ArchiveDir, filepath.Base(t.SourcePath)))
	if err := fileutil.MoveFile(t.SourcePath, dst); err != nil {
		logging.WarnWithContext(logger, "could not archive source frames", "archive_failed",
			logging.String("source", t.SourcePath),
			logging.String("destination", dst),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the frames directory is writable"),
			logging.String(logging.FieldImpact, "source stays in the watch directory"),
		)
		return ""
	}
	return dst
}

func (p *Pool) notify(ctx context.Context, f Finished) {
	for _, o := range p.observers {
		o.TaskFinished(ctx, f)
	}
}
