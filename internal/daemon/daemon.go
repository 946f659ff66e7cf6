package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/run"

	"mpiapp/internal/logging"
	"mpiapp/internal/services"
	"mpiapp/internal/workerpool"
)

// Watcher feeds the queue until its context is cancelled.
type Watcher interface {
	Run(ctx context.Context) error
}

// Scheduler dumps the process table periodically.
type Scheduler interface {
	Run(ctx context.Context) error
}

// Pool is the worker pool as seen by the daemon.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error
	Drain() error
	Done() <-chan struct{}
	Snapshot() []workerpool.WorkerStatus
}

// Backlog reports how many entries wait in the queue.
type Backlog interface {
	Len() int
}

// Components are the collaborators a Daemon supervises. Watcher is nil for
// batch runs.
type Components struct {
	Watcher   Watcher
	Scheduler Scheduler
	Pool      Pool
	Queue     Backlog
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithSignals overrides the signals that trigger shutdown. Tests pass none.
func WithSignals(signals ...os.Signal) Option {
	return func(d *Daemon) { d.signals = signals }
}

// WithHeartbeat logs a status line every interval while running. Zero
// disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(d *Daemon) { d.heartbeat = interval }
}

// Daemon coordinates one run and enforces single-instance execution per
// output directory.
type Daemon struct {
	components Components
	logger     *slog.Logger
	signals    []os.Signal
	heartbeat  time.Duration

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	LockFilePath string
	Pending      int
	Workers      []workerpool.WorkerStatus
}

// New constructs a daemon that locks lockPath while running.
func New(lockPath string, c Components, opts ...Option) (*Daemon, error) {
	if lockPath == "" {
		return nil, errors.New("daemon requires a lock path")
	}
	if c.Pool == nil || c.Scheduler == nil {
		return nil, errors.New("daemon requires a worker pool and a table scheduler")
	}
	d := &Daemon{
		components: c,
		signals:    []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "daemon")
	return d, nil
}

// Run holds the lock, starts the pool and blocks until the actor group ends.
// In watch mode that happens on a signal, on ctx cancellation, or when the
// watcher fails. In batch mode it happens once the queue is drained.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	ok, err := d.lock.TryLock()
	if err != nil {
		return services.Wrap(services.ErrStartup, "daemon", "lock", "acquire "+d.lockPath, err)
	}
	if !ok {
		return services.Wrap(services.ErrStartup, "daemon", "lock", "another mpiapp instance is using "+d.lockPath, nil)
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	// Workers must outlive the shutdown signal so in-flight tasks can finish.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	if err := d.components.Pool.Start(workCtx); err != nil {
		return err
	}
	watching := d.components.Watcher != nil
	d.logger.Info("mpiapp started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Bool("watching", watching),
	)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := d.notifyContext(ctx)
		g.Add(
			func() error {
				<-signalCtx.Done()
				d.logger.Info("shutdown requested",
					logging.String(logging.FieldEventType, "shutdown_requested"),
				)
				return nil
			},
			func(error) { signalCancel() },
		)
	}

	// Directory watcher.
	if watching {
		watchCtx, watchCancel := context.WithCancel(ctx)
		g.Add(
			func() error { return d.components.Watcher.Run(watchCtx) },
			func(error) { watchCancel() },
		)
	}

	// Table dump scheduler.
	{
		schedCtx, schedCancel := context.WithCancel(ctx)
		g.Add(
			func() error { return d.components.Scheduler.Run(schedCtx) },
			func(error) { schedCancel() },
		)
	}

	// Status heartbeat.
	if d.heartbeat > 0 {
		hbCtx, hbCancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				d.heartbeatLoop(hbCtx)
				return nil
			},
			func(error) { hbCancel() },
		)
	}

	// Workers.
	var stopErr error
	{
		g.Add(
			func() error {
				if !watching {
					return d.components.Pool.Drain()
				}
				<-d.components.Pool.Done()
				return nil
			},
			func(error) { stopErr = d.components.Pool.Stop() },
		)
	}

	err = g.Run()
	d.logSummary()
	if stopErr != nil && !errors.Is(err, stopErr) {
		err = errors.Join(err, stopErr)
	}
	if err != nil {
		logging.ErrorWithContext(d.logger, "mpiapp stopped with error", "daemon_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
		)
		return err
	}
	d.logger.Info("mpiapp stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return nil
}

func (d *Daemon) notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if len(d.signals) == 0 {
		return context.WithCancel(ctx)
	}
	return signal.NotifyContext(ctx, d.signals...)
}

// Status returns a snapshot of the daemon and its workers.
func (d *Daemon) Status() Status {
	s := Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
		Workers:      d.components.Pool.Snapshot(),
	}
	if d.components.Queue != nil {
		s.Pending = d.components.Queue.Len()
	}
	return s
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := d.Status()
			c := countWorkers(s.Workers)
			d.logger.Info("daemon status",
				logging.String(logging.FieldEventType, "daemon_heartbeat"),
				logging.Int("pending", s.Pending),
				logging.Int("busy_workers", c.busy),
				logging.Int("workers", len(s.Workers)),
				logging.Int("processed", c.processed),
				logging.Int("failed", c.failed),
			)
		}
	}
}

type workerCounts struct {
	busy      int
	processed int
	failed    int
}

func countWorkers(workers []workerpool.WorkerStatus) workerCounts {
	var c workerCounts
	for _, w := range workers {
		if w.State == workerpool.StateRunning || w.State == workerpool.StateRecording {
			c.busy++
		}
		c.processed += w.Processed
		c.failed += w.Failed
	}
	return c
}

func (d *Daemon) logSummary() {
	c := countWorkers(d.Status().Workers)
	d.logger.Info("run summary",
		logging.String(logging.FieldEventType, "run_summary"),
		logging.Int("processed", c.processed),
		logging.Int("failed", c.failed),
	)
}
