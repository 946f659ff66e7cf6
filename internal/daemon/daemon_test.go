package daemon_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"mpiapp/internal/daemon"
	"mpiapp/internal/processtable"
	"mpiapp/internal/services"
	"mpiapp/internal/stage"
	"mpiapp/internal/task"
	"mpiapp/internal/taskqueue"
	"mpiapp/internal/workerpool"
)

type stampPipeline struct{}

func (stampPipeline) Execute(_ context.Context, t *task.Task, gpuID int, _ func(int, string)) []stage.Outcome {
	t.SetResult("gpu", task.Number(float64(gpuID)))
	return nil
}

type blockingWatcher struct {
	started chan struct{}
}

func (w *blockingWatcher) Run(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	return nil
}

type failingWatcher struct{ err error }

func (w failingWatcher) Run(context.Context) error { return w.err }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	dir   string
	queue *taskqueue.Queue
	table *processtable.Table
	pool  *workerpool.Pool
	seq   *task.Sequence
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	q := taskqueue.New()
	table := processtable.New(filepath.Join(dir, "process_table.csv"), processtable.WithInterval(time.Hour))
	pool, err := workerpool.New(workerpool.Config{GPUIDs: []int{0, 1}}, q, stampPipeline{}, table)
	if err != nil {
		t.Fatalf("workerpool.New: %v", err)
	}
	return &harness{dir: dir, queue: q, table: table, pool: pool, seq: task.NewSequence(0)}
}

func (h *harness) push(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(h.dir, name)
		if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		h.queue.Push(task.New(h.seq, path, time.Now()))
	}
}

func (h *harness) daemon(t *testing.T, w daemon.Watcher, opts ...daemon.Option) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(filepath.Join(h.dir, ".mpiapp.lock"), daemon.Components{
		Watcher:   w,
		Scheduler: h.table,
		Pool:      h.pool,
		Queue:     h.queue,
	}, append([]daemon.Option{daemon.WithSignals()}, opts...)...)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d
}

func TestBatchRunDrainsQueueAndDumpsOnce(t *testing.T) {
	h := newHarness(t)
	h.push(t, "a.tif", "b.tif", "c.tif")
	d := h.daemon(t, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.table.Dumps(); got != 1 {
		t.Fatalf("expected exactly one dump, got %d", got)
	}
	_, rows, err := processtable.ReadCSV(filepath.Join(h.dir, "process_table.csv"))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	status := d.Status()
	if status.Running {
		t.Fatal("expected daemon to report stopped")
	}
	processed := 0
	for _, w := range status.Workers {
		processed += w.Processed
	}
	if processed != 3 {
		t.Fatalf("expected 3 processed micrographs, got %d", processed)
	}
}

func TestRunRejectsSecondInstance(t *testing.T) {
	h := newHarness(t)
	held := flock.New(filepath.Join(h.dir, ".mpiapp.lock"))
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()

	err = h.daemon(t, nil).Run(context.Background())
	if !errors.Is(err, services.ErrStartup) {
		t.Fatalf("expected startup error, got %v", err)
	}
}

func TestWatchRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	w := &blockingWatcher{started: make(chan struct{})}
	d := h.daemon(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never started")
	}
	if !d.Status().Running {
		t.Fatal("expected daemon to report running")
	}
	h.push(t, "late.tif")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if got := h.table.Dumps(); got != 1 {
		t.Fatalf("expected exactly one final dump, got %d", got)
	}
	if err := h.table.Record(task.New(h.seq, filepath.Join(h.dir, "after.tif"), time.Now())); !errors.Is(err, processtable.ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestHeartbeatLogsStatusWhileRunning(t *testing.T) {
	h := newHarness(t)
	out := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))
	w := &blockingWatcher{started: make(chan struct{})}
	d := h.daemon(t, w, daemon.WithLogger(logger), daemon.WithHeartbeat(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), `"event_type":"daemon_heartbeat"`) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("no heartbeat logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if !strings.Contains(out.String(), `"workers":2`) {
		t.Fatalf("heartbeat missing worker count: %s", out.String())
	}
}

func TestWatcherFailureStopsRun(t *testing.T) {
	h := newHarness(t)
	boom := services.Wrap(services.ErrStartup, "watcher", "watch", "watch directory was removed", nil)
	d := h.daemon(t, failingWatcher{err: boom})

	err := d.Run(context.Background())
	if !errors.Is(err, services.ErrStartup) {
		t.Fatalf("expected watcher error, got %v", err)
	}
	if got := h.table.Dumps(); got != 1 {
		t.Fatalf("expected final dump after watcher failure, got %d", got)
	}
}

func TestNewRequiresPoolAndScheduler(t *testing.T) {
	if _, err := daemon.New("/tmp/x.lock", daemon.Components{}); err == nil {
		t.Fatal("expected error for missing components")
	}
	if _, err := daemon.New("", daemon.Components{}); err == nil {
		t.Fatal("expected error for missing lock path")
	}
}
