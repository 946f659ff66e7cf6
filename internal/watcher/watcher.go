// Package watcher turns newly written files in the watch directory into
// tasks.
//
// On Linux the watcher listens for IN_CLOSE_WRITE only, so a file is picked up
// once its writer closes it and never while it is still being written. The
// batch loader and the startup scan build tasks the same way for files that
// already exist.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mpiapp/internal/logging"
	"mpiapp/internal/services"
	"mpiapp/internal/task"
)

// ErrUnsupported is returned by Run on platforms without inotify.
var ErrUnsupported = errors.New("directory watching requires linux inotify")

// DefaultSettle is the quiet period a scanned file needs before it is queued.
const DefaultSettle = 2 * time.Second

// ReadyFunc receives each task the watcher builds. It must not block.
type ReadyFunc func(*task.Task)

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithClock overrides the task creation clock.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// WithSettle sets how long a file found by a scan must stay unchanged
// before it is queued. Zero queues scanned files at once.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.settle = d
		}
	}
}

// WithArmed registers a callback invoked once the kernel watch is in place.
func WithArmed(fn func()) Option {
	return func(w *Watcher) { w.armed = fn }
}

// Watcher observes one directory for one extension.
type Watcher struct {
	dir       string
	extension string
	seq       *task.Sequence
	onReady   ReadyFunc
	logger    *slog.Logger
	now       func() time.Time
	armed     func()
	settle    time.Duration
	closed    atomic.Bool

	mu sync.Mutex
	// seen holds the last accepted version of each path still on disk.
	seen map[string]stamp
	// inflight holds paths handed off and not yet released by the pool.
	inflight map[string]struct{}
	// pending holds scanned paths waiting out the settle period.
	pending map[string]stamp
}

type stamp struct {
	size  int64
	mtime time.Time
	inode uint64
}

// New validates dir and returns a watcher. A missing or non-directory dir is
// a startup error.
func New(dir, extension string, seq *task.Sequence, onReady ReadyFunc, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrStartup, "watcher", "stat", "watch directory unavailable: "+dir, err)
	}
	if !info.IsDir() {
		return nil, services.Wrap(services.ErrStartup, "watcher", "stat", "watch path is not a directory: "+dir, nil)
	}
	if strings.TrimSpace(extension) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "watcher", "init", "extension required", nil)
	}
	if seq == nil || onReady == nil {
		return nil, errors.New("watcher requires a sequence and a ready callback")
	}
	w := &Watcher{
		dir:       dir,
		extension: extension,
		seq:       seq,
		onReady:   onReady,
		now:       time.Now,
		settle:    DefaultSettle,
		seen:      map[string]stamp{},
		inflight:  map[string]struct{}{},
		pending:   map[string]stamp{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.NewComponentLogger(w.logger, "watcher")
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Matches reports whether name ends with extension. The comparison is exact
// and case-sensitive.
func Matches(name, extension string) bool {
	return extension != "" && strings.HasSuffix(name, extension) && len(name) > len(extension)
}

func statStamp(path string) (stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}, err
	}
	if !info.Mode().IsRegular() {
		return stamp{}, fmt.Errorf("%s is not a regular file", path)
	}
	return stamp{size: info.Size(), mtime: info.ModTime(), inode: fileID(info)}, nil
}

// offer builds and hands off a task for path unless the same file version was
// already accepted or an earlier task for the path is still in flight.
func (w *Watcher) offer(path string) bool {
	if !Matches(filepath.Base(path), w.extension) {
		return false
	}
	st, err := statStamp(path)
	if err != nil {
		w.logger.Debug("ignoring event for unreadable path",
			logging.String("path", path),
			logging.Error(err),
		)
		return false
	}

	w.mu.Lock()
	delete(w.pending, path)
	if _, busy := w.inflight[path]; busy {
		w.mu.Unlock()
		w.logger.Debug("close event ignored while micrograph is queued", logging.String("path", path))
		return false
	}
	if prev, ok := w.seen[path]; ok && prev == st {
		w.mu.Unlock()
		w.logger.Debug("duplicate close event ignored", logging.String("path", path))
		return false
	}
	w.seen[path] = st
	w.inflight[path] = struct{}{}
	w.mu.Unlock()

	t := task.New(w.seq, path, w.now())
	w.logger.Info("micrograph detected",
		logging.String(logging.FieldEventType, "file_ready"),
		logging.Int64(logging.FieldTaskID, t.ID),
		logging.String("micrograph", t.Basename),
		logging.String("path", path),
	)
	w.onReady(t)
	return true
}

// Release marks the task for path as finished. A later close event for the
// path is accepted again, and the stamp is forgotten once the file is gone.
func (w *Watcher) Release(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, path)
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		delete(w.seen, path)
		delete(w.pending, path)
	}
}

// hold parks a scanned file until it has been quiet for the settle period.
// A close event for the path claims it first.
func (w *Watcher) hold(path string, st stamp) {
	w.mu.Lock()
	w.pending[path] = st
	w.mu.Unlock()
	time.AfterFunc(w.settle, func() { w.recheck(path) })
}

func (w *Watcher) recheck(path string) {
	if w.closed.Load() {
		return
	}
	w.mu.Lock()
	prev, ok := w.pending[path]
	w.mu.Unlock()
	if !ok {
		return
	}
	st, err := statStamp(path)
	if err != nil {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}
	if st != prev {
		w.hold(path, st)
		return
	}
	w.offer(path)
}

// Close stops pending settle checks.
func (w *Watcher) Close() {
	w.closed.Store(true)
}

// ScanExisting offers every matching file already in the directory, oldest
// modification time first, and returns how many were queued. Files modified
// within the settle period may still be open for writing; they are queued
// later by a close event or once they stop changing.
func (w *Watcher) ScanExisting() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", w.dir, err)
	}
	type candidate struct {
		path  string
		mtime time.Time
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !Matches(e.Name(), w.extension) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{path: filepath.Join(w.dir, e.Name()), mtime: info.ModTime()})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].mtime.Equal(found[j].mtime) {
			return found[i].mtime.Before(found[j].mtime)
		}
		return found[i].path < found[j].path
	})
	n, held := 0, 0
	for _, c := range found {
		if w.settle > 0 && time.Since(c.mtime) < w.settle {
			st, err := statStamp(c.path)
			if err != nil {
				continue
			}
			w.hold(c.path, st)
			held++
			continue
		}
		if w.offer(c.path) {
			n++
		}
	}
	if held > 0 {
		w.logger.Debug("recently modified micrographs waiting to settle",
			logging.Int("count", held),
			logging.Duration("settle", w.settle),
		)
	}
	if n > 0 {
		w.logger.Info("existing micrographs queued",
			logging.String(logging.FieldEventType, "scan_existing"),
			logging.Int("count", n),
		)
	}
	return n, nil
}

// LoadBatch builds tasks for explicit paths in argument order. Paths that
// are missing, are directories, or do not match extension are skipped and
// returned.
func LoadBatch(paths []string, extension string, seq *task.Sequence, onReady ReadyFunc, now func() time.Time) (loaded int, skipped []string) {
	if now == nil {
		now = time.Now
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			skipped = append(skipped, p)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() || !Matches(filepath.Base(abs), extension) {
			skipped = append(skipped, p)
			continue
		}
		onReady(task.New(seq, abs, now()))
		loaded++
	}
	return loaded, skipped
}
