package processtable

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"mpiapp/internal/logging"
	"mpiapp/internal/task"
)

// ErrClosed is returned by Record once the final dump has started.
var ErrClosed = errors.New("process table closed")

// Fixed leading CSV columns.
const (
	ColumnMicrograph = "micrograph"
	ColumnCreatedAt  = "created_at"
)

const defaultInterval = 10 * time.Second

// Row is one micrograph's snapshot.
type Row struct {
	Key       string
	TaskID    int64
	CreatedAt time.Time
	Values    task.Results
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the table logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

// WithInterval sets the periodic dump interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithStarPath enables the STAR export at path.
func WithStarPath(path string) Option {
	return func(t *Table) { t.starPath = path }
}

// WithDerived replaces the derived column set.
func WithDerived(derived ...Derived) Option {
	return func(t *Table) { t.derived = slices.Clone(derived) }
}

// Table is the shared result aggregate.
type Table struct {
	csvPath  string
	starPath string
	interval time.Duration
	derived  []Derived
	logger   *slog.Logger

	mu      sync.Mutex
	rows    map[string]Row
	columns map[string]struct{}
	closed  bool
	final   bool
	dumps   int

	// writeMu serializes file writes between the scheduler and Close.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New returns an empty table writing to csvPath.
func New(csvPath string, opts ...Option) *Table {
	t := &Table{
		csvPath:  csvPath,
		interval: defaultInterval,
		derived:  DefaultDerived(),
		rows:     map[string]Row{},
		columns:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.NewComponentLogger(t.logger, "processtable")
	return t
}

// Record stores a snapshot of tk's results keyed by its basename.
func (t *Table) Record(tk *task.Task) error {
	return t.RecordValues(tk.Basename, tk.ID, tk.CreatedAt, tk.Results())
}

// RecordValues stores values for key. A second record for the same key
// replaces the first.
func (t *Table) RecordValues(key string, taskID int64, createdAt time.Time, values task.Results) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.rows[key] = Row{Key: key, TaskID: taskID, CreatedAt: createdAt, Values: maps.Clone(values)}
	for name := range values {
		if name == ColumnMicrograph || name == ColumnCreatedAt {
			continue
		}
		t.columns[name] = struct{}{}
	}
	return nil
}

// Len returns the number of recorded micrographs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Dumps returns how many dumps have completed.
func (t *Table) Dumps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dumps
}

// Snapshot is an immutable copy of the table at one point in time.
type Snapshot struct {
	Rows    []Row
	Columns []string
}

// Snapshot copies the records, ordered by creation time then task id, and the
// sorted raw column set.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	rows := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, r)
	}
	columns := slices.Sorted(maps.Keys(t.columns))
	t.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].TaskID < rows[j].TaskID
	})
	return Snapshot{Rows: rows, Columns: columns}
}

// Dump writes the current snapshot. The table lock is only held while the
// snapshot is taken. Dump returns ErrClosed once the final dump has run.
func (t *Table) Dump() error {
	return t.dump(false)
}

func (t *Table) dump(final bool) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if t.final {
		t.mu.Unlock()
		return ErrClosed
	}
	t.final = final
	t.mu.Unlock()

	snap := t.Snapshot()
	grid := buildGrid(snap, t.derived)
	if err := writeCSV(t.csvPath, grid); err != nil {
		return err
	}
	if t.starPath != "" {
		if _, err := writeStar(t.starPath, snap); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.dumps++
	t.mu.Unlock()
	t.logger.Debug("process table dumped",
		logging.String(logging.FieldEventType, "table_dump"),
		logging.Int("rows", len(snap.Rows)),
		logging.Int("columns", len(grid.header)),
	)
	return nil
}

// Run dumps every interval until ctx is done. The timer is re-armed after
// each dump finishes, so slow dumps never overlap.
func (t *Table) Run(ctx context.Context) error {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			err := t.Dump()
			if errors.Is(err, ErrClosed) {
				return nil
			}
			if err != nil {
				logging.WarnWithContext(t.logger, "periodic table dump failed", "table_dump_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check free space and permissions in the output directory"),
					logging.String(logging.FieldImpact, "on-disk table is stale until the next successful dump"),
				)
			}
			timer.Reset(t.interval)
		}
	}
}

// Close rejects further records and performs exactly one final dump. Later
// calls return the first call's result.
func (t *Table) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.closeErr = t.dump(true)
		if t.closeErr == nil {
			t.logger.Info("final process table written",
				logging.String(logging.FieldEventType, "table_final_dump"),
				logging.Int("rows", t.Len()),
				logging.String("path", t.csvPath),
			)
		}
	})
	return t.closeErr
}

