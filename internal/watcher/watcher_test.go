package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mpiapp/internal/logging"
	"mpiapp/internal/services"
	"mpiapp/internal/task"
)

type collector struct {
	mu    sync.Mutex
	tasks []*task.Task
}

func (c *collector) push(t *task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
}

func (c *collector) basenames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = t.Basename
	}
	return out
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), ".tif", task.NewSequence(0), func(*task.Task) {})
	if !errors.Is(err, services.ErrStartup) {
		t.Fatalf("expected startup error, got %v", err)
	}
}

func TestNewRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.tif")
	writeFile(t, path, "x")
	_, err := New(path, ".tif", task.NewSequence(0), func(*task.Task) {})
	if !errors.Is(err, services.ErrStartup) {
		t.Fatalf("expected startup error, got %v", err)
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		want bool
	}{
		{"mic_001.tif", ".tif", true},
		{"mic_001.TIF", ".tif", false},
		{"mic_001.tiff", ".tif", false},
		{"mic_001.tif.part", ".tif", false},
		{".tif", ".tif", false},
		{"mic_001.mrc", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.name, tc.ext); got != tc.want {
				t.Fatalf("Matches(%q, %q) = %v, want %v", tc.name, tc.ext, got, tc.want)
			}
		})
	}
}

func TestOfferSuppressesDuplicateStamp(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	w, err := New(dir, ".tif", task.NewSequence(0), c.push, WithLogger(logging.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "mic_1.tif")
	writeFile(t, path, "frames")

	if !w.offer(path) {
		t.Fatal("expected first offer to be accepted")
	}
	if w.offer(path) {
		t.Fatal("expected identical stamp to be ignored")
	}
	w.Release(path)
	if w.offer(path) {
		t.Fatal("expected identical stamp to be ignored after release")
	}
	writeFile(t, path, "frames, rewritten")
	if !w.offer(path) {
		t.Fatal("expected changed file to be accepted again")
	}
	if got := len(c.basenames()); got != 2 {
		t.Fatalf("expected 2 tasks, got %d", got)
	}
	if c.tasks[0].ID >= c.tasks[1].ID {
		t.Fatalf("expected increasing ids, got %d then %d", c.tasks[0].ID, c.tasks[1].ID)
	}
}

func TestScanExistingOrdersByModTime(t *testing.T) {
	dir := t.TempDir()
	names := []string{"c.tif", "a.tif", "b.tif"}
	start := time.Now().Add(-time.Hour)
	for i, name := range names {
		path := filepath.Join(dir, name)
		writeFile(t, path, name)
		mt := start.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mt, mt); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(dir, "notes.txt"), "skip")

	c := &collector{}
	w, err := New(dir, ".tif", task.NewSequence(0), c.push, WithLogger(logging.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.ScanExisting()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 queued, got %d", n)
	}
	got := c.basenames()
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestScanHoldsFileStillBeingWritten(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	w, err := New(dir, ".tif", task.NewSequence(0), c.push,
		WithLogger(logging.NewNop()),
		WithSettle(time.Minute),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	path := filepath.Join(dir, "mic.tif")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("partial"); err != nil {
		t.Fatal(err)
	}

	n, err := w.ScanExisting()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected a file under write to be held, got %d queued", n)
	}
	if _, err := f.WriteString(" and the rest of the frames"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.offer(path) {
		t.Fatal("expected the close event to queue the file")
	}
	if w.offer(path) {
		t.Fatal("expected a repeated close event to be ignored while queued")
	}
	if got := c.basenames(); len(got) != 1 {
		t.Fatalf("expected the file once, got %v", got)
	}
}

func TestScanQueuesRecentFileOnceItSettles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "fresh.tif"), "frames")
	c := &collector{}
	w, err := New(dir, ".tif", task.NewSequence(0), c.push,
		WithLogger(logging.NewNop()),
		WithSettle(20*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if n, err := w.ScanExisting(); err != nil || n != 0 {
		t.Fatalf("expected the fresh file to wait, got n=%d err=%v", n, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(c.basenames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("settled file was never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := c.basenames(); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("unexpected tasks %v", got)
	}
}

func TestReleaseForgetsRemovedFiles(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	w, err := New(dir, ".tif", task.NewSequence(0), c.push, WithLogger(logging.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	kept := filepath.Join(dir, "kept.tif")
	moved := filepath.Join(dir, "moved.tif")
	writeFile(t, kept, "a")
	writeFile(t, moved, "b")
	w.offer(kept)
	w.offer(moved)
	if err := os.Remove(moved); err != nil {
		t.Fatal(err)
	}
	w.Release(kept)
	w.Release(moved)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.inflight) != 0 {
		t.Fatalf("expected nothing in flight, got %v", w.inflight)
	}
	if _, ok := w.seen[moved]; ok {
		t.Fatal("expected the removed file's stamp to be dropped")
	}
	if _, ok := w.seen[kept]; !ok {
		t.Fatal("expected the stamp of a file still on disk to be kept")
	}
}

func TestLoadBatchKeepsArgumentOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "m2.tif")
	second := filepath.Join(dir, "m1.tif")
	writeFile(t, first, "x")
	writeFile(t, second, "y")
	wrongExt := filepath.Join(dir, "m3.mrc")
	writeFile(t, wrongExt, "z")

	c := &collector{}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	loaded, skipped := LoadBatch(
		[]string{first, filepath.Join(dir, "missing.tif"), wrongExt, second, dir},
		".tif", task.NewSequence(10), c.push, func() time.Time { return fixed },
	)
	if loaded != 2 {
		t.Fatalf("expected 2 loaded, got %d", loaded)
	}
	if len(skipped) != 3 {
		t.Fatalf("expected 3 skipped, got %v", skipped)
	}
	got := c.basenames()
	if got[0] != "m2" || got[1] != "m1" {
		t.Fatalf("expected argument order, got %v", got)
	}
	if c.tasks[0].ID != 11 || !c.tasks[0].CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected task identity: id=%d created=%v", c.tasks[0].ID, c.tasks[0].CreatedAt)
	}
}
