package task

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// ErrRoleExists is returned when a stage tries to overwrite a registered file role.
var ErrRoleExists = errors.New("file role already registered")

// Sequence hands out strictly increasing task ids. The zero value starts at 1.
type Sequence struct {
	last atomic.Int64
}

// NewSequence returns a sequence whose first id is start+1.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

// Task is one input file moving through the pipeline.
type Task struct {
	ID         int64
	Basename   string
	SourcePath string
	CreatedAt  time.Time

	files   map[string]string
	results Results
}

// New builds a task for path using the next id from seq. The basename is the
// file name without its final extension.
func New(seq *Sequence, path string, createdAt time.Time) *Task {
	name := filepath.Base(path)
	return &Task{
		ID:         seq.Next(),
		Basename:   strings.TrimSuffix(name, filepath.Ext(name)),
		SourcePath: path,
		CreatedAt:  createdAt,
		files:      make(map[string]string),
		results:    make(Results),
	}
}

// Register records the path produced for role. Roles are append-only.
func (t *Task) Register(role, path string) error {
	if existing, ok := t.files[role]; ok {
		return fmt.Errorf("%w: %s (%s)", ErrRoleExists, role, existing)
	}
	t.files[role] = path
	return nil
}

// File returns the path registered for role.
func (t *Task) File(role string) (string, bool) {
	path, ok := t.files[role]
	return path, ok
}

// Files returns a copy of the file registry.
func (t *Task) Files() map[string]string {
	return maps.Clone(t.files)
}

// SetResult stores one result value, replacing any earlier value for name.
func (t *Task) SetResult(name string, v Value) {
	t.results[name] = v
}

// Results returns a copy of the results map.
func (t *Task) Results() Results {
	return maps.Clone(t.results)
}
