package stage

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Health reports whether a stage's executable resolves and the budget each
// micrograph gets from it.
type Health struct {
	Name       string
	Executable string
	// Path is the resolved executable; empty when it was not found.
	Path    string
	Trials  int
	Timeout time.Duration
	Ready   bool
	Detail  string
}

// HealthCheck resolves the stage's executable on PATH.
func (s *Stage) HealthCheck(context.Context) Health {
	h := Health{
		Name:       s.spec.Name,
		Executable: s.spec.Executable,
		Trials:     s.spec.Trials,
		Timeout:    s.spec.Timeout,
	}
	path, err := exec.LookPath(s.spec.Executable)
	if err != nil {
		h.Detail = fmt.Sprintf("%s not found on PATH", s.spec.Executable)
		return h
	}
	h.Path = path
	h.Ready = true
	h.Detail = fmt.Sprintf("%s, %d trials, %s timeout", path, h.Trials, h.Timeout)
	return h
}
