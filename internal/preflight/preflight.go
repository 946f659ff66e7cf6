package preflight

import (
	"context"
	"strings"

	"mpiapp/internal/config"
	"mpiapp/internal/deps"
	"mpiapp/internal/services"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every startup check for cfg. The watch directory check is
// skipped in batch mode, where watchDir is empty.
func RunAll(_ context.Context, cfg *config.Config, watch bool) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	if watch {
		results = append(results, CheckDirectoryReadable("Watch directory", cfg.Paths.WatchDir))
	}
	results = append(results, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir))
	for _, status := range CheckTools(cfg) {
		r := Result{Name: status.Name, Passed: status.Available, Detail: status.Detail}
		if status.Available {
			r.Detail = status.Path
		}
		results = append(results, r)
	}
	return results
}

// CheckTools reports the availability of the two pipeline executables.
func CheckTools(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries([]deps.Requirement{
		{
			Name:        "MotionCor2",
			Command:     cfg.MotionCor.Executable,
			Description: "Required for motion correction",
		},
		{
			Name:        "Gctf",
			Command:     cfg.Gctf.Executable,
			Description: "Required for CTF estimation",
		},
	})
}

// Verify runs RunAll and returns a startup error naming every failed check.
func Verify(ctx context.Context, cfg *config.Config, watch bool) ([]Result, error) {
	results := RunAll(ctx, cfg, watch)
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r.Name+": "+r.Detail)
		}
	}
	if len(failed) > 0 {
		return results, services.Wrap(services.ErrStartup, "preflight", "verify", strings.Join(failed, "; "), nil)
	}
	return results, nil
}
