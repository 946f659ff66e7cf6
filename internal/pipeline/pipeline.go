package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"mpiapp/internal/logging"
	"mpiapp/internal/services"
	"mpiapp/internal/stage"
	"mpiapp/internal/task"
)

// Step is the stage contract the pipeline drives.
type Step interface {
	Name() string
	Requires() []string
	Produces() []string
	Execute(ctx context.Context, t *task.Task, gpuID int) stage.Outcome
	HealthCheck(ctx context.Context) stage.Health
}

// Pipeline is an immutable ordered list of steps.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

// New validates that every required role is produced by an earlier step and
// that step names are unique.
func New(logger *slog.Logger, steps ...Step) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, errors.New("pipeline requires at least one stage")
	}
	produced := map[string]string{}
	seen := map[string]struct{}{}
	for _, step := range steps {
		if step == nil {
			return nil, errors.New("pipeline stage is nil")
		}
		name := step.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", name)
		}
		seen[name] = struct{}{}
		for _, role := range step.Requires() {
			if _, ok := produced[role]; !ok {
				return nil, fmt.Errorf("stage %s requires %s, which no earlier stage produces", name, role)
			}
		}
		for _, role := range step.Produces() {
			if owner, ok := produced[role]; ok {
				return nil, fmt.Errorf("role %s produced by both %s and %s", role, owner, name)
			}
			produced[role] = name
		}
	}
	return &Pipeline{
		steps:  slices.Clone(steps),
		logger: logging.NewComponentLogger(logger, "pipeline"),
	}, nil
}

// Execute runs every stage for t on gpuID. onStage, when set, is called
// before each stage starts with its index and name.
func (p *Pipeline) Execute(ctx context.Context, t *task.Task, gpuID int, onStage func(int, string)) []stage.Outcome {
	ctx = services.WithTaskID(ctx, t.ID)
	ctx = services.WithGPUID(ctx, gpuID)
	logger := logging.WithContext(ctx, p.logger)

	outcomes := make([]stage.Outcome, 0, len(p.steps))
	stopped := false
	for i, step := range p.steps {
		if stopped {
			outcomes = append(outcomes, stage.Outcome{Stage: step.Name(), Status: stage.StatusSkipped})
			continue
		}
		if onStage != nil {
			onStage(i, step.Name())
		}
		logger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.String(logging.FieldStage, step.Name()),
			logging.String("micrograph", t.Basename),
		)
		outcome := step.Execute(ctx, t, gpuID)
		outcomes = append(outcomes, outcome)
		if !outcome.Succeeded() {
			stopped = true
			continue
		}
		logger.Info("stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.String(logging.FieldStage, step.Name()),
			logging.Int("attempts", outcome.Attempts),
		)
	}
	return outcomes
}

// HealthCheck reports the health of every stage in order.
func (p *Pipeline) HealthCheck(ctx context.Context) []stage.Health {
	out := make([]stage.Health, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.HealthCheck(ctx)
	}
	return out
}

// Summary counts outcomes by status.
type Summary struct {
	Succeeded int
	Exhausted int
	Skipped   int
}

// Summarize counts outcomes by status.
func Summarize(outcomes []stage.Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		switch o.Status {
		case stage.StatusSuccess:
			s.Succeeded++
		case stage.StatusExhausted:
			s.Exhausted++
		case stage.StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// Complete reports whether every stage succeeded.
func (s Summary) Complete() bool {
	return s.Exhausted == 0 && s.Skipped == 0
}
