package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mpiapp/internal/logging"
	"mpiapp/internal/services"
	"mpiapp/internal/stageopts"
	"mpiapp/internal/task"
	"mpiapp/internal/toolrun"
)

// Spec declares a stage.
type Spec struct {
	Name       string
	Executable string
	Requires   []string
	Produces   []string
	Options    stageopts.Options
	// FlagPrefix is "-" or "--".
	FlagPrefix      string
	Trials          int
	Timeout         time.Duration
	CrashSignatures []string
	Binder          Binder
	Parser          Parser
}

// Option configures a Stage.
type Option func(*Stage)

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(s *Stage) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithLogger sets the stage logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stage) {
		s.logger = logger
	}
}

// Stage is one pipeline step backed by an external tool.
type Stage struct {
	spec      Spec
	runner    Runner
	observers []Observer
	logger    *slog.Logger
}

// New validates spec and constructs a stage.
func New(spec Spec, runner Runner, opts ...Option) (*Stage, error) {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return nil, errors.New("stage name required")
	case strings.TrimSpace(spec.Executable) == "":
		return nil, fmt.Errorf("stage %s: executable required", spec.Name)
	case spec.Trials < 1:
		return nil, fmt.Errorf("stage %s: trials must be at least 1", spec.Name)
	case spec.Binder == nil || spec.Parser == nil:
		return nil, fmt.Errorf("stage %s: binder and parser required", spec.Name)
	case runner == nil:
		return nil, fmt.Errorf("stage %s: runner required", spec.Name)
	}
	if spec.FlagPrefix == "" {
		spec.FlagPrefix = "-"
	}
	s := &Stage{spec: spec, runner: runner}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "stage")
	return s, nil
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.spec.Name }

// Requires returns the input roles the stage needs.
func (s *Stage) Requires() []string { return append([]string(nil), s.spec.Requires...) }

// Produces returns the roles a successful attempt registers.
func (s *Stage) Produces() []string { return append([]string(nil), s.spec.Produces...) }

// Execute runs up to Trials attempts for t on gpuID. The first successful
// attempt registers its roles and metrics into t and ends the loop.
func (s *Stage) Execute(ctx context.Context, t *task.Task, gpuID int) Outcome {
	ctx = services.WithStage(ctx, s.spec.Name)
	logger := logging.WithContext(ctx, s.logger)
	outcome := Outcome{Stage: s.spec.Name, Status: StatusExhausted}

	for _, role := range s.spec.Requires {
		if _, ok := t.File(role); !ok {
			outcome.Err = services.Wrap(services.ErrValidation, s.spec.Name, "inputs", "missing input role "+role, nil)
			s.logExhausted(logger, outcome)
			return outcome
		}
	}

	for attempt := 1; attempt <= s.spec.Trials; attempt++ {
		binding, err := s.spec.Binder.Bind(t, gpuID, s.spec.Options)
		if err != nil {
			outcome.Err = services.Wrap(services.ErrValidation, s.spec.Name, "bind", "could not prepare attempt", err)
			s.logExhausted(logger, outcome)
			return outcome
		}

		args := append(binding.Options.Args(s.spec.FlagPrefix), binding.Positional...)
		started := time.Now()
		res := s.runner.Run(ctx, toolrun.Invocation{
			Executable:      s.spec.Executable,
			Args:            args,
			Dir:             binding.Dir,
			Timeout:         s.spec.Timeout,
			Attempt:         attempt,
			CrashSignatures: s.spec.CrashSignatures,
		})
		outcome.Attempts = attempt
		s.notify(ctx, Attempt{
			TaskID:    t.ID,
			Basename:  t.Basename,
			Stage:     s.spec.Name,
			GPUID:     gpuID,
			Index:     attempt,
			StartedAt: started,
			Result:    res,
		})

		if !res.Success() {
			outcome.Failures = append(outcome.Failures, res.Failure)
			logging.WarnWithContext(logger, "stage attempt failed", "stage_attempt_failed",
				logging.Int(logging.FieldAttempt, attempt),
				logging.Int("trials", s.spec.Trials),
				logging.String("reason", string(res.Failure.Reason)),
				logging.String("detail", res.Failure.Detail),
				logging.Duration("duration", res.Duration),
				logging.String(logging.FieldErrorHint, services.Hint(res.Failure)),
				logging.String(logging.FieldImpact, "attempt discarded; retrying while trials remain"),
			)
			continue
		}

		out, err := s.spec.Parser.Parse(ctx, binding, res)
		if err != nil {
			outcome.Err = services.Wrap(services.ErrParse, s.spec.Name, "parse", "tool output unusable", err)
			s.logExhausted(logger, outcome)
			return outcome
		}
		s.register(logger, t, out)
		outcome.Status = StatusSuccess
		outcome.Files = out.Files
		outcome.Metrics = out.Metrics
		logger.Info("stage succeeded",
			logging.String(logging.FieldEventType, "stage_success"),
			logging.Int(logging.FieldAttempt, attempt),
			logging.Int("metrics", len(out.Metrics)),
			logging.Duration("duration", res.Duration),
		)
		return outcome
	}

	s.logExhausted(logger, outcome)
	return outcome
}

func (s *Stage) register(logger *slog.Logger, t *task.Task, out Output) {
	for role, path := range out.Files {
		if err := t.Register(role, path); err != nil {
			logging.WarnWithContext(logger, "file role already registered; keeping first path", "file_role_conflict",
				logging.String("role", role),
				logging.Error(err),
				logging.String(logging.FieldImpact, "later path is not recorded"),
			)
			continue
		}
		t.SetResult(role, task.Text(path))
	}
	for name, value := range out.Metrics {
		t.SetResult(name, value)
	}
}

func (s *Stage) notify(ctx context.Context, a Attempt) {
	for _, o := range s.observers {
		o.AttemptFinished(ctx, a)
	}
}

func (s *Stage) logExhausted(logger *slog.Logger, outcome Outcome) {
	attrs := []logging.Attr{
		logging.Int("attempts", outcome.Attempts),
		logging.Int("trials", s.spec.Trials),
		logging.String(logging.FieldImpact, "downstream stages skipped for this micrograph"),
	}
	hintErr := outcome.Err
	if outcome.Err != nil {
		attrs = append(attrs, logging.Error(outcome.Err))
	} else if n := len(outcome.Failures); n > 0 {
		hintErr = outcome.Failures[n-1]
		attrs = append(attrs, logging.String("last_reason", string(outcome.Failures[n-1].Reason)))
	}
	attrs = append(attrs, logging.String(logging.FieldErrorHint, services.Hint(hintErr)))
	logging.ErrorWithContext(logger, "stage exhausted", "stage_exhausted", attrs...)
}
