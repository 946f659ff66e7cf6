package toolrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"mpiapp/internal/logging"
	"mpiapp/internal/services"
)

// DefaultCrashSignatures are output fragments that mark a crashed tool even
// when it exits 0.
var DefaultCrashSignatures = []string{"Segmentation fault", "core dumped", "CUDA error"}

// Invocation describes one attempt.
type Invocation struct {
	Executable string
	Args       []string
	Dir        string
	Timeout    time.Duration
	Attempt    int
	// CrashSignatures replaces DefaultCrashSignatures when non-empty.
	CrashSignatures []string
}

// Command renders the invocation for logs.
func (inv Invocation) Command() string {
	return strings.Join(append([]string{inv.Executable}, inv.Args...), " ")
}

// Capture is what an Executor observed.
type Capture struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Signal is set when the process was terminated by a signal.
	Signal   string
	TimedOut bool
	// Err reports a launch or wait failure other than a non-zero exit.
	Err error
}

// Executor abstracts process execution for testability.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) Capture
}

// Option configures the runner.
type Option func(*Runner)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *Runner) {
		if exec != nil {
			r.exec = exec
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logging.NewComponentLogger(logger, "toolrun")
	}
}

// Runner executes attempts.
type Runner struct {
	exec   Executor
	logger *slog.Logger
}

// New constructs a runner backed by os/exec.
func New(opts ...Option) *Runner {
	r := &Runner{
		exec:   commandExecutor{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes inv once and classifies the outcome.
func (r *Runner) Run(ctx context.Context, inv Invocation) (result Result) {
	start := time.Now()
	result = Result{Invocation: inv}
	defer func() {
		if rec := recover(); rec != nil {
			result.Failure = &Failure{
				Reason: ReasonNonZeroOrStderr,
				Detail: fmt.Sprintf("executor panic: %v", rec),
			}
		}
		result.Duration = time.Since(start)
	}()

	attemptCtx := context.WithoutCancel(ctx)
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, inv.Timeout)
		defer cancel()
	}

	logging.WithContext(ctx, r.logger).Debug("tool attempt starting",
		logging.String("command", inv.Command()),
		logging.Int(logging.FieldAttempt, inv.Attempt),
		logging.Duration("timeout", inv.Timeout),
	)

	capture := r.exec.Execute(attemptCtx, inv)
	result.Stdout = string(capture.Stdout)
	result.Stderr = string(capture.Stderr)
	result.ExitCode = capture.ExitCode
	result.Failure = classify(inv, capture)
	return result
}

func classify(inv Invocation, c Capture) *Failure {
	if c.TimedOut {
		return &Failure{
			Reason: ReasonTimeout,
			Detail: fmt.Sprintf("no exit within %s; process group killed", inv.Timeout),
		}
	}
	signatures := inv.CrashSignatures
	if len(signatures) == 0 {
		signatures = DefaultCrashSignatures
	}
	if c.Signal != "" {
		return &Failure{Reason: ReasonCrashSignature, Detail: "terminated by signal " + c.Signal}
	}
	for _, sig := range signatures {
		if bytes.Contains(c.Stdout, []byte(sig)) || bytes.Contains(c.Stderr, []byte(sig)) {
			return &Failure{Reason: ReasonCrashSignature, Detail: fmt.Sprintf("output contains %q", sig)}
		}
	}
	if c.Err != nil {
		return &Failure{Reason: ReasonNonZeroOrStderr, Detail: "launch failed", Err: c.Err}
	}
	if c.ExitCode != 0 {
		return &Failure{Reason: ReasonNonZeroOrStderr, Detail: fmt.Sprintf("exit status %d", c.ExitCode)}
	}
	if len(bytes.TrimSpace(c.Stderr)) > 0 {
		return &Failure{Reason: ReasonNonZeroOrStderr, Detail: "stderr: " + firstLine(c.Stderr)}
	}
	return nil
}

func firstLine(b []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(b)), "\n")
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}

type commandExecutor struct{}

func (commandExecutor) Execute(ctx context.Context, inv Invocation) Capture {
	cmd := exec.CommandContext(ctx, inv.Executable, inv.Args...) //nolint:gosec
	cmd.Dir = inv.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	isolateProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	capture := Capture{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		capture.TimedOut = true
		return capture
	}
	if cmd.ProcessState != nil {
		capture.ExitCode = cmd.ProcessState.ExitCode()
		capture.Signal = terminatingSignal(cmd.ProcessState)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		capture.Err = services.Wrap(services.ErrExternalTool, "", "exec", inv.Executable, err)
	}
	return capture
}
