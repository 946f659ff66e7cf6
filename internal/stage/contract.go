package stage

import (
	"context"
	"time"

	"mpiapp/internal/stageopts"
	"mpiapp/internal/task"
	"mpiapp/internal/toolrun"
)

// Binding is everything one attempt needs beyond the executable.
type Binding struct {
	// Options is the attempt's private snapshot.
	Options stageopts.Options
	// Positional arguments follow the rendered options.
	Positional []string
	Dir        string
	// Outputs maps produced roles to the paths the tool is expected to write.
	Outputs map[string]string
}

// Binder builds a per-attempt Binding from the stage's static options.
type Binder interface {
	Bind(t *task.Task, gpuID int, static stageopts.Options) (Binding, error)
}

// Output is what a parser extracted from a successful attempt.
type Output struct {
	Files   map[string]string
	Metrics task.Results
}

// Parser turns a successful attempt into file roles and metrics.
type Parser interface {
	Parse(ctx context.Context, b Binding, res toolrun.Result) (Output, error)
}

// Runner executes one attempt.
type Runner interface {
	Run(ctx context.Context, inv toolrun.Invocation) toolrun.Result
}

// Attempt describes one finished attempt for observers.
type Attempt struct {
	TaskID    int64
	Basename  string
	Stage     string
	GPUID     int
	Index     int
	StartedAt time.Time
	Result    toolrun.Result
}

// Observer receives every finished attempt, successful or not.
type Observer interface {
	AttemptFinished(ctx context.Context, a Attempt)
}

// Status is the terminal state of a stage for one task.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusExhausted Status = "exhausted"
	// StatusSkipped marks stages that never ran because an earlier stage was exhausted.
	StatusSkipped Status = "skipped"
)

// Outcome is the result of running a stage for one task.
type Outcome struct {
	Stage    string
	Status   Status
	Attempts int
	Failures []*toolrun.Failure
	// Err is set when the stage gave up for a reason other than attempt
	// failures: a missing input role, a bind error, or a parse error.
	Err     error
	Files   map[string]string
	Metrics task.Results
}

// Succeeded reports whether the stage produced output.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}
