package toolrun

import (
	"fmt"
	"time"

	"mpiapp/internal/services"
)

// Reason classifies a failed attempt.
type Reason string

const (
	ReasonNonZeroOrStderr Reason = "nonzero_or_stderr"
	ReasonTimeout         Reason = "timeout"
	ReasonCrashSignature  Reason = "crash_signature"
)

// Failure describes why an attempt did not succeed. It satisfies error so it
// can be logged and matched against services markers.
type Failure struct {
	Reason Reason
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Reason, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Detail)
}

// Unwrap exposes the services marker for the reason.
func (f *Failure) Unwrap() []error {
	marker := services.ErrExternalTool
	if f.Reason == ReasonTimeout {
		marker = services.ErrTimeout
	}
	if f.Err != nil {
		return []error{marker, f.Err}
	}
	return []error{marker}
}

// Result is the outcome of one attempt.
type Result struct {
	Invocation Invocation
	Stdout     string
	Stderr     string
	ExitCode   int
	Duration   time.Duration
	// Failure is nil on success.
	Failure *Failure
}

// Success reports whether the attempt succeeded.
func (r Result) Success() bool {
	return r.Failure == nil
}

// Outcome names the attempt's classification for logs and the ledger.
func (r Result) Outcome() string {
	if r.Failure == nil {
		return "success"
	}
	return string(r.Failure.Reason)
}
