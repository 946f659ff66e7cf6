package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStartup       = errors.New("startup error")
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrParse         = errors.New("parse error")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Hint returns a short operator-facing next step for the error's marker.
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStartup):
		return "check watch_dir, output_dir, and tool executables before restarting"
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrValidation):
		return "fix the configuration file and restart"
	case errors.Is(err, ErrTimeout):
		return "raise timeout_seconds for the stage or check the GPU for hangs"
	case errors.Is(err, ErrParse):
		return "inspect the tool log next to the stage output"
	case errors.Is(err, ErrExternalTool):
		return "inspect the tool log and stderr for the failing attempt"
	default:
		return "check logs for details"
	}
}

// IsFatal reports whether err must abort the run instead of failing one task.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStartup) || errors.Is(err, ErrConfiguration)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
