package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Options describes logger construction parameters.
type Options struct {
	Level            string
	Format           string
	OutputPaths      []string
	ErrorOutputPaths []string
	Development      bool
	// Color forces ANSI level colors on console output. When false, color is
	// enabled only if stdout is a terminal.
	Color bool
}

// New constructs a slog logger using the provided options. The returned
// closer releases any files opened for output.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	outputWriter, closer, err := openWriters(
		defaultSlice(opts.OutputPaths, []string{"stdout"}),
		defaultSlice(opts.ErrorOutputPaths, nil),
	)
	if err != nil {
		return nil, nil, err
	}

	addSource := opts.Development || level <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = newJSONHandler(outputWriter, levelVar, addSource)
	case "console":
		handler = newPrettyHandler(outputWriter, levelVar, addSource, opts.Color || stdoutIsTerminal(opts.OutputPaths))
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	return slog.New(handler), closer, nil
}

// RunOptions configures the logger used by one daemon or batch run.
type RunOptions struct {
	Dir    string
	RunID  string
	Level  string
	Format string
}

// RunLogger is the result of NewForRun.
type RunLogger struct {
	Logger  *slog.Logger
	LogPath string
	closer  io.Closer
}

// Close releases the run log file.
func (r *RunLogger) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// NewForRun builds a logger that writes the configured console format to
// stdout and JSON lines to a per-run file under opts.Dir. A mpiapp.log
// symlink in the same directory points at the current run's file.
func NewForRun(opts RunOptions) (*RunLogger, error) {
	console, consoleCloser, err := New(Options{Level: opts.Level, Format: opts.Format})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return &RunLogger{Logger: console, closer: consoleCloser}, nil
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure log directory: %w", err)
	}
	name := fmt.Sprintf("mpiapp-%s.log", time.Now().UTC().Format("20060102T150405Z"))
	if opts.RunID != "" {
		name = fmt.Sprintf("mpiapp-%s-%s.log", time.Now().UTC().Format("20060102T150405Z"), shortID(opts.RunID))
	}
	logPath := filepath.Join(opts.Dir, name)
	file, fileCloser, err := New(Options{
		Level:            opts.Level,
		Format:           "json",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		return nil, err
	}
	if err := UpdatePointer(filepath.Join(opts.Dir, "mpiapp.log"), logPath); err != nil {
		console.Warn("log pointer update failed", Error(err))
	}
	logger := TeeLogger(console, file.Handler())
	if opts.RunID != "" {
		logger = logger.With(String(FieldRunID, opts.RunID))
	}
	return &RunLogger{
		Logger:  logger,
		LogPath: logPath,
		closer:  multiCloser{consoleCloser, fileCloser},
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultSlice(value []string, fallback []string) []string {
	if len(value) == 0 {
		value = fallback
	}
	cp := make([]string, len(value))
	copy(cp, value)
	return cp
}

func stdoutIsTerminal(paths []string) bool {
	if len(paths) > 0 && !(len(paths) == 1 && paths[0] == "stdout") {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openWriters(outputPaths []string, errorPaths []string) (io.Writer, io.Closer, error) {
	seen := map[string]struct{}{}
	var writers []io.Writer
	var closers multiCloser
	combined := append([]string{}, outputPaths...)
	combined = append(combined, errorPaths...)

	for _, path := range combined {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}

		switch trimmed {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					_ = closers.Close()
					return nil, nil, err
				}
			}
			file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				_ = closers.Close()
				return nil, nil, fmt.Errorf("open log file %s: %w", trimmed, err)
			}
			writers = append(writers, file)
			closers = append(closers, file)
		}
	}

	switch len(writers) {
	case 0:
		return os.Stdout, closers, nil
	case 1:
		return writers[0], closers, nil
	default:
		return io.MultiWriter(writers...), closers, nil
	}
}
