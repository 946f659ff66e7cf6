package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"mpiapp/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The watch and output directories exist; everything below the output
// directory is left for EnsureDirectories.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WatchDir = filepath.Join(base, "watch")
	cfgVal.Paths.OutputDir = filepath.Join(base, "out")
	cfgVal.Paths.LogDir = filepath.Join(base, "out", "logs")
	cfgVal.Paths.LedgerPath = filepath.Join(base, "out", "mpiapp.db")
	cfgVal.Table.DumpIntervalSeconds = 1
	cfgVal.MotionCor.TimeoutSeconds = 10
	cfgVal.Gctf.TimeoutSeconds = 10
	cfgVal.Logging.RetentionDays = 0

	for _, dir := range []string{cfgVal.Paths.WatchDir, cfgVal.Paths.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithGPUIDs overrides the worker GPU ids.
func WithGPUIDs(ids ...int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.GPUIDs = append([]int(nil), ids...)
	}
}

// WithExtension overrides the watched extension.
func WithExtension(ext string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Watch.Extension = ext
	}
}

// WithStubbedTools installs working MotionCor2 and Gctf stubs and points the
// config at them.
func WithStubbedTools() ConfigOption {
	return func(b *configBuilder) {
		dir := StubTools(b.t, b.baseDir)
		b.cfg.MotionCor.Executable = filepath.Join(dir, "MotionCor2")
		b.cfg.Gctf.Executable = filepath.Join(dir, "Gctf")
	}
}

// WithCrashingGctf replaces the Gctf stub with one that always segfaults.
func WithCrashingGctf() ConfigOption {
	return func(b *configBuilder) {
		dir := filepath.Join(b.baseDir, "bin")
		path := writeScript(b.t, dir, "Gctf", crashingScript)
		b.cfg.Gctf.Executable = path
	}
}
