package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	WatchDir   string `toml:"watch_dir" yaml:"watch_dir"`
	OutputDir  string `toml:"output_dir" yaml:"output_dir"`
	LogDir     string `toml:"log_dir" yaml:"log_dir"`
	LedgerPath string `toml:"ledger_path" yaml:"ledger_path"`
}

// Watch controls which files in the watch directory become tasks.
type Watch struct {
	// Extension is matched as an exact, case-sensitive file name suffix.
	Extension    string `toml:"extension" yaml:"extension"`
	ScanExisting bool   `toml:"scan_existing" yaml:"scan_existing"`
	// SettleSeconds is how long a file found by a directory scan must stay
	// unchanged before it is queued.
	SettleSeconds int `toml:"settle_seconds" yaml:"settle_seconds"`
}

// Workers lists the GPUs; one worker is started per id.
type Workers struct {
	GPUIDs []int `toml:"gpu_ids" yaml:"gpu_ids"`
}

// Table configures the process table and its periodic dump.
type Table struct {
	DumpIntervalSeconds int     `toml:"dump_interval_seconds" yaml:"dump_interval_seconds"`
	CSVName             string  `toml:"csv_name" yaml:"csv_name"`
	StarName            string  `toml:"star_name" yaml:"star_name"`
	CTFCutoff           float64 `toml:"ctf_cutoff" yaml:"ctf_cutoff"`
}

// Microscope holds acquisition parameters shared by both stages.
type Microscope struct {
	VoltageKV           float64 `toml:"voltage_kv" yaml:"voltage_kv"`
	PixelSize           float64 `toml:"pixel_size" yaml:"pixel_size"`
	DosePerFrame        float64 `toml:"dose_per_frame" yaml:"dose_per_frame"`
	AmplitudeContrast   float64 `toml:"amplitude_contrast" yaml:"amplitude_contrast"`
	SphericalAberration float64 `toml:"spherical_aberration" yaml:"spherical_aberration"`
}

// Tool configures one external-tool stage. Options is checked against the
// stage's option schema when the pipeline is built; Extra is passed through
// to the command line without checks.
type Tool struct {
	Executable      string         `toml:"executable" yaml:"executable"`
	Trials          int            `toml:"trials" yaml:"trials"`
	TimeoutSeconds  int            `toml:"timeout_seconds" yaml:"timeout_seconds"`
	CrashSignatures []string       `toml:"crash_signatures" yaml:"crash_signatures"`
	Options         map[string]any `toml:"options" yaml:"options"`
	Extra           map[string]any `toml:"extra" yaml:"extra"`
}

// Timeout returns the per-attempt timeout.
func (t Tool) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format" yaml:"format"`
	Level         string `toml:"level" yaml:"level"`
	RetentionDays int    `toml:"retention_days" yaml:"retention_days"`
}

// Config encapsulates all configuration values for mpiapp.
//
// Configuration sections by subsystem:
//   - Paths: watch, output, log, and ledger locations
//   - Watch: extension filter and initial scan
//   - Workers: GPU ids, one worker each
//   - Table: dump cadence, output file names, CTF resolution cutoff
//   - Microscope: acquisition parameters injected into both stages
//   - MotionCor / Gctf: executables, trial budgets, timeouts, options
//   - Logging: log format, level, and retention
type Config struct {
	Paths      Paths      `toml:"paths" yaml:"paths"`
	Watch      Watch      `toml:"watch" yaml:"watch"`
	Workers    Workers    `toml:"workers" yaml:"workers"`
	Table      Table      `toml:"table" yaml:"table"`
	Microscope Microscope `toml:"microscope" yaml:"microscope"`
	MotionCor  Tool       `toml:"motioncor" yaml:"motioncor"`
	Gctf       Tool       `toml:"gctf" yaml:"gctf"`
	Logging    Logging    `toml:"logging" yaml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. Files ending in .yaml or .yml are read as YAML,
// anything else as TOML. Unknown keys are rejected in both formats.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		data, err := os.ReadFile(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		if err := decode(resolvedPath, data, &cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		return decoder.Decode(cfg)
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	projectPath, err := filepath.Abs(projectConfigName)
	if err != nil {
		return "", false, err
	}
	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

// MotionCorDir is where aligned micrographs and drift logs are written.
func (c *Config) MotionCorDir() string { return filepath.Join(c.Paths.OutputDir, motionCorDirName) }

// GctfDir is where CTF fits and Gctf logs are written.
func (c *Config) GctfDir() string { return filepath.Join(c.Paths.OutputDir, gctfDirName) }

// ArchiveDir receives source movies after processing.
func (c *Config) ArchiveDir() string { return filepath.Join(c.Paths.OutputDir, archiveDirName) }

// LockPath is the single-instance lock for the output directory.
func (c *Config) LockPath() string { return filepath.Join(c.Paths.OutputDir, lockFileName) }

// CSVPath is the primary process table file.
func (c *Config) CSVPath() string { return filepath.Join(c.Paths.OutputDir, c.Table.CSVName) }

// StarPath is the RELION interchange file.
func (c *Config) StarPath() string { return filepath.Join(c.Paths.OutputDir, c.Table.StarName) }

// SettleDelay returns the quiet period required of scanned files.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Watch.SettleSeconds) * time.Second
}

// DumpInterval returns the process table dump cadence.
func (c *Config) DumpInterval() time.Duration {
	return time.Duration(c.Table.DumpIntervalSeconds) * time.Second
}

// EnsureDirectories creates the output layout. The watch directory is never
// created: a missing watch directory is a startup error.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.MotionCorDir(), c.GctfDir(), c.ArchiveDir(), c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if dir := filepath.Dir(c.Paths.LedgerPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger directory %q: %w", dir, err)
		}
	}
	return nil
}

// TOML renders the resolved configuration.
func (c *Config) TOML() ([]byte, error) {
	return toml.Marshal(c)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
