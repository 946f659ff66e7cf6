package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWatch()
	c.normalizeTable()
	c.MotionCor.normalize(defaultMotionCorExecutable)
	c.Gctf.normalize(defaultGctfExecutable)
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WatchDir, err = expandPath(strings.TrimSpace(c.Paths.WatchDir)); err != nil {
		return fmt.Errorf("paths.watch_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(strings.TrimSpace(c.Paths.OutputDir)); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" && c.Paths.OutputDir != "" {
		c.Paths.LogDir = filepath.Join(c.Paths.OutputDir, logDirName)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LedgerPath) == "" && c.Paths.OutputDir != "" {
		c.Paths.LedgerPath = filepath.Join(c.Paths.OutputDir, ledgerFileName)
	}
	if c.Paths.LedgerPath, err = expandPath(strings.TrimSpace(c.Paths.LedgerPath)); err != nil {
		return fmt.Errorf("paths.ledger_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeWatch() {
	ext := strings.TrimSpace(c.Watch.Extension)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	c.Watch.Extension = ext
}

func (c *Config) normalizeTable() {
	c.Table.CSVName = strings.TrimSpace(c.Table.CSVName)
	if c.Table.CSVName == "" {
		c.Table.CSVName = defaultCSVName
	}
	c.Table.StarName = strings.TrimSpace(c.Table.StarName)
	if c.Table.StarName == "" {
		c.Table.StarName = defaultStarName
	}
}

func (t *Tool) normalize(defaultExecutable string) {
	t.Executable = strings.TrimSpace(t.Executable)
	if t.Executable == "" {
		t.Executable = defaultExecutable
	}
	signatures := t.CrashSignatures[:0]
	for _, sig := range t.CrashSignatures {
		if sig = strings.TrimSpace(sig); sig != "" {
			signatures = append(signatures, sig)
		}
	}
	t.CrashSignatures = signatures
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
