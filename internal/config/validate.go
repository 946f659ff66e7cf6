package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWatch(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateTable(); err != nil {
		return err
	}
	if err := c.validateMicroscope(); err != nil {
		return err
	}
	if err := c.MotionCor.validate("motioncor"); err != nil {
		return err
	}
	if err := c.Gctf.validate("gctf"); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.WatchDir == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("paths.watch_dir is required. Edit %s (create with 'mpiapp config init')", defaultPath)
	}
	if c.Paths.OutputDir == "" {
		return errors.New("paths.output_dir is required")
	}
	if c.Paths.WatchDir == c.Paths.OutputDir {
		return errors.New("paths.output_dir must differ from paths.watch_dir")
	}
	if c.Paths.WatchDir == filepath.Clean(c.ArchiveDir()) {
		return errors.New("paths.watch_dir must not be the archive directory")
	}
	return nil
}

func (c *Config) validateWatch() error {
	if c.Watch.Extension == "" || c.Watch.Extension == "." {
		return errors.New("watch.extension must be set (for example \".tif\")")
	}
	if strings.ContainsAny(c.Watch.Extension, "/*?[") {
		return fmt.Errorf("watch.extension %q must be a plain suffix", c.Watch.Extension)
	}
	if c.Watch.SettleSeconds < 0 {
		return errors.New("watch.settle_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if len(c.Workers.GPUIDs) == 0 {
		return errors.New("workers.gpu_ids must list at least one GPU")
	}
	seen := make(map[int]struct{}, len(c.Workers.GPUIDs))
	for _, id := range c.Workers.GPUIDs {
		if id < 0 {
			return fmt.Errorf("workers.gpu_ids: %d is negative", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("workers.gpu_ids: %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (c *Config) validateTable() error {
	if c.Table.DumpIntervalSeconds <= 0 {
		return errors.New("table.dump_interval_seconds must be positive")
	}
	if c.Table.CTFCutoff <= 0 || c.Table.CTFCutoff > 1 {
		return errors.New("table.ctf_cutoff must be in (0, 1]")
	}
	if c.Table.CSVName == c.Table.StarName {
		return errors.New("table.csv_name and table.star_name must differ")
	}
	return nil
}

func (c *Config) validateMicroscope() error {
	if c.Microscope.VoltageKV <= 0 {
		return errors.New("microscope.voltage_kv must be positive")
	}
	if c.Microscope.PixelSize <= 0 {
		return errors.New("microscope.pixel_size must be positive")
	}
	if c.Microscope.DosePerFrame < 0 {
		return errors.New("microscope.dose_per_frame must not be negative")
	}
	if c.Microscope.AmplitudeContrast < 0 || c.Microscope.AmplitudeContrast > 1 {
		return errors.New("microscope.amplitude_contrast must be between 0 and 1")
	}
	return nil
}

func (t Tool) validate(section string) error {
	if t.Trials < 1 {
		return fmt.Errorf("%s.trials must be at least 1", section)
	}
	if t.TimeoutSeconds <= 0 {
		return fmt.Errorf("%s.timeout_seconds must be positive", section)
	}
	for key := range t.Extra {
		if _, clash := t.Options[key]; clash {
			return fmt.Errorf("%s: key %q appears in both options and extra", section, key)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must not be negative")
	}
	return nil
}
