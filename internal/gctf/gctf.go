// Package gctf adapts Gctf CTF estimation as the second pipeline stage.
//
// Gctf refuses to run outside the directory of its input, so every attempt
// symlinks the aligned micrograph into <out>/gctf and passes that link as the
// trailing positional argument. Options render as "--key value".
package gctf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"mpiapp/internal/config"
	"mpiapp/internal/motioncor"
	"mpiapp/internal/stage"
	"mpiapp/internal/stageopts"
	"mpiapp/internal/task"
	"mpiapp/internal/toolrun"
)

// StageName is the pipeline name of this stage.
const StageName = "gctf"

// File roles registered on success.
const (
	RoleCTFFit = "gctf_ctf_fit"
	RoleLog    = "gctf_log"
	RoleEPALog = "gctf_epa_log"
)

// RoleInput is the aligned micrograph Gctf consumes.
const RoleInput = motioncor.RoleAlignedNoDW

// Schema lists the Gctf options mpiapp validates.
var Schema = stageopts.Schema{
	Stage: StageName,
	Fields: []stageopts.Field{
		{Name: "apix", Kind: stageopts.Float, Required: true},
		{Name: "kV", Kind: stageopts.Float, Required: true},
		{Name: "cs", Kind: stageopts.Float, Required: true},
		{Name: "ac", Kind: stageopts.Float, Required: true},
		{Name: "dstep", Kind: stageopts.Float},
		{Name: "defL", Kind: stageopts.Float},
		{Name: "defH", Kind: stageopts.Float},
		{Name: "defS", Kind: stageopts.Float},
		{Name: "astm", Kind: stageopts.Float},
		{Name: "bfac", Kind: stageopts.Float},
		{Name: "resL", Kind: stageopts.Float},
		{Name: "resH", Kind: stageopts.Float},
		{Name: "boxsize", Kind: stageopts.Int},
		{Name: "phase_shift_L", Kind: stageopts.Float},
		{Name: "phase_shift_H", Kind: stageopts.Float},
		{Name: "phase_shift_S", Kind: stageopts.Float},
		{Name: "phase_shift_T", Kind: stageopts.Int},
		{Name: "do_EPA", Kind: stageopts.Bool},
		{Name: "do_Hres_ref", Kind: stageopts.Bool},
		{Name: "Href_resL", Kind: stageopts.Float},
		{Name: "Href_resH", Kind: stageopts.Float},
		{Name: "Href_bfac", Kind: stageopts.Float},
		{Name: "estimate_B", Kind: stageopts.Bool},
		{Name: "B_resL", Kind: stageopts.Float},
		{Name: "B_resH", Kind: stageopts.Float},
		{Name: "do_validation", Kind: stageopts.Bool},
		{Name: "refine_after_EPA", Kind: stageopts.Bool},
		{Name: "convsize", Kind: stageopts.Int},
		{Name: "gid", Kind: stageopts.Int, Reserved: true},
		{Name: "ctfstar", Kind: stageopts.String, Reserved: true},
	},
}

// New builds the Gctf stage from configuration.
func New(cfg *config.Config, runner stage.Runner, opts ...stage.Option) (*stage.Stage, error) {
	static, err := ResolveOptions(cfg)
	if err != nil {
		return nil, err
	}
	return stage.New(stage.Spec{
		Name:            StageName,
		Executable:      cfg.Gctf.Executable,
		Requires:        []string{RoleInput},
		Produces:        []string{RoleCTFFit, RoleLog, RoleEPALog},
		Options:         static,
		FlagPrefix:      "--",
		Trials:          cfg.Gctf.Trials,
		Timeout:         cfg.Gctf.Timeout(),
		CrashSignatures: cfg.Gctf.CrashSignatures,
		Binder:          binder{outDir: cfg.GctfDir()},
		Parser:          parser{cutoff: cfg.Table.CTFCutoff},
	}, runner, opts...)
}

// ResolveOptions validates the configured options with the shared microscope
// parameters injected. apix follows MotionCor2 binning.
func ResolveOptions(cfg *config.Config) (stageopts.Options, error) {
	return Schema.Resolve(cfg.Gctf.Options, cfg.Gctf.Extra, map[string]any{
		"kV":   cfg.Microscope.VoltageKV,
		"apix": cfg.Microscope.PixelSize * ftBin(cfg.MotionCor.Options),
		"ac":   cfg.Microscope.AmplitudeContrast,
		"cs":   cfg.Microscope.SphericalAberration,
	})
}

func ftBin(options map[string]any) float64 {
	switch v := options["FtBin"].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		if v > 0 {
			return v
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return 1
}

type binder struct {
	outDir string
}

func (b binder) Bind(t *task.Task, gpuID int, static stageopts.Options) (stage.Binding, error) {
	aligned, ok := t.File(RoleInput)
	if !ok {
		return stage.Binding{}, fmt.Errorf("missing %s", RoleInput)
	}
	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return stage.Binding{}, fmt.Errorf("create gctf directory: %w", err)
	}
	base := filepath.Join(b.outDir, t.Basename)
	link := base + ".mrc"
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return stage.Binding{}, fmt.Errorf("replace input link: %w", err)
	}
	if err := os.Symlink(aligned, link); err != nil {
		return stage.Binding{}, fmt.Errorf("link gctf input: %w", err)
	}
	opts := static.
		With("gid", strconv.Itoa(gpuID)).
		With("ctfstar", base+".star").
		Expand(map[string]string{
			"gpu":      strconv.Itoa(gpuID),
			"basename": t.Basename,
			"input":    link,
			"outdir":   b.outDir,
		})
	return stage.Binding{
		Options:    opts,
		Positional: []string{link},
		Dir:        b.outDir,
		Outputs: map[string]string{
			RoleInput:  aligned,
			RoleCTFFit: base + ".ctf",
			RoleLog:    base + "_gctf.log",
			RoleEPALog: base + "_EPA.log",
			"ctfstar":  base + ".star",
		},
	}, nil
}

type parser struct {
	cutoff float64
}

// Parse extracts the final CTF fit, the EPA resolution, and the per-micrograph
// STAR row from a successful Gctf attempt.
func (p parser) Parse(_ context.Context, b stage.Binding, res toolrun.Result) (stage.Output, error) {
	logPath := b.Outputs[RoleLog]
	if err := os.WriteFile(logPath, []byte(res.Stdout), 0o644); err != nil {
		return stage.Output{}, fmt.Errorf("write gctf log: %w", err)
	}

	metrics, err := ParseFinalValues(res.Stdout)
	if err != nil {
		return stage.Output{}, err
	}

	ctfFit := b.Outputs[RoleCTFFit]
	if _, err := os.Stat(ctfFit); err != nil {
		return stage.Output{}, fmt.Errorf("ctf fit missing: %w", err)
	}

	epaPath := b.Outputs[RoleEPALog]
	epa, err := os.Open(epaPath)
	if err != nil {
		return stage.Output{}, fmt.Errorf("open EPA log: %w", err)
	}
	rows, err := ParseEPA(epa)
	_ = epa.Close()
	if err != nil {
		return stage.Output{}, err
	}
	resolution, err := ResolutionAt(rows, p.cutoff)
	if err != nil {
		return stage.Output{}, err
	}
	metrics[MetricResolution] = task.Number(resolution)

	if starPath := b.Outputs["ctfstar"]; starPath != "" {
		row, err := readCTFStar(starPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return stage.Output{}, err
		default:
			row[StarMicrographName] = b.Outputs[RoleInput]
			row[StarCTFImage] = ctfFit + ":mrc"
			for key, value := range row {
				metrics[key] = task.Text(value)
			}
			if err := os.Remove(starPath); err != nil {
				return stage.Output{}, fmt.Errorf("remove ctfstar: %w", err)
			}
		}
	}

	return stage.Output{
		Files: map[string]string{
			RoleCTFFit: ctfFit,
			RoleLog:    logPath,
			RoleEPALog: epaPath,
		},
		Metrics: metrics,
	}, nil
}

func readCTFStar(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCTFStar(f)
}
