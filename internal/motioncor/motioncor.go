// Package motioncor adapts MotionCor2 beam-induced motion correction as the
// first pipeline stage.
//
// The stage renders options as "-Key value" pairs, binds Gpu, the input flag,
// and OutMrc per attempt, and writes the tool's stdout to
// <base>_DriftCorr.log next to the aligned micrograph. It produces file roles
// only; no metrics.
package motioncor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mpiapp/internal/config"
	"mpiapp/internal/stage"
	"mpiapp/internal/stageopts"
	"mpiapp/internal/task"
	"mpiapp/internal/toolrun"
)

// StageName is the pipeline name of this stage.
const StageName = "motioncor"

// File roles registered on success.
const (
	RoleAlignedNoDW = "motioncor_aligned_no_DW"
	RoleAlignedDW   = "motioncor_aligned_DW"
	RoleLog         = "motioncor_log"
)

// Schema lists the MotionCor2 options mpiapp validates. Gpu, the input flag,
// and OutMrc are bound per attempt.
var Schema = stageopts.Schema{
	Stage: StageName,
	Fields: []stageopts.Field{
		{Name: "kV", Kind: stageopts.Float, Required: true},
		{Name: "PixSize", Kind: stageopts.Float, Required: true},
		{Name: "FmDose", Kind: stageopts.Float},
		{Name: "FtBin", Kind: stageopts.Float},
		{Name: "Patch", Kind: stageopts.String},
		{Name: "Iter", Kind: stageopts.Int},
		{Name: "Tol", Kind: stageopts.Float},
		{Name: "Bft", Kind: stageopts.String},
		{Name: "Gain", Kind: stageopts.String},
		{Name: "Dark", Kind: stageopts.String},
		{Name: "RotGain", Kind: stageopts.Int},
		{Name: "FlipGain", Kind: stageopts.Int},
		{Name: "Throw", Kind: stageopts.Int},
		{Name: "Trunc", Kind: stageopts.Int},
		{Name: "Group", Kind: stageopts.Int},
		{Name: "Mag", Kind: stageopts.String},
		{Name: "InFmMotion", Kind: stageopts.Bool},
		{Name: "GpuMemUsage", Kind: stageopts.Float},
		{Name: "Gpu", Kind: stageopts.Int, Reserved: true},
		{Name: "InTiff", Kind: stageopts.String, Reserved: true},
		{Name: "InMrc", Kind: stageopts.String, Reserved: true},
		{Name: "InEer", Kind: stageopts.String, Reserved: true},
		{Name: "OutMrc", Kind: stageopts.String, Reserved: true},
	},
}

// New builds the MotionCor2 stage from configuration.
func New(cfg *config.Config, runner stage.Runner, opts ...stage.Option) (*stage.Stage, error) {
	static, err := ResolveOptions(cfg)
	if err != nil {
		return nil, err
	}
	return stage.New(stage.Spec{
		Name:            StageName,
		Executable:      cfg.MotionCor.Executable,
		Produces:        []string{RoleAlignedNoDW, RoleAlignedDW, RoleLog},
		Options:         static,
		FlagPrefix:      "-",
		Trials:          cfg.MotionCor.Trials,
		Timeout:         cfg.MotionCor.Timeout(),
		CrashSignatures: cfg.MotionCor.CrashSignatures,
		Binder:          binder{outDir: cfg.MotionCorDir()},
		Parser:          parser{},
	}, runner, opts...)
}

// ResolveOptions validates the configured options with the shared microscope
// parameters injected.
func ResolveOptions(cfg *config.Config) (stageopts.Options, error) {
	return Schema.Resolve(cfg.MotionCor.Options, cfg.MotionCor.Extra, map[string]any{
		"kV":      cfg.Microscope.VoltageKV,
		"PixSize": cfg.Microscope.PixelSize,
		"FmDose":  cfg.Microscope.DosePerFrame,
	})
}

type binder struct {
	outDir string
}

func (b binder) Bind(t *task.Task, gpuID int, static stageopts.Options) (stage.Binding, error) {
	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return stage.Binding{}, fmt.Errorf("create motioncor directory: %w", err)
	}
	base := filepath.Join(b.outDir, t.Basename)
	opts := static.
		With("Gpu", strconv.Itoa(gpuID)).
		With(inputFlag(t.SourcePath), t.SourcePath).
		With("OutMrc", base+".mrc").
		Expand(map[string]string{
			"gpu":      strconv.Itoa(gpuID),
			"basename": t.Basename,
			"input":    t.SourcePath,
			"outdir":   b.outDir,
		})
	return stage.Binding{
		Options: opts,
		Dir:     b.outDir,
		Outputs: map[string]string{
			RoleAlignedNoDW: base + ".mrc",
			RoleAlignedDW:   base + "_DW.mrc",
			RoleLog:         base + "_DriftCorr.log",
		},
	}, nil
}

func inputFlag(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mrc", ".mrcs":
		return "InMrc"
	case ".eer":
		return "InEer"
	default:
		return "InTiff"
	}
}

type parser struct{}

// Parse persists stdout as the drift log and confirms the aligned output exists.
// The dose-weighted file is only registered when MotionCor2 wrote one.
func (parser) Parse(_ context.Context, b stage.Binding, res toolrun.Result) (stage.Output, error) {
	aligned := b.Outputs[RoleAlignedNoDW]
	if _, err := os.Stat(aligned); err != nil {
		return stage.Output{}, fmt.Errorf("aligned micrograph missing: %w", err)
	}
	logPath := b.Outputs[RoleLog]
	if err := os.WriteFile(logPath, []byte(res.Stdout), 0o644); err != nil {
		return stage.Output{}, fmt.Errorf("write drift log: %w", err)
	}
	files := map[string]string{
		RoleAlignedNoDW: aligned,
		RoleLog:         logPath,
	}
	if dw := b.Outputs[RoleAlignedDW]; dw != "" {
		if _, err := os.Stat(dw); err == nil {
			files[RoleAlignedDW] = dw
		}
	}
	return stage.Output{Files: files}, nil
}
