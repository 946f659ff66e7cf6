package gctf

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mpiapp/internal/config"
	"mpiapp/internal/task"
	"mpiapp/internal/toolrun"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.WatchDir = t.TempDir()
	cfg.Paths.OutputDir = t.TempDir()
	cfg.Microscope.PixelSize = 0.5
	cfg.MotionCor.Options = map[string]any{"FtBin": int64(2)}
	cfg.Gctf.Options = map[string]any{"do_EPA": true, "resH": 3.5}
	return &cfg
}

func alignedTask(t *testing.T, cfg *config.Config) *task.Task {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.MotionCorDir(), 0o755))
	aligned := filepath.Join(cfg.MotionCorDir(), "mic_1.mrc")
	require.NoError(t, os.WriteFile(aligned, []byte("aligned"), 0o644))
	tk := task.New(task.NewSequence(0), "/data/mic_1.tif", time.Now())
	require.NoError(t, tk.Register(RoleInput, aligned))
	return tk
}

func TestResolveOptionsScalesPixelSizeByBinning(t *testing.T) {
	opts, err := ResolveOptions(testConfig(t))
	require.NoError(t, err)
	apix, _ := opts.Get("apix")
	cs, _ := opts.Get("cs")
	epa, _ := opts.Get("do_EPA")
	require.Equal(t, "1", apix)
	require.Equal(t, "2.7", cs)
	require.Equal(t, "1", epa)
}

func TestBindLinksInputAndReservesKeys(t *testing.T) {
	cfg := testConfig(t)
	static, err := ResolveOptions(cfg)
	require.NoError(t, err)
	tk := alignedTask(t, cfg)
	b := binder{outDir: cfg.GctfDir()}

	for range 2 {
		binding, err := b.Bind(tk, 4, static)
		require.NoError(t, err)

		link := filepath.Join(cfg.GctfDir(), "mic_1.mrc")
		require.Equal(t, []string{link}, binding.Positional)
		target, err := os.Readlink(link)
		require.NoError(t, err)
		require.Equal(t, filepath.Join(cfg.MotionCorDir(), "mic_1.mrc"), target)

		gid, _ := binding.Options.Get("gid")
		star, _ := binding.Options.Get("ctfstar")
		require.Equal(t, "4", gid)
		require.Equal(t, filepath.Join(cfg.GctfDir(), "mic_1.star"), star)
	}
}

func TestBindExpandsPlaceholders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gctf.Extra = map[string]any{
		"logsuffix": "{basename}_gpu{gpu}",
		"refdir":    "{outdir}",
		"source":    "{input}",
	}
	static, err := ResolveOptions(cfg)
	require.NoError(t, err)
	tk := alignedTask(t, cfg)

	binding, err := binder{outDir: cfg.GctfDir()}.Bind(tk, 3, static)
	require.NoError(t, err)
	suffix, _ := binding.Options.Get("logsuffix")
	refdir, _ := binding.Options.Get("refdir")
	source, _ := binding.Options.Get("source")
	require.Equal(t, "mic_1_gpu3", suffix)
	require.Equal(t, cfg.GctfDir(), refdir)
	require.Equal(t, filepath.Join(cfg.GctfDir(), "mic_1.mrc"), source)
}

func TestParseCollectsMetricsAndStarRow(t *testing.T) {
	cfg := testConfig(t)
	static, err := ResolveOptions(cfg)
	require.NoError(t, err)
	tk := alignedTask(t, cfg)
	binding, err := binder{outDir: cfg.GctfDir()}.Bind(tk, 0, static)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(binding.Outputs[RoleCTFFit], []byte("ctf"), 0o644))
	require.NoError(t, os.WriteFile(binding.Outputs[RoleEPALog], []byte(epaLog), 0o644))
	require.NoError(t, os.WriteFile(binding.Outputs["ctfstar"], []byte(ctfStar), 0o644))

	out, err := parser{cutoff: 0.75}.Parse(context.Background(), binding, toolrun.Result{Stdout: gctfStdout})
	require.NoError(t, err)

	resolution, _ := out.Metrics[MetricResolution].Float()
	require.Equal(t, 5.0, resolution)
	require.Equal(t, binding.Outputs[RoleInput], out.Metrics[StarMicrographName].String())
	require.Equal(t, binding.Outputs[RoleCTFFit]+":mrc", out.Metrics[StarCTFImage].String())
	defocus, ok := out.Metrics["_rlnDefocusU #3"].Float()
	require.True(t, ok)
	require.Equal(t, 21014.82, defocus)
	require.Equal(t, "300.0", out.Metrics["_rlnVoltage #6"].String(), "star cells keep their literal text")

	_, err = os.Stat(binding.Outputs["ctfstar"])
	require.True(t, os.IsNotExist(err), "ctfstar is removed after parsing")

	logData, err := os.ReadFile(out.Files[RoleLog])
	require.NoError(t, err)
	require.Equal(t, gctfStdout, string(logData))
	require.Len(t, out.Files, 3)
}

func TestParseWithoutStarFile(t *testing.T) {
	cfg := testConfig(t)
	tk := alignedTask(t, cfg)
	static, err := ResolveOptions(cfg)
	require.NoError(t, err)
	binding, err := binder{outDir: cfg.GctfDir()}.Bind(tk, 0, static)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(binding.Outputs[RoleCTFFit], []byte("ctf"), 0o644))
	require.NoError(t, os.WriteFile(binding.Outputs[RoleEPALog], []byte(epaLog), 0o644))

	out, err := parser{cutoff: 0.75}.Parse(context.Background(), binding, toolrun.Result{Stdout: gctfStdout})
	require.NoError(t, err)
	_, ok := out.Metrics[StarMicrographName]
	require.False(t, ok)
}

func TestParseFailsOnMissingEPALog(t *testing.T) {
	cfg := testConfig(t)
	tk := alignedTask(t, cfg)
	static, err := ResolveOptions(cfg)
	require.NoError(t, err)
	binding, err := binder{outDir: cfg.GctfDir()}.Bind(tk, 0, static)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(binding.Outputs[RoleCTFFit], []byte("ctf"), 0o644))

	_, err = parser{cutoff: 0.75}.Parse(context.Background(), binding, toolrun.Result{Stdout: gctfStdout})
	require.Error(t, err)
}

func TestNewRequiresAlignedInput(t *testing.T) {
	st, err := New(testConfig(t), toolrun.New())
	require.NoError(t, err)
	require.Equal(t, []string{RoleInput}, st.Requires())
}
