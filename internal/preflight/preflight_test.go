package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mpiapp/internal/config"
	"mpiapp/internal/services"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryReadable("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func stubTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyPassesWithToolsAndDirectories(t *testing.T) {
	bin := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WatchDir = t.TempDir()
	cfg.Paths.OutputDir = t.TempDir()
	cfg.MotionCor.Executable = stubTool(t, bin, "MotionCor2")
	cfg.Gctf.Executable = stubTool(t, bin, "Gctf")

	results, err := Verify(context.Background(), &cfg, true)
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
}

func TestVerifyReportsStartupError(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.WatchDir = filepath.Join(t.TempDir(), "missing")
	cfg.Paths.OutputDir = t.TempDir()
	cfg.MotionCor.Executable = "definitely-not-motioncor"
	cfg.Gctf.Executable = stubTool(t, t.TempDir(), "Gctf")

	_, err := Verify(context.Background(), &cfg, true)
	if !errors.Is(err, services.ErrStartup) {
		t.Fatalf("expected startup error, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "Watch directory") || !strings.Contains(msg, "MotionCor2") {
		t.Fatalf("expected both failures named, got %q", msg)
	}
	if strings.Contains(msg, "Gctf:") {
		t.Fatalf("Gctf should pass, got %q", msg)
	}
}

func TestRunAllSkipsWatchDirInBatchMode(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.OutputDir = t.TempDir()
	for _, r := range RunAll(context.Background(), &cfg, false) {
		if r.Name == "Watch directory" {
			t.Fatal("watch directory checked in batch mode")
		}
	}
}
