package main

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"mpiapp/internal/preflight"
	"mpiapp/internal/stage"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Gctf", statusError, "not found", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Gctf:", "[ERROR] not found")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("MotionCor2", statusOK, "/usr/bin/MotionCor2", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestPreflightLines(t *testing.T) {
	results := []preflight.Result{
		{Name: "Watch directory", Passed: true, Detail: "/data/in"},
		{Name: "Gctf", Passed: false, Detail: "binary not found"},
	}
	lines := preflightLines(results, false)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "[OK]") || !strings.Contains(lines[1], "[ERROR]") {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if !strings.Contains(lines[2], "1 of 2 checks failed") {
		t.Fatalf("unexpected summary: %q", lines[2])
	}
	if got := preflightLines(nil, false); !strings.Contains(got[0], "[WARN]") {
		t.Fatalf("expected warning summary for no checks, got %v", got)
	}
}

func TestStageHealthLines(t *testing.T) {
	lines := stageHealthLines([]stage.Health{
		{Name: "motioncor", Ready: true, Detail: "/opt/bin/MotionCor2, 3 trials, 10m0s timeout"},
		{Name: "gctf", Detail: "Gctf not found on PATH"},
	}, false)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "Motioncor:") || !strings.Contains(lines[0], "[OK]") {
		t.Fatalf("unexpected ready line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "Gctf:") || !strings.Contains(lines[1], "[ERROR] Gctf not found on PATH") {
		t.Fatalf("unexpected failing line: %q", lines[1])
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatal("expected non-file writer to disable color")
	}
}
