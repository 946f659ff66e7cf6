package toolrun_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mpiapp/internal/services"
	"mpiapp/internal/toolrun"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunClassifiesOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		reason toolrun.Reason
	}{
		{"success", `echo "Final Values"`, ""},
		{"non-zero exit", `echo partial; exit 3`, toolrun.ReasonNonZeroOrStderr},
		{"stderr output", `echo ok; echo "warning: bad header" >&2`, toolrun.ReasonNonZeroOrStderr},
		{"crash signature", `echo "Segmentation fault (core dumped)"`, toolrun.ReasonCrashSignature},
		{"signal", `kill -SEGV $$`, toolrun.ReasonCrashSignature},
	}
	runner := toolrun.New()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := runner.Run(context.Background(), toolrun.Invocation{
				Executable: writeScript(t, tc.script),
				Timeout:    5 * time.Second,
				Attempt:    1,
			})
			if tc.reason == "" {
				if !res.Success() {
					t.Fatalf("expected success, got %v", res.Failure)
				}
				if !strings.Contains(res.Stdout, "Final Values") {
					t.Fatalf("stdout not captured: %q", res.Stdout)
				}
				return
			}
			if res.Success() {
				t.Fatalf("expected failure %s, got success", tc.reason)
			}
			if res.Failure.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s (%v)", res.Failure.Reason, tc.reason, res.Failure)
			}
		})
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "survivor")
	script := writeScript(t, "(sleep 2; touch "+marker+") &\nsleep 30")

	start := time.Now()
	res := toolrun.New().Run(context.Background(), toolrun.Invocation{
		Executable: script,
		Timeout:    200 * time.Millisecond,
		Attempt:    1,
	})
	if res.Success() || res.Failure.Reason != toolrun.ReasonTimeout {
		t.Fatalf("expected timeout, got %+v", res.Failure)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	if !errors.Is(res.Failure, services.ErrTimeout) {
		t.Fatalf("expected timeout marker, got %v", res.Failure)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("background child survived the timeout kill")
	}
}

func TestRunIgnoresParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := toolrun.New().Run(ctx, toolrun.Invocation{
		Executable: writeScript(t, "sleep 0.1; echo done"),
		Timeout:    5 * time.Second,
	})
	if !res.Success() {
		t.Fatalf("attempt should run to completion despite cancelled parent: %v", res.Failure)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	res := toolrun.New().Run(context.Background(), toolrun.Invocation{
		Executable: filepath.Join(t.TempDir(), "missing"),
		Timeout:    time.Second,
	})
	if res.Success() || res.Failure.Reason != toolrun.ReasonNonZeroOrStderr {
		t.Fatalf("expected launch failure, got %+v", res.Failure)
	}
	if !errors.Is(res.Failure, services.ErrExternalTool) {
		t.Fatalf("expected external tool marker, got %v", res.Failure)
	}
}

func TestCustomCrashSignatures(t *testing.T) {
	res := toolrun.New().Run(context.Background(), toolrun.Invocation{
		Executable:      writeScript(t, `echo "Error: GPU memory allocation failed"`),
		Timeout:         time.Second,
		CrashSignatures: []string{"GPU memory allocation failed"},
	})
	if res.Success() || res.Failure.Reason != toolrun.ReasonCrashSignature {
		t.Fatalf("expected crash signature, got %+v", res.Failure)
	}
}

type panickyExecutor struct{}

func (panickyExecutor) Execute(context.Context, toolrun.Invocation) toolrun.Capture {
	panic("boom")
}

func TestRunRecoversExecutorPanic(t *testing.T) {
	res := toolrun.New(toolrun.WithExecutor(panickyExecutor{})).Run(context.Background(), toolrun.Invocation{Executable: "x"})
	if res.Success() {
		t.Fatal("expected failure after executor panic")
	}
	if !strings.Contains(res.Failure.Detail, "boom") {
		t.Fatalf("unexpected detail %q", res.Failure.Detail)
	}
}
