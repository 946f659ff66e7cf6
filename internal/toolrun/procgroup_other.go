//go:build !unix

package toolrun

import (
	"os"
	"os/exec"
)

func isolateProcessGroup(*exec.Cmd) {}

func terminatingSignal(*os.ProcessState) string { return "" }
