//go:build windows

package executor

import (
	"os"
	"os/exec"
)

func configureCommandProcess(cmd *exec.Cmd) {}

func terminateCommandProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func killProcessGroup(cmd *exec.Cmd) {}

func exitSignal(state *os.ProcessState) string {
	return ""
}
