//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

func setDaemonSysProcAttr(cmd *exec.Cmd) {
	// No session detach needed on Windows.
}

// processExists has no kill(pid, 0) equivalent here, so a positive pid is
// taken as alive; callers hitting a dead daemon see connection refused.
func processExists(pid int) bool {
	return pid > 0
}

func signalTerm(proc *os.Process) error {
	// No SIGTERM on Windows; terminate outright.
	return proc.Kill()
}
