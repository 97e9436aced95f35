//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

// setProcGroup is a no-op on Windows; there are no POSIX process groups.
func setProcGroup(_ *exec.Cmd) {}

// terminateProcessGroup kills the process. Windows has no SIGTERM.
func terminateProcessGroup(p *os.Process) error {
	return p.Kill()
}

// killProcessGroup kills the process.
func killProcessGroup(p *os.Process) error {
	return p.Kill()
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return 1
}
