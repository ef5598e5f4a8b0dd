//go:build !windows

package shell

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

const (
	defaultShell = "/bin/sh"
	shellFlag    = "-c"
)

// configureSysProcAttr starts the child in a new session so it survives the
// supervisor's exit and does not receive signals sent to our process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// killGroup sends SIGKILL to the process group led by p. A group that is
// already gone is not an error.
func killGroup(p *os.Process) error {
	if p == nil || p.Pid <= 0 {
		return nil
	}
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// fall back to the leader alone
	if kerr := p.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		return kerr
	}
	return nil
}
