//go:build !windows

package httpstream

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts cmd in its own process group so terminateGroup can
// signal the whole tree a spawned backend may have forked, not just the
// immediate child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the process group of pid, falling back to
// SIGKILL on the group after grace if it hasn't exited.
func terminateGroup(pid int, exited <-chan struct{}, grace time.Duration) {
	_ = unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-exited:
	case <-time.After(grace):
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
}
