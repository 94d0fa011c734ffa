//go:build windows

package httpstream

import (
	"fmt"
	"os/exec"
	"time"
)

// setProcessGroup is a no-op on Windows; terminateGroup uses taskkill's
// process-tree flag instead of a POSIX process group.
func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int, exited <-chan struct{}, grace time.Duration) {
	_ = exec.Command("taskkill", "/T", "/F", "/PID", fmt.Sprintf("%d", pid)).Run()
}
