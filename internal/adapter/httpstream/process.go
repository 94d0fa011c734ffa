package httpstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// portSearchRange bounds the ±N port probe described in §4.5.
const portSearchRange = 10

// startTimeout bounds how long process startup waits for the "listening on"
// marker before giving up.
const startTimeout = 15 * time.Second

// ProcessConfig configures an optionally backend-managed HTTP server.
type ProcessConfig struct {
	Command       string
	Args          func(port int, directory string) []string
	PreferredPort int
	// ListeningPattern matches a line on the child's stdout once the
	// backend is ready to serve (the "listening on URL" marker).
	ListeningPattern *regexp.Regexp
	HealthPath       string // e.g. "/provider"
}

// supervisor owns the lifecycle of a backend process the adapter spawns
// itself, as opposed to one already running that the adapter merely attaches
// to. Cross-platform teardown follows Design Notes §9: SIGTERM then SIGKILL
// on Unix, tree-kill via taskkill on Windows since a shell-invoked child does
// not receive signals sent to the shell.
type supervisor struct {
	cfg    ProcessConfig
	logger *zap.Logger

	cmd    *exec.Cmd
	port   int
	baseURL string
	exited  chan struct{}
	exitErr error
}

func newSupervisor(cfg ProcessConfig, logger *zap.Logger) *supervisor {
	return &supervisor{cfg: cfg, logger: logger, exited: make(chan struct{})}
}

// acquirePort implements §4.5's port-acquisition algorithm: try the
// preferred port; if occupied, probe whether it's already a healthy
// instance of the expected backend (attach instead of spawning a
// duplicate); otherwise search ±N ports for a free one, reclaiming an
// orphaned port via fuser (Unix) or PowerShell Stop-Process (Windows) if
// every candidate is stuck.
func acquirePort(ctx context.Context, cfg ProcessConfig, logger *zap.Logger) (port int, attach bool, err error) {
	if isPortFree(cfg.PreferredPort) {
		return cfg.PreferredPort, false, nil
	}

	if healthy := probeHealthy(ctx, cfg.PreferredPort, cfg.HealthPath); healthy {
		logger.Info("attaching to existing healthy instance", zap.Int("port", cfg.PreferredPort))
		return cfg.PreferredPort, true, nil
	}

	for delta := 1; delta <= portSearchRange; delta++ {
		for _, candidate := range []int{cfg.PreferredPort + delta, cfg.PreferredPort - delta} {
			if candidate <= 0 {
				continue
			}
			if isPortFree(candidate) {
				return candidate, false, nil
			}
		}
	}

	// Every candidate is stuck: assume the preferred port was orphaned by a
	// prior crash and try to reclaim it.
	if err := reclaimPort(cfg.PreferredPort, logger); err != nil {
		return 0, false, fmt.Errorf("httpstream: reclaim port %d: %w", cfg.PreferredPort, err)
	}
	if isPortFree(cfg.PreferredPort) {
		return cfg.PreferredPort, false, nil
	}
	return 0, false, fmt.Errorf("httpstream: no free port found within ±%d of %d", portSearchRange, cfg.PreferredPort)
}

func isPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func probeHealthy(ctx context.Context, port int, healthPath string) bool {
	if healthPath == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// reclaimPort kills whatever holds port, using platform-appropriate tools
// per Design Notes §9.
func reclaimPort(port int, logger *zap.Logger) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		script := fmt.Sprintf("Get-NetTCPConnection -LocalPort %d | ForEach-Object { Stop-Process -Id $_.OwningProcess -Force }", port)
		cmd = exec.Command("powershell", "-NoProfile", "-Command", script)
	} else {
		cmd = exec.Command("fuser", "-k", fmt.Sprintf("%d/tcp", port))
	}
	if err := cmd.Run(); err != nil {
		logger.Warn("reclaim port command failed", zap.Int("port", port), zap.Error(err))
	}
	time.Sleep(300 * time.Millisecond)
	return nil
}

// start spawns the backend with a clean environment (§6) and waits for its
// stdout to report readiness. env overrides the process environment
// entirely if non-nil.
func (s *supervisor) start(ctx context.Context, port int, directory string, env []string) error {
	args := s.cfg.Args(port, directory)
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	cmd.Env = env
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("httpstream: create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("httpstream: start %q: %w", s.cfg.Command, err)
	}
	s.cmd = cmd
	s.port = port
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)

	ready := make(chan struct{})
	go s.watchStdout(stdout, ready)
	go s.waitExit()

	select {
	case <-ready:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("httpstream: %q did not report ready within %s", s.cfg.Command, startTimeout)
	case <-s.exited:
		return fmt.Errorf("httpstream: process exited before becoming ready: %w", s.exitErr)
	}
}

// watchStdout scans the child's stdout for the ready marker, closing ready
// exactly once when found. The scan continues afterward (draining to
// /dev/null in effect) so the child never blocks on a full stdout pipe.
func (s *supervisor) watchStdout(stdout io.Reader, ready chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug("child stdout", zap.String("line", line))
		if !found && s.cfg.ListeningPattern != nil && s.cfg.ListeningPattern.MatchString(line) {
			found = true
			close(ready)
		}
	}
}

func (s *supervisor) waitExit() {
	err := s.cmd.Wait()
	s.exitErr = err
	close(s.exited)
}

// baseURLOf returns the base URL the adapter talks to.
func (s *supervisor) baseURLOf() string { return s.baseURL }

// terminate tears down a spawned child process across platforms, including
// any children it forked of its own (setProcessGroup/terminateGroup,
// process_unix.go / process_windows.go).
func (s *supervisor) terminate() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	terminateGroup(s.cmd.Process.Pid, s.exited, 3*time.Second)
}

