package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessConfig configures process management behavior.
type ProcessConfig struct {
	GracefulTimeout time.Duration // Time to wait for graceful shutdown (default: 10s)
	PollInterval    time.Duration // Polling interval for process state (default: 100ms)
}

// StartDetached re-executes the current binary with args in its own session
// and waits until ready reports true.
func StartDetached(ctx context.Context, args []string, cfg PollConfig, ready func() bool) (*os.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // detach from the terminal
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// Reap the child so an early exit is visible to ready
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	err = PollUntil(ctx, cfg, func() bool {
		select {
		case <-exited:
			return true
		default:
			return ready()
		}
	})
	select {
	case <-exited:
		return nil, fmt.Errorf("process exited during startup")
	default:
	}
	if err != nil {
		return nil, fmt.Errorf("process (PID %d) not ready: %w", cmd.Process.Pid, err)
	}
	return cmd.Process, nil
}

// StopProcess asks a process to stop via terminate, then force kills it if
// isRunning still reports true after the graceful timeout.
func StopProcess(ctx context.Context, pid int, cfg ProcessConfig, terminate func() error, isRunning func() bool) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	if terminate != nil {
		// A failed request still ends in SIGKILL below
		_ = terminate()
	}

	stopped := func() bool { return !isRunning() }
	if PollUntil(ctx, PollConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}, stopped) == nil {
		return nil
	}

	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
	if PollUntil(ctx, PollConfig{Timeout: 500 * time.Millisecond, Interval: cfg.PollInterval}, stopped) != nil {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	return proc.Signal(syscall.Signal(0)) == nil
}
