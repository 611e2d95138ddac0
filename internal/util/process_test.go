package util

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntil(t *testing.T) {
	t.Parallel()

	t.Run("immediate", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := PollUntil(context.Background(), PollConfig{}, func() bool { calls++; return true })
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("eventually", func(t *testing.T) {
		t.Parallel()
		calls := 0
		cfg := PollConfig{Timeout: time.Second, Interval: time.Millisecond}
		err := PollUntil(context.Background(), cfg, func() bool { calls++; return calls == 3 })
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		cfg := PollConfig{Timeout: 20 * time.Millisecond, Interval: 5 * time.Millisecond}
		err := PollUntil(context.Background(), cfg, func() bool { return false })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := PollUntil(ctx, PollConfig{Interval: time.Millisecond}, func() bool { return false })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()

	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}

// startSleeper runs a long sleep and reports whether it is still alive.
func startSleeper(t *testing.T) (int, func() bool) {
	t.Helper()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() { cmd.Process.Kill() })

	return cmd.Process.Pid, func() bool {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
}

func TestStopProcess(t *testing.T) {
	t.Parallel()

	t.Run("graceful", func(t *testing.T) {
		t.Parallel()
		pid, running := startSleeper(t)
		terminate := func() error { return syscall.Kill(pid, syscall.SIGTERM) }

		cfg := ProcessConfig{GracefulTimeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}
		require.NoError(t, StopProcess(context.Background(), pid, cfg, terminate, running))
		assert.False(t, running())
	})

	t.Run("forced", func(t *testing.T) {
		t.Parallel()
		pid, running := startSleeper(t)

		cfg := ProcessConfig{GracefulTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}
		require.NoError(t, StopProcess(context.Background(), pid, cfg, nil, running))
		assert.False(t, running())
	})
}
