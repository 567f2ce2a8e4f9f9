//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(grace time.Duration) *Supervisor {
	return New(grace, zerolog.Nop())
}

func shell(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func drain(h *Handle) []Line {
	var lines []Line
	for line := range h.Lines() {
		lines = append(lines, line)
	}
	return lines
}

func waitFor(t *testing.T, h *Handle, within time.Duration) ExitResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(within):
		t.Fatalf("worker did not exit within %s", within)
		return ExitResult{}
	}
}

func TestStartCapturesBothStreams(t *testing.T) {
	sup := newTestSupervisor(time.Second)
	h, err := sup.Start(context.Background(), shell(`echo "[STAT:a=1]"; echo "oops" >&2; printf "tail"`))
	require.NoError(t, err)

	lines := drain(h)
	res := waitFor(t, h, 5*time.Second)

	require.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Cancelled)
	assert.Equal(t, "[STAT:a=1]\ntail", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Contains(t, lines, Line{Stream: Stdout, Text: "[STAT:a=1]"})
	assert.Contains(t, lines, Line{Stream: Stderr, Text: "oops"})
	assert.Contains(t, lines, Line{Stream: Stdout, Text: "tail"}, "unterminated last line must be flushed")
}

func TestNonZeroExitCode(t *testing.T) {
	sup := newTestSupervisor(time.Second)
	h, err := sup.Start(context.Background(), shell(`echo boom >&2; exit 3`))
	require.NoError(t, err)

	drain(h)
	res := waitFor(t, h, 5*time.Second)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Cancelled)
	assert.Equal(t, "boom\n", res.Combined())
}

func TestSpawnFailure(t *testing.T) {
	sup := newTestSupervisor(time.Second)
	h, err := sup.Start(context.Background(), Command{Path: "/nonexistent/seek-worker"})

	require.Nil(t, h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn))
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "/nonexistent/seek-worker", spawnErr.Path)
}

func TestCancelGraceful(t *testing.T) {
	sup := newTestSupervisor(2 * time.Second)
	h, err := sup.Start(context.Background(), shell(`trap 'exit 0' TERM; echo ready; while true; do sleep 0.05; done`))
	require.NoError(t, err)

	line := <-h.Lines()
	require.Equal(t, "ready", line.Text)

	h.Cancel()
	assert.NotEqual(t, StateActive, h.State())
	drain(h)
	res := waitFor(t, h, 3*time.Second)

	assert.True(t, res.Cancelled)
	assert.False(t, res.Killed)
	assert.Equal(t, ExitCodeCancelled, res.ExitCode, "exit code is normalized even though the worker exited 0")
	assert.Equal(t, StateAcknowledged, h.State())
}

func TestCancelEscalatesToKill(t *testing.T) {
	grace := 300 * time.Millisecond
	sup := newTestSupervisor(grace)
	h, err := sup.Start(context.Background(), shell(`trap '' TERM; echo ready; while true; do :; done`))
	require.NoError(t, err)
	<-h.Lines()

	started := time.Now()
	h.Cancel()
	drain(h)
	res := waitFor(t, h, grace+3*time.Second)

	assert.True(t, res.Cancelled)
	assert.True(t, res.Killed)
	assert.Equal(t, ExitCodeCancelled, res.ExitCode)
	assert.Less(t, time.Since(started), grace+2*time.Second)

	// 回収済みなのでプロセスグループは残っていない
	err = syscall.Kill(-h.PID(), 0)
	assert.ErrorIs(t, err, syscall.ESRCH)
}

func TestCancelStopsIngestion(t *testing.T) {
	sup := newTestSupervisor(2 * time.Second)
	h, err := sup.Start(context.Background(), shell(`trap 'echo after-stop; exit 0' TERM; while true; do echo tick; sleep 0.05; done`))
	require.NoError(t, err)

	first := <-h.Lines()
	require.Equal(t, "tick", first.Text)

	h.Cancel()
	rest := drain(h)
	res := waitFor(t, h, 3*time.Second)

	for _, line := range rest {
		assert.NotEqual(t, "after-stop", line.Text)
	}
	assert.NotContains(t, res.Stdout, "after-stop")
	assert.NotContains(t, h.Stdout(), "after-stop")
}

func TestContextCancelReapsChild(t *testing.T) {
	sup := newTestSupervisor(500 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := sup.Start(ctx, shell(`echo ready; while true; do :; done`))
	require.NoError(t, err)
	<-h.Lines()

	cancel()
	drain(h)
	res := waitFor(t, h, 3*time.Second)

	assert.True(t, res.Cancelled)
	assert.ErrorIs(t, syscall.Kill(-h.PID(), 0), syscall.ESRCH)
}

func TestCancelAfterExitIsNoop(t *testing.T) {
	sup := newTestSupervisor(time.Second)
	h, err := sup.Start(context.Background(), shell(`exit 0`))
	require.NoError(t, err)
	drain(h)
	res := waitFor(t, h, 3*time.Second)

	h.Cancel()
	h.Cancel()

	assert.False(t, h.Wait().Cancelled)
	assert.Equal(t, res, h.Wait())
}
