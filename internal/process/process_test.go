//go:build !windows

package process

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func shSpec(name, script string) Spec {
	return Spec{Name: name, Command: "/bin/sh", Args: []string{"-c", script}}
}

func waitDone(t *testing.T, h *Handle, d time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(d):
		t.Fatalf("%s did not exit within %s", h.Name(), d)
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(Spec{Name: "ghost", Command: "/definitely/not/here/cloudflared"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrSpawn)

	_, err = Spawn(Spec{Name: "empty"})
	assert.ErrorIs(t, err, errdefs.ErrSpawn)
}

func TestSpawnCapturesStdoutAndStderrInOrder(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("echo", "echo one; sleep 0.05; echo two 1>&2; sleep 0.05; printf three"))
	require.NoError(t, err)
	assert.Equal(t, StateStarting, h.State())
	assert.Greater(t, h.PID(), 0)
	waitDone(t, h, 5*time.Second)

	lines := h.Logs().Lines()
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, []string{"one", "two", "three"}, lines[:3])
	assert.True(t, strings.HasPrefix(lines[3], "process exited: "))
}

func TestUnrequestedExitIsFailed(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("crash", "echo dial tcp: connection refused; exit 3"))
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, StateFailed, h.Poll())
	st := h.Snapshot()
	assert.Equal(t, 3, st.ExitCode)
	assert.False(t, st.Alive)
	assert.Contains(t, st.LastError, "exit status 3")
	assert.Contains(t, st.LastError, "connection refused")
}

func TestCleanExitWithoutStopIsStillFailed(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("quick", "true"))
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, 0, h.Snapshot().ExitCode)
	assert.NotEmpty(t, h.LastError())
}

func TestStopGracefulAndIdempotent(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("sleeper", "sleep 30"))
	require.NoError(t, err)
	assert.True(t, h.Alive())

	start := time.Now()
	require.NoError(t, h.Stop(2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, h.State())
	assert.Empty(t, h.LastError())
	assert.False(t, h.Alive())

	require.NoError(t, h.Stop(time.Second))
	assert.Equal(t, StateStopped, h.State())
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("stubborn", "trap '' TERM; echo armed; sleep 30"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Logs().Last() == "armed" }, 3*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.Stop(200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, StateStopped, h.State())
}

func TestStopKillsWholeGroup(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	h, err := Spawn(shSpec("group", "sleep 30 & echo $! > "+pidFile+"; wait"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		return err == nil && len(strings.TrimSpace(string(b))) > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Stop(time.Second))
	b, _ := os.ReadFile(pidFile)
	child, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !isAlive(child, 0) }, 3*time.Second, 20*time.Millisecond)
}

func TestStopBeforeReapKeepsFailure(t *testing.T) {
	requireUnix(t)
	// the background sleep holds stdout open, delaying the reaper
	h, err := Spawn(shSpec("early-exit", "sleep 30 & echo bye; exit 1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Poll() == StateFailed }, 3*time.Second, 10*time.Millisecond)
	select {
	case <-h.Done():
		t.Skip("reaper finished before Stop")
	default:
	}

	require.NoError(t, h.Stop(time.Second))
	assert.Equal(t, StateFailed, h.State())
	assert.Contains(t, h.LastError(), "exit status 1")
}

func TestPollReflectsExternalKill(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("victim", "sleep 30"))
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(h.PID(), syscall.SIGKILL))

	require.Eventually(t, func() bool { return h.Poll() == StateFailed }, 3*time.Second, 10*time.Millisecond)
	waitDone(t, h, 3*time.Second)
	assert.Contains(t, h.LastError(), "signal: killed")
}

func TestWaitReadyPromotesToRunning(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("ready", "echo booting; sleep 0.1; echo 'INF Registered tunnel connection'; sleep 30"))
	require.NoError(t, err)
	defer func() { _ = h.Stop(time.Second) }()

	d := detector.NewLogPattern(regexp.MustCompile(`Registered tunnel connection`), h.Logs())
	require.NoError(t, h.WaitReady(context.Background(), d, 5*time.Second))
	assert.Equal(t, StateRunning, h.State())
	assert.Equal(t, "running", h.Snapshot().State)
}

func TestWaitReadyTimeoutKillsAndFails(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("silent", "sleep 30"))
	require.NoError(t, err)

	d := detector.NewLogPattern(regexp.MustCompile(`never`), h.Logs())
	err = h.WaitReady(context.Background(), d, 150*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrProcessCrashed)
	waitDone(t, h, 3*time.Second)
	assert.Equal(t, StateFailed, h.State())
	assert.Contains(t, h.LastError(), "not ready within")
}

func TestWaitReadyExitBeforeReady(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("dies", "exit 1"))
	require.NoError(t, err)
	err = h.WaitReady(context.Background(), &detector.Delay{Duration: time.Hour}, 5*time.Second)
	assert.ErrorIs(t, err, errdefs.ErrProcessCrashed)
	assert.Equal(t, StateFailed, h.State())
}

func TestWaitReadyCancelledLeavesChildAlone(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(shSpec("cancel", "sleep 30"))
	require.NoError(t, err)
	defer func() { _ = h.Stop(time.Second) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = h.WaitReady(ctx, &detector.Delay{Duration: time.Hour}, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStarting, h.State())
	assert.True(t, h.Alive())
}

func TestLogCapacityBound(t *testing.T) {
	requireUnix(t)
	spec := shSpec("flood", "i=0; while [ $i -lt 500 ]; do i=$((i+1)); echo line$i; done")
	spec.LogCapacity = 50
	h, err := Spawn(spec)
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	lines := h.Logs().Lines()
	assert.Len(t, lines, 50)
	assert.Equal(t, "line500", lines[len(lines)-2])
}

func TestEnvWorkdirAndMirror(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	spec := shSpec("mirror", "echo $TK_VALUE; pwd")
	spec.Env = []string{"TK_VALUE=hello", "PATH=/usr/bin:/bin"}
	spec.WorkDir = dir
	spec.Log = logger.Config{File: logger.FileConfig{Dir: logs}}

	h, err := Spawn(spec)
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	lines := h.Logs().Lines()
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "hello", lines[0])
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, lines[1])

	b, err := os.ReadFile(filepath.Join(logs, "mirror.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
}

func TestRender(t *testing.T) {
	out := Render([]string{"tunnel", "run", "--token", "{token}", "{name}", "{unknown}"},
		map[string]string{"token": "abc", "name": "my-tunnel"})
	assert.Equal(t, []string{"tunnel", "run", "--token", "abc", "my-tunnel", "{unknown}"}, out)
	assert.Nil(t, Render(nil, nil))
}
