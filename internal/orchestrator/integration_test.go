//go:build !windows

package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/store"
	"github.com/loykin/tunnelkeeper/internal/tunnel"
	"github.com/loykin/tunnelkeeper/internal/webserver"
)

const siteEnv = "TUNNELKEEPER_TEST_SITE"

func TestMain(m *testing.M) {
	if os.Getenv(siteEnv) == "1" {
		port := 0
		for i, a := range os.Args {
			if a == "--port" && i+1 < len(os.Args) {
				port, _ = strconv.Atoi(os.Args[i+1])
			}
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		if err := webserver.RunSite(ctx, "", port, nil); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const fakeTunnelScript = `#!/bin/sh
echo "INF token=$TUNNEL_TOKEN"
echo "INF https://pair-test.trycloudflare.com"
echo "INF Registered tunnel connection connIndex=0"
if [ -n "$HOLD_OUTPUT" ]; then
	sleep 30 &
fi
if [ -n "$CRASH_AFTER" ]; then
	sleep "$CRASH_AFTER"
	echo "ERR connection lost" 1>&2
	exit 1
fi
exec sleep 30
`

func realOrchestrator(t *testing.T, tunnelEnv ...string) (*Orchestrator, *tunnel.Manager, *webserver.Manager) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "cloudflared")
	require.NoError(t, os.WriteFile(bin, []byte(fakeTunnelScript), 0o755))

	st, err := store.Open(filepath.Join(dir, "config.json"), nil)
	require.NoError(t, err)
	cfg := store.Default()
	cfg.WebServerPort = 0
	_, err = st.Update(cfg)
	require.NoError(t, err)

	ts := config.Default().Tunnel
	ts.Binary = bin
	ts.Env = append(ts.Env, tunnelEnv...)
	ts.StopGrace = 2 * time.Second
	tm, err := tunnel.New(tunnel.Options{Settings: ts, Config: st})
	require.NoError(t, err)

	ws := config.Default().WebServer
	ws.Env = []string{siteEnv + "=1"}
	ws.StopGrace = 3 * time.Second
	wm, err := webserver.New(webserver.Options{Settings: ws, Executable: os.Args[0]})
	require.NoError(t, err)

	o, err := New(Options{Tunnel: tm, WebServer: wm, Store: st})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o, tm, wm
}

func waitBothRunning(t *testing.T, tm *tunnel.Manager, wm *webserver.Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tm.State() == tunnel.StateRunning && wm.State() == webserver.StateRunning
	}, 10*time.Second, 20*time.Millisecond)
}

func TestPairTornDownWhenWebServerKilled(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	o, tm, wm := realOrchestrator(t)
	res, err := o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	require.Empty(t, res.WebServerError)
	require.Greater(t, res.WebServer.Port, 0)
	waitBothRunning(t, tm, wm)

	ts := o.GetTunnelStatus(context.Background())
	require.True(t, ts.Running)
	assert.Equal(t, "https://pair-test.trycloudflare.com", ts.TunnelURL)
	require.True(t, o.Armed())

	require.NoError(t, syscall.Kill(wm.PID(), syscall.SIGKILL))
	require.Eventually(t, func() bool {
		return !o.GetTunnelStatus(context.Background()).Running
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, o.GetWebServerStatus(context.Background()).Running)
	assert.Zero(t, tm.PID())
	assert.Zero(t, wm.PID())
}

func TestTunnelCrashStopsWebServerAndIsReportedOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	o, tm, wm := realOrchestrator(t, "CRASH_AFTER=1")
	_, err := o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	waitBothRunning(t, tm, wm)

	require.Eventually(t, func() bool {
		return tm.State() == tunnel.StateIdle && wm.State() == webserver.StateStopped
	}, 10*time.Second, 20*time.Millisecond, "crash hook stops both")

	assert.False(t, o.GetTunnelStatus(context.Background()).Running)
	msg := o.GetLastTunnelError()
	assert.Contains(t, msg, "exit status 1")
	assert.Contains(t, msg, "connection lost")
	assert.Empty(t, o.GetLastTunnelError())
}

func TestCrashSeenByPollIsStillReported(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	// the background sleep keeps the tunnel's output open, so status polls
	// see the dead child well before it is reaped
	o, tm, wm := realOrchestrator(t, "CRASH_AFTER=1.5", "HOLD_OUTPUT=1")
	_, err := o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	waitBothRunning(t, tm, wm)

	require.Eventually(t, func() bool {
		ts := o.GetTunnelStatus(context.Background())
		return !ts.Running && tm.State() == tunnel.StateIdle && wm.State() == webserver.StateStopped
	}, 10*time.Second, 2*time.Millisecond)

	msg := o.GetLastTunnelError()
	assert.Contains(t, msg, "exit status 1")
	assert.Contains(t, msg, "connection lost")
	assert.False(t, o.GetWebServerStatus(context.Background()).Running)
}

func TestStopAllTwiceWithRealProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	o, tm, wm := realOrchestrator(t)
	_, err := o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)

	require.NoError(t, o.StopAll(context.Background()))
	require.NoError(t, o.StopAll(context.Background()))
	assert.Equal(t, tunnel.StateIdle, tm.State())
	assert.Equal(t, webserver.StateStopped, wm.State())
	assert.Zero(t, tm.PID())
	assert.Zero(t, wm.PID())
}
