package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/loykin/tunnelkeeper/internal/backend"
	"github.com/loykin/tunnelkeeper/internal/backend/mocks"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/store"
	"github.com/loykin/tunnelkeeper/internal/tunnel"
	"github.com/loykin/tunnelkeeper/internal/webserver"
)

type fixture struct {
	o     *Orchestrator
	t     *fakeTunnel
	w     *fakeWeb
	calls *calls
	store *store.Store
}

func newFixture(t *testing.T, sender backend.StatusSender) fixture {
	t.Helper()
	c := &calls{}
	st, err := store.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	require.NoError(t, err)
	ft, fw := &fakeTunnel{calls: c}, &fakeWeb{calls: c}
	o, err := New(Options{Tunnel: ft, WebServer: fw, Store: st, Status: sender})
	require.NoError(t, err)
	return fixture{o: o, t: ft, w: fw, calls: c, store: st}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStopAllOrderAndIdempotence(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)

	require.NoError(t, f.o.StopAll(context.Background()))
	require.NoError(t, f.o.StopAll(context.Background()))
	assert.Equal(t, []string{"tunnel", "webserver", "tunnel", "webserver"}, f.calls.list())
	assert.False(t, f.o.GetTunnelStatus(context.Background()).Running)
	assert.False(t, f.o.GetWebServerStatus(context.Background()).Running)
}

func TestStopAllCollectsErrorsWithoutShortCircuit(t *testing.T) {
	f := newFixture(t, nil)
	f.t.stopErr = errors.New("tunnel stuck")
	f.w.stopErr = errors.New("web stuck")
	f.t.set(tunnel.StateRunning)
	f.w.set(webserver.StateRunning)

	err := f.o.StopAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tunnel stuck")
	assert.Contains(t, err.Error(), "web stuck")
	assert.Equal(t, []string{"tunnel", "webserver"}, f.calls.list())
	assert.Equal(t, webserver.StateStopped.String(), f.w.GetStatus().State)
}

func TestStartTunnelAutoStartsWebServer(t *testing.T) {
	f := newFixture(t, nil)
	cfg := store.Default()
	cfg.WebServerPort = 0
	_, err := f.o.UpdateConfig(cfg)
	require.NoError(t, err)

	res, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, res.WebServer.Running)
	assert.Equal(t, 49152, res.WebServer.Port)
	assert.Empty(t, res.WebServerError)
	assert.Equal(t, []int{0}, f.w.requested)
	assert.True(t, f.o.Armed())

	f.t.set(tunnel.StateIdle)
	_, err = f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, f.w.requested, 1, "running web server is reused")
}

func TestWebServerFailureDoesNotFailTunnelStart(t *testing.T) {
	f := newFixture(t, nil)
	f.w.startErr = errdefs.ErrPortInUse

	res, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, res.WebServer.Running)
	assert.Contains(t, res.WebServerError, "port")
	assert.Equal(t, []int{store.DefaultWebServerPort}, f.w.requested)
	assert.True(t, f.o.GetTunnelStatus(context.Background()).Running, "unarmed pair is not torn down")
}

func TestStartTunnelErrorSkipsWebServer(t *testing.T) {
	f := newFixture(t, nil)
	f.t.startErr = errdefs.ErrTokenFetch
	_, err := f.o.StartTunnel(context.Background(), "")
	assert.ErrorIs(t, err, errdefs.ErrTokenFetch)
	assert.Empty(t, f.w.requested)
}

func TestCouplingStopsSplitPair(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	require.True(t, f.o.Armed())

	f.w.set(webserver.StateStopped) // killed behind our back
	ts := f.o.GetTunnelStatus(context.Background())
	assert.False(t, ts.Running)
	assert.False(t, f.o.GetWebServerStatus(context.Background()).Running)
	assert.False(t, f.o.Armed())
	assert.Equal(t, []string{"tunnel", "webserver"}, f.calls.list())
}

func TestCouplingStopsOnFailedSide(t *testing.T) {
	f := newFixture(t, nil)
	f.w.set(webserver.StateRunning)
	f.t.set(tunnel.StateFailed)

	ws := f.o.GetWebServerStatus(context.Background())
	assert.False(t, ws.Running)
	assert.Equal(t, []string{"tunnel", "webserver"}, f.calls.list())
}

func TestUnarmedSingleSideIsLeftAlone(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.o.StartWebServer(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, f.o.Armed())
	assert.True(t, f.o.GetWebServerStatus(context.Background()).Running)
	assert.Empty(t, f.calls.list())
}

func TestExplicitStopDisarms(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)

	require.NoError(t, f.o.StopTunnel(context.Background()))
	assert.True(t, f.o.GetWebServerStatus(context.Background()).Running)
	assert.Equal(t, []string{"tunnel"}, f.calls.list())

	_, err = f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	require.True(t, f.o.Armed())
	require.NoError(t, f.o.StopWebServer(context.Background()))
	assert.True(t, f.o.GetTunnelStatus(context.Background()).Running)
}

func TestFailureHookStopsPartner(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)

	f.t.set(tunnel.StateFailed)
	f.t.hook(errdefs.ErrProcessCrashed)
	assert.False(t, f.w.GetStatus().Running)
	assert.Equal(t, tunnel.StateIdle.String(), f.t.GetStatus().State)

	_, err = f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	f.w.set(webserver.StateFailed)
	f.w.hook(errdefs.ErrProcessCrashed)
	assert.False(t, f.t.GetStatus().Running)
}

func TestGetLastTunnelErrorReadsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.t.lastErr = "tunnel exited unexpectedly (exit status 1)"
	assert.Equal(t, "tunnel exited unexpectedly (exit status 1)", f.o.GetLastTunnelError())
	assert.Empty(t, f.o.GetLastTunnelError())
}

func TestUpdateConfigClampsAndReschedules(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockStatusSender(ctrl)
	f := newFixture(t, sender)
	require.NoError(t, f.o.Boot(context.Background()))
	t.Cleanup(func() { _ = f.o.Shutdown(context.Background()) })
	assert.Equal(t, 300*time.Second, f.o.reporter.Interval())

	for _, tc := range []struct{ in, want int }{{30, 60}, {9999, 3600}} {
		cfg := store.Default()
		cfg.RefreshIntervalSeconds = tc.in
		got, err := f.o.UpdateConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.RefreshIntervalSeconds)
		assert.Equal(t, got, f.o.GetConfig())
		assert.Equal(t, time.Duration(tc.want)*time.Second, f.o.reporter.Interval())
	}

	bad := store.Default()
	bad.TunnelName = ""
	_, err := f.o.UpdateConfig(bad)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Equal(t, 3600, f.o.GetConfig().RefreshIntervalSeconds, "previous config retained")
}

func TestReportNowSendsPairStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockStatusSender(ctrl)
	f := newFixture(t, sender)
	_, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)

	sender.EXPECT().ReportStatus(gomock.Any(), store.DefaultBackendURL, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, r backend.StatusReport) error {
			assert.True(t, r.TunnelRunning)
			assert.True(t, r.WebServerRunning)
			assert.Equal(t, store.DefaultWebServerPort, r.WebServerPort)
			assert.Equal(t, "my-tunnel", r.TunnelName)
			return nil
		})
	require.NoError(t, f.o.ReportNow(context.Background()))

	plain := newFixture(t, nil)
	assert.Error(t, plain.o.ReportNow(context.Background()))
}

func TestBootAutoStart(t *testing.T) {
	f := newFixture(t, nil)
	cfg := store.Default()
	cfg.AutoStart = true
	_, err := f.o.UpdateConfig(cfg)
	require.NoError(t, err)

	require.NoError(t, f.o.Boot(context.Background()))
	require.Eventually(t, func() bool {
		return f.t.GetStatus().Running && f.w.GetStatus().Running
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.o.Shutdown(context.Background()))
	assert.False(t, f.t.GetStatus().Running)
	assert.False(t, f.w.GetStatus().Running)
}

func TestBootDoesNotWaitForAutoStart(t *testing.T) {
	c := &calls{}
	st, err := store.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	require.NoError(t, err)
	cfg := store.Default()
	cfg.AutoStart = true
	_, err = st.Update(cfg)
	require.NoError(t, err)

	release := make(chan struct{})
	ft := &blockingTunnel{fakeTunnel: &fakeTunnel{calls: c}, release: release}
	var logs lockedBuffer
	o, err := New(Options{Tunnel: ft, WebServer: &fakeWeb{calls: c}, Store: st,
		Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Boot(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Boot blocked on the tunnel start")
	}

	require.NoError(t, o.Shutdown(context.Background()), "shutdown cancels the pending start")
	assert.Contains(t, logs.String(), "auto-start failed")
}

func TestBootAutoStartFailureIsLogged(t *testing.T) {
	var logs lockedBuffer
	c := &calls{}
	st, err := store.Open(filepath.Join(t.TempDir(), "config.json"), nil)
	require.NoError(t, err)
	cfg := store.Default()
	cfg.AutoStart = true
	_, err = st.Update(cfg)
	require.NoError(t, err)
	ft := &fakeTunnel{calls: c, startErr: errdefs.ErrTokenFetch}
	o, err := New(Options{Tunnel: ft, WebServer: &fakeWeb{calls: c}, Store: st,
		Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	require.NoError(t, err)

	require.NoError(t, o.Boot(context.Background()))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "auto-start failed")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), errdefs.ErrTokenFetch.Error())
	assert.False(t, ft.GetStatus().Running)
}

func TestPIDs(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, map[string]int32{"tunnel": 0, "webserver": 0}, f.o.PIDs())
	_, err := f.o.StartTunnel(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, map[string]int32{"tunnel": 100, "webserver": 200}, f.o.PIDs())
}
