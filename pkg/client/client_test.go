package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second})
}

func writeBody(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestStartTunnelSendsTokenAndDecodesResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tunnel/start", func(w http.ResponseWriter, r *http.Request) {
		var req StartTunnelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok", req.ManualToken)
		writeBody(w, http.StatusOK, map[string]any{
			"ok":             true,
			"webServer":      map[string]any{"running": false, "state": "stopped"},
			"webServerError": "port in use",
		})
	})
	c := newTestClient(t, mux)

	res, err := c.StartTunnel(context.Background(), StartTunnelRequest{ManualToken: "tok"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.WebServer.Running)
	assert.Equal(t, "port in use", res.WebServerError)
}

func TestErrorsUnwrapToSentinels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tunnel/start", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusConflict, ErrorResponse{Error: "already running", Code: errdefs.CodeAlreadyRunning})
	})
	mux.HandleFunc("POST /api/webserver/start", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusConflict, ErrorResponse{Error: "port in use", Code: errdefs.CodePortInUse})
	})
	mux.HandleFunc("POST /api/stop-all", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>proxy</html>")
	})
	c := newTestClient(t, mux)

	_, err := c.StartTunnel(context.Background(), StartTunnelRequest{})
	assert.ErrorIs(t, err, errdefs.ErrAlreadyRunning)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	port := 8080
	_, err = c.StartWebServer(context.Background(), StartWebServerRequest{Port: &port})
	assert.ErrorIs(t, err, errdefs.ErrPortInUse)

	err = c.StopAll(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Empty(t, apiErr.Code)
}

func TestStatusConfigAndHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tunnel/status", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, TunnelStatus{Running: true, TunnelName: "demo", TunnelURL: "https://a.trycloudflare.com", State: "running"})
	})
	mux.HandleFunc("GET /api/webserver/status", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, WebServerStatus{Running: true, Port: 8080, State: "running"})
	})
	mux.HandleFunc("PUT /api/config", func(w http.ResponseWriter, r *http.Request) {
		var cfg UserConfig
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
		cfg.RefreshIntervalSeconds = 60
		writeBody(w, http.StatusOK, cfg)
	})
	mux.HandleFunc("GET /api/tunnel/last-error", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, map[string]string{})
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeBody(w, http.StatusOK, []Event{{Type: "start", Process: "tunnel"}})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	ts, err := c.TunnelStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://a.trycloudflare.com", ts.TunnelURL)

	ws, err := c.WebServerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8080, ws.Port)

	cfg, err := c.UpdateConfig(ctx, UserConfig{TunnelName: "demo", RefreshIntervalSeconds: 5})
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RefreshIntervalSeconds)

	msg, err := c.LastTunnelError(ctx)
	require.NoError(t, err)
	assert.Empty(t, msg)

	events, err := c.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tunnel", events[0].Process)

	assert.True(t, c.IsReachable(ctx))
}

func TestUnreachableDaemon(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, c.IsReachable(context.Background()))
	assert.Error(t, c.StopTunnel(context.Background()))
}
