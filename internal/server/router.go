package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/history"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/orchestrator"
	"github.com/loykin/tunnelkeeper/internal/store"
	tkTLS "github.com/loykin/tunnelkeeper/internal/tls"
	"github.com/loykin/tunnelkeeper/internal/tunnel"
	"github.com/loykin/tunnelkeeper/internal/webserver"
)

// Orchestrator is the command surface exposed over HTTP.
type Orchestrator interface {
	StartTunnel(ctx context.Context, manualToken string) (orchestrator.StartResult, error)
	StopTunnel(ctx context.Context) error
	StartWebServer(ctx context.Context, port int) (int, error)
	StopWebServer(ctx context.Context) error
	StopAll(ctx context.Context) error
	GetTunnelStatus(ctx context.Context) tunnel.Status
	GetWebServerStatus(ctx context.Context) webserver.Status
	GetConfig() store.Config
	UpdateConfig(c store.Config) (store.Config, error)
	GetLastTunnelError() string
	ReportNow(ctx context.Context) error
}

// Router exposes the orchestrator as JSON endpoints:
//
//	POST {base}/tunnel/start      body: {"manualToken": "..."} (optional)
//	POST {base}/tunnel/stop
//	GET  {base}/tunnel/status
//	GET  {base}/tunnel/last-error
//	POST {base}/webserver/start   body: {"port": N} (optional, defaults to config)
//	POST {base}/webserver/stop
//	GET  {base}/webserver/status
//	POST {base}/stop-all
//	GET  {base}/config
//	PUT  {base}/config
//	POST {base}/report
//	GET  {base}/history?limit=N
//	GET  {base}/metrics           when metrics are enabled
type Router struct {
	orch     Orchestrator
	basePath string
	history  history.Reader
	metrics  bool
	log      *slog.Logger
}

type Options struct {
	BasePath string
	// History serves GET /history; nil answers 404.
	History history.Reader
	Metrics bool
	Logger  *slog.Logger
}

func NewRouter(orch Orchestrator, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		orch:     orch,
		basePath: sanitizeBase(opts.BasePath),
		history:  opts.History,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "api"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/tunnel/start", r.handleStartTunnel)
	group.POST("/tunnel/stop", r.handleStopTunnel)
	group.GET("/tunnel/status", r.handleTunnelStatus)
	group.GET("/tunnel/last-error", r.handleLastError)
	group.POST("/webserver/start", r.handleStartWebServer)
	group.POST("/webserver/stop", r.handleStopWebServer)
	group.GET("/webserver/status", r.handleWebServerStatus)
	group.POST("/stop-all", r.handleStopAll)
	group.GET("/config", r.handleGetConfig)
	group.PUT("/config", r.handleUpdateConfig)
	group.POST("/report", r.handleReport)
	group.GET("/history", r.handleHistory)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds cfg.Listen and serves the router on it, over TLS when
// cfg.TLS is enabled. Bind errors are returned; later serve errors are logged.
func NewServer(cfg config.ServerConfig, orch Orchestrator, opts Options) (*http.Server, error) {
	if opts.BasePath == "" {
		opts.BasePath = cfg.BasePath
	}
	r := NewRouter(orch, opts)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	tlsCfg, err := tkTLS.SetupTLS(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("setup tls: %w", err)
	}
	server.TLSConfig = tlsCfg

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	server.Addr = ln.Addr().String()
	go func() {
		var serr error
		if tlsCfg != nil {
			serr = server.ServeTLS(ln, "", "")
		} else {
			serr = server.Serve(ln)
		}
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			r.log.Error("api server stopped", "error", serr)
		}
	}()
	r.log.Info("api listening", "addr", server.Addr, "base", r.basePath, "tls", tlsCfg != nil)
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startTunnelReq struct {
	ManualToken string `json:"manualToken"`
}

type startTunnelResp struct {
	OK bool `json:"ok"`
	orchestrator.StartResult
}

type startWebServerReq struct {
	Port *int `json:"port"`
}

type startWebServerResp struct {
	OK   bool `json:"ok"`
	Port int  `json:"port"`
}

type lastErrorResp struct {
	Error string `json:"error,omitempty"`
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: errdefs.CodeValidation})
		return false
	}
	return true
}

func (r *Router) handleStartTunnel(c *gin.Context) {
	var req startTunnelReq
	if !bindOptional(c, &req) {
		return
	}
	res, err := r.orch.StartTunnel(c.Request.Context(), req.ManualToken)
	if err != nil {
		r.writeError(c, "start tunnel", err)
		return
	}
	writeJSON(c, http.StatusOK, startTunnelResp{OK: true, StartResult: res})
}

func (r *Router) handleStopTunnel(c *gin.Context) {
	if err := r.orch.StopTunnel(c.Request.Context()); err != nil {
		r.writeError(c, "stop tunnel", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleTunnelStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.GetTunnelStatus(c.Request.Context()))
}

func (r *Router) handleLastError(c *gin.Context) {
	writeJSON(c, http.StatusOK, lastErrorResp{Error: r.orch.GetLastTunnelError()})
}

func (r *Router) handleStartWebServer(c *gin.Context) {
	var req startWebServerReq
	if !bindOptional(c, &req) {
		return
	}
	port := r.orch.GetConfig().WebServerPort
	if req.Port != nil {
		port = *req.Port
	}
	chosen, err := r.orch.StartWebServer(c.Request.Context(), port)
	if err != nil {
		r.writeError(c, "start web server", err)
		return
	}
	writeJSON(c, http.StatusOK, startWebServerResp{OK: true, Port: chosen})
}

func (r *Router) handleStopWebServer(c *gin.Context) {
	if err := r.orch.StopWebServer(c.Request.Context()); err != nil {
		r.writeError(c, "stop web server", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWebServerStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.GetWebServerStatus(c.Request.Context()))
}

func (r *Router) handleStopAll(c *gin.Context) {
	if err := r.orch.StopAll(c.Request.Context()); err != nil {
		r.writeError(c, "stop all", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetConfig(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.GetConfig())
}

func (r *Router) handleUpdateConfig(c *gin.Context) {
	var cfg store.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: errdefs.CodeValidation})
		return
	}
	updated, err := r.orch.UpdateConfig(cfg)
	if err != nil {
		r.writeError(c, "update config", err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (r *Router) handleReport(c *gin.Context) {
	if err := r.orch.ReportNow(c.Request.Context()); err != nil {
		r.writeError(c, "report status", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no readable history sink configured"})
		return
	}
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer", Code: errdefs.CodeValidation})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	events, err := r.history.Recent(c.Request.Context(), limit)
	if err != nil {
		r.writeError(c, "read history", err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) writeError(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.log.Error(op+" failed", "error", err)
	} else {
		r.log.Warn(op+" rejected", "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Code: errCode(err)})
}
