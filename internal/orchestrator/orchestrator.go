package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tunnelkeeper/internal/backend"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/history"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/store"
	"github.com/loykin/tunnelkeeper/internal/tunnel"
	"github.com/loykin/tunnelkeeper/internal/webserver"
)

// TunnelManager is the tunnel side of the pair.
type TunnelManager interface {
	StartTunnel(ctx context.Context, manualToken string) error
	StopTunnel(ctx context.Context) error
	GetStatus() tunnel.Status
	LastError() string
	SetFailureHook(fn func(error))
}

// WebServerManager is the web server side of the pair.
type WebServerManager interface {
	StartWebServer(ctx context.Context, port int) (int, error)
	StopWebServer(ctx context.Context) error
	GetStatus() webserver.Status
	SetFailureHook(fn func(error))
}

// ConfigStore holds the user configuration.
type ConfigStore interface {
	Get() store.Config
	Update(c store.Config) (store.Config, error)
}

type Options struct {
	Tunnel    TunnelManager
	WebServer WebServerManager
	Store     ConfigStore
	// Status enables periodic status reports to the backend; nil disables them.
	Status  backend.StatusSender
	History *history.Recorder
	Logger  *slog.Logger
}

// StartResult reports the web server paired with a tunnel start.
type StartResult struct {
	WebServer      webserver.Status `json:"webServer"`
	WebServerError string           `json:"webServerError,omitempty"`
}

// Orchestrator pairs the tunnel with the local web server: when one side
// goes down unexpectedly the other is stopped too.
//
// The pair is armed once a status poll sees both sides running. From then on
// a poll that finds only one side running stops both. Before that, each side
// runs on its own: a web server started without a tunnel is left alone. A
// side reported failed, or a crash seen by a manager's monitor, stops both
// whether or not the pair is armed. An explicit stop disarms the pair.
type Orchestrator struct {
	tunnel   TunnelManager
	web      WebServerManager
	store    ConfigStore
	reporter *backend.Reporter
	history  *history.Recorder
	log      *slog.Logger

	mu    sync.Mutex
	armed bool // both sides were seen running together

	bootCancel context.CancelFunc
	bootWG     sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Tunnel == nil || opts.WebServer == nil || opts.Store == nil {
		return nil, errors.New("orchestrator: tunnel, web server and store are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		tunnel:  opts.Tunnel,
		web:     opts.WebServer,
		store:   opts.Store,
		history: opts.History,
		log:     opts.Logger.With("component", "orchestrator"),
	}
	if opts.Status != nil {
		o.reporter = backend.NewReporter(opts.Status, o.statusReport, opts.Logger)
	}
	o.tunnel.SetFailureHook(func(err error) { o.partnerDown(history.ProcessTunnel, err) })
	o.web.SetFailureHook(func(err error) { o.partnerDown(history.ProcessWebServer, err) })
	return o, nil
}

// Boot starts the status reporter and, when the config asks for it, starts
// the tunnel in the background. An auto-start failure is only logged; the
// orchestrator stays usable. Shutdown cancels an auto-start still in flight.
func (o *Orchestrator) Boot(ctx context.Context) error {
	cfg := o.store.Get()
	if o.reporter != nil {
		if err := o.reporter.Start(interval(cfg)); err != nil {
			return fmt.Errorf("start status reporter: %w", err)
		}
	}
	if !cfg.AutoStart {
		return nil
	}
	bootCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.bootCancel = cancel
	o.mu.Unlock()

	o.bootWG.Add(1)
	go func() {
		defer o.bootWG.Done()
		defer cancel()
		o.log.Info("auto-starting tunnel", "tunnel", cfg.TunnelName)
		if _, err := o.StartTunnel(bootCtx, ""); err != nil {
			o.log.Warn("auto-start failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops both processes, the reporter and the history recorder.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	cancelBoot := o.bootCancel
	o.bootCancel = nil
	o.mu.Unlock()
	if cancelBoot != nil {
		cancelBoot()
	}
	o.bootWG.Wait()

	if o.reporter != nil {
		o.reporter.Stop()
	}
	err := o.StopAll(ctx)
	if cerr := o.history.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close history: %w", cerr))
	}
	return err
}

func interval(c store.Config) time.Duration {
	return time.Duration(c.Clamp().RefreshIntervalSeconds) * time.Second
}

// StartTunnel starts the tunnel and, when it is not already up, the web
// server on the configured port. A web server failure is reported in the
// result and never fails the tunnel start.
func (o *Orchestrator) StartTunnel(ctx context.Context, manualToken string) (StartResult, error) {
	if err := o.tunnel.StartTunnel(ctx, manualToken); err != nil {
		return StartResult{}, err
	}
	var res StartResult
	if ws := o.web.GetStatus(); !ws.Running {
		port := o.store.Get().WebServerPort
		if _, err := o.web.StartWebServer(ctx, port); err != nil && !errors.Is(err, errdefs.ErrAlreadyRunning) {
			o.log.Warn("web server did not start with the tunnel", "port", port, "error", err)
			res.WebServerError = err.Error()
		}
	}
	res.WebServer = o.web.GetStatus()
	o.armIfPaired(o.tunnel.GetStatus(), res.WebServer)
	return res, nil
}

// StopTunnel stops only the tunnel; the pair is disarmed first so the
// running web server is left alone.
func (o *Orchestrator) StopTunnel(ctx context.Context) error {
	o.disarm()
	return o.tunnel.StopTunnel(ctx)
}

func (o *Orchestrator) StartWebServer(ctx context.Context, port int) (int, error) {
	chosen, err := o.web.StartWebServer(ctx, port)
	if err != nil {
		return 0, err
	}
	o.armIfPaired(o.tunnel.GetStatus(), o.web.GetStatus())
	return chosen, nil
}

func (o *Orchestrator) StopWebServer(ctx context.Context) error {
	o.disarm()
	return o.web.StopWebServer(ctx)
}

// StopAll stops the tunnel then the web server. Both stops always run;
// their errors are joined.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.disarm()
	var errs []error
	if err := o.tunnel.StopTunnel(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tunnel: %w", err))
	}
	if err := o.web.StopWebServer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("web server: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		o.log.Error("stop all finished with errors", "error", err)
	}
	return err
}

// GetTunnelStatus returns the tunnel snapshot after enforcing the pairing.
func (o *Orchestrator) GetTunnelStatus(ctx context.Context) tunnel.Status {
	ts, _ := o.poll(ctx)
	return ts
}

// GetWebServerStatus returns the web server snapshot after enforcing the pairing.
func (o *Orchestrator) GetWebServerStatus(ctx context.Context) webserver.Status {
	_, ws := o.poll(ctx)
	return ws
}

// poll observes both sides. An armed pair where only one side is running,
// or a side that failed, is torn down with StopAll before returning.
func (o *Orchestrator) poll(ctx context.Context) (tunnel.Status, webserver.Status) {
	ts, ws := o.tunnel.GetStatus(), o.web.GetStatus()
	failed := ts.State == tunnel.StateFailed.String() || ws.State == webserver.StateFailed.String()

	o.mu.Lock()
	if ts.Running && ws.Running && !failed {
		o.armed = true
		o.mu.Unlock()
		return ts, ws
	}
	split := o.armed && ts.Running != ws.Running
	if !split && !failed {
		o.mu.Unlock()
		return ts, ws
	}
	o.armed = false
	o.mu.Unlock()

	o.log.Warn("tunnel and web server out of step, stopping both",
		"tunnelRunning", ts.Running, "tunnelState", ts.State,
		"webServerRunning", ws.Running, "webServerState", ws.State)
	o.recordCoupledStop(ts.Running, ws.Running, "partner not running")
	_ = o.StopAll(ctx)
	return o.tunnel.GetStatus(), o.web.GetStatus()
}

// partnerDown is the failure hook of both managers.
func (o *Orchestrator) partnerDown(process string, cause error) {
	o.log.Error("process crashed, stopping its partner", "process", process, "error", cause)
	tunnelUp := process != history.ProcessTunnel && o.tunnel.GetStatus().Running
	webUp := process != history.ProcessWebServer && o.web.GetStatus().Running
	o.recordCoupledStop(tunnelUp, webUp, process+" crashed")
	_ = o.StopAll(context.Background())
}

func (o *Orchestrator) recordCoupledStop(tunnelUp, webUp bool, detail string) {
	if tunnelUp {
		metrics.IncCoupledStop(history.ProcessTunnel)
		o.history.Record(history.NewEvent(history.EventCoupledStop, history.ProcessTunnel, o.tunnel.GetStatus().PID, detail))
	}
	if webUp {
		metrics.IncCoupledStop(history.ProcessWebServer)
		o.history.Record(history.NewEvent(history.EventCoupledStop, history.ProcessWebServer, o.web.GetStatus().PID, detail))
	}
}

func (o *Orchestrator) armIfPaired(ts tunnel.Status, ws webserver.Status) {
	if !ts.Running || !ws.Running {
		return
	}
	o.mu.Lock()
	o.armed = true
	o.mu.Unlock()
}

func (o *Orchestrator) disarm() {
	o.mu.Lock()
	o.armed = false
	o.mu.Unlock()
}

// Armed reports whether the pair is currently coupled.
func (o *Orchestrator) Armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

func (o *Orchestrator) GetConfig() store.Config { return o.store.Get() }

// UpdateConfig validates, clamps and persists c. Running processes keep
// their settings until the next start; the reporter picks up the new
// interval immediately.
func (o *Orchestrator) UpdateConfig(c store.Config) (store.Config, error) {
	updated, err := o.store.Update(c)
	if err != nil {
		o.log.Warn("config update rejected", "error", err)
		return updated, err
	}
	o.ConfigChanged(updated)
	return updated, nil
}

// ConfigChanged applies side effects of a new config, including one edited
// on disk by another writer.
func (o *Orchestrator) ConfigChanged(c store.Config) {
	if o.reporter == nil {
		return
	}
	if err := o.reporter.Reschedule(interval(c)); err != nil {
		o.log.Warn("reschedule status reporter", "error", err)
	}
}

// GetLastTunnelError returns the pending tunnel failure message and clears it.
func (o *Orchestrator) GetLastTunnelError() string { return o.tunnel.LastError() }

// ReportNow sends one status report immediately.
func (o *Orchestrator) ReportNow(ctx context.Context) error {
	if o.reporter == nil {
		return errors.New("status reporting is disabled")
	}
	return o.reporter.ReportNow(ctx)
}

func (o *Orchestrator) statusReport() (string, backend.StatusReport, bool) {
	cfg := o.store.Get()
	if cfg.BackendURL == "" {
		return "", backend.StatusReport{}, false
	}
	ts, ws := o.tunnel.GetStatus(), o.web.GetStatus()
	return cfg.BackendURL, backend.StatusReport{
		TunnelName:       ts.TunnelName,
		TunnelRunning:    ts.Running,
		TunnelURL:        ts.TunnelURL,
		WebServerRunning: ws.Running,
		WebServerPort:    ws.Port,
		ReportedAt:       time.Now().UTC(),
	}, true
}

// PIDs returns the live pid of each process for the resource sampler.
func (o *Orchestrator) PIDs() map[string]int32 {
	return map[string]int32{
		history.ProcessTunnel:    int32(o.tunnel.GetStatus().PID),
		history.ProcessWebServer: int32(o.web.GetStatus().PID),
	}
}
