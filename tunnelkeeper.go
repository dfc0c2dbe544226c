package tunnelkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tunnelkeeper/internal/backend"
	"github.com/loykin/tunnelkeeper/internal/binaries"
	cfg "github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/env"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/history"
	"github.com/loykin/tunnelkeeper/internal/history/factory"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/orchestrator"
	iapi "github.com/loykin/tunnelkeeper/internal/server"
	"github.com/loykin/tunnelkeeper/internal/store"
	"github.com/loykin/tunnelkeeper/internal/tunnel"
	"github.com/loykin/tunnelkeeper/internal/webserver"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type UserConfig = store.Config

type TunnelStatus = tunnel.Status

type WebServerStatus = webserver.Status

type StartResult = orchestrator.StartResult

type Event = history.Event

// Error kinds returned by the orchestrator; match with errors.Is.
var (
	ErrSpawn          = errdefs.ErrSpawn
	ErrTokenFetch     = errdefs.ErrTokenFetch
	ErrPortInUse      = errdefs.ErrPortInUse
	ErrAlreadyRunning = errdefs.ErrAlreadyRunning
	ErrValidation     = errdefs.ErrValidation
	ErrProcessCrashed = errdefs.ErrProcessCrashed
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

// RunSite serves the built-in local site until ctx is done.
func RunSite(ctx context.Context, host string, port int, log *slog.Logger) error {
	return webserver.RunSite(ctx, host, port, log)
}

// NewBinaryResolver locates or downloads the tunnel client described by c.
func NewBinaryResolver(c cfg.TunnelConfig, log *slog.Logger) *binaries.Resolver {
	return binaries.NewResolver(binaries.Config{
		Binary:       c.Binary,
		CacheDir:     c.CacheDir,
		AutoDownload: c.AutoDownload,
		Logger:       log,
	})
}

// DaemonOptions tunes NewDaemon; every field is optional.
type DaemonOptions struct {
	// StorePath overrides where the user config.json lives.
	StorePath string
	// Executable is the binary re-executed for the built-in site.
	Executable string
	Logger     *slog.Logger
	// Registerer receives the metrics; defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Daemon owns every long-lived component: the config store, both process
// managers, the orchestrator, history sinks, metrics and the control API.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	store     *store.Store
	orch      *orchestrator.Orchestrator
	history   *history.Recorder
	collector *metrics.ProcessMetricsCollector

	mu      sync.Mutex
	server  *http.Server
	cancel  context.CancelFunc
	watchWG sync.WaitGroup
}

func NewDaemon(c *Config, opts DaemonOptions) (*Daemon, error) {
	if c == nil {
		d := cfg.Default()
		c = &d
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	storePath := opts.StorePath
	if storePath == "" && c.StateDir != "" {
		storePath = filepath.Join(c.StateDir, "config.json")
	}
	if storePath == "" {
		p, err := store.DefaultPath()
		if err != nil {
			return nil, err
		}
		storePath = p
	}
	st, err := store.Open(storePath, log)
	if err != nil {
		return nil, err
	}

	childEnv, err := buildEnv(c)
	if err != nil {
		return nil, err
	}

	rec, err := factory.Open(c.History.Sinks, log)
	if err != nil {
		return nil, err
	}

	var collector *metrics.ProcessMetricsCollector
	if c.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			_ = rec.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		collector = metrics.NewProcessMetricsCollector(c.Metrics.SampleInterval, log)
		if err := collector.RegisterMetrics(reg); err != nil {
			_ = rec.Close()
			return nil, fmt.Errorf("register process metrics: %w", err)
		}
	}

	bc := backend.New(backend.Config{
		Timeout:    c.Backend.Timeout,
		TokenPath:  c.Backend.TokenPath,
		StatusPath: c.Backend.StatusPath,
		Logger:     log,
	})

	tm, err := tunnel.New(tunnel.Options{
		Settings: c.Tunnel,
		Config:   st,
		Tokens:   bc,
		Binaries: NewBinaryResolver(c.Tunnel, log),
		Env:      childEnv,
		History:  rec,
		Logger:   log,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	wm, err := webserver.New(webserver.Options{
		Settings:   c.WebServer,
		Executable: opts.Executable,
		Env:        childEnv,
		History:    rec,
		Logger:     log,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	oo := orchestrator.Options{Tunnel: tm, WebServer: wm, Store: st, History: rec, Logger: log}
	if c.Backend.ReportStatus {
		oo.Status = bc
	}
	orch, err := orchestrator.New(oo)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	return &Daemon{
		cfg:       c,
		log:       log,
		store:     st,
		orch:      orch,
		history:   rec,
		collector: collector,
	}, nil
}

// buildEnv layers the daemon environment, env_files and inline env.
func buildEnv(c *Config) (*env.Env, error) {
	e := env.New()
	e.Inherit = c.UseOSEnv
	pairs, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
	return e, nil
}

func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

func (d *Daemon) Store() *store.Store { return d.store }

// Start serves the control API, watches config.json for outside edits,
// begins resource sampling and boots the orchestrator. An auto-start
// failure is logged; the daemon keeps running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		return errors.New("daemon already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	srv, err := iapi.NewServer(d.cfg.Server, d.orch, iapi.Options{
		History: d.history.Reader(),
		Metrics: d.cfg.Metrics.Enabled,
		Logger:  d.log,
	})
	if err != nil {
		cancel()
		return err
	}

	d.watchWG.Add(1)
	go func() {
		defer d.watchWG.Done()
		if err := d.store.Watch(runCtx, d.orch.ConfigChanged); err != nil {
			d.log.Warn("config watch disabled", "path", d.store.Path(), "error", err)
		}
	}()
	if d.collector != nil {
		d.collector.Start(runCtx, d.orch.PIDs)
	}
	if err := d.orch.Boot(ctx); err != nil {
		d.log.Warn("boot finished with errors", "error", err)
	}
	d.server, d.cancel = srv, cancel
	return nil
}

// Addr is the bound control API address, empty before Start.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return ""
	}
	return d.server.Addr
}

// Shutdown stops both children, the API, sampling and history.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	srv, cancel := d.server, d.cancel
	d.server, d.cancel = nil, nil
	d.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	d.watchWG.Wait()
	if d.collector != nil {
		d.collector.Stop()
	}
	if err := d.orch.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
