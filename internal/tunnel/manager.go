package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loykin/tunnelkeeper/internal/backend"
	"github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/env"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/history"
	"github.com/loykin/tunnelkeeper/internal/logger"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/process"
	"github.com/loykin/tunnelkeeper/internal/store"
)

// BinaryResolver locates the tunnel executable.
type BinaryResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// ConfigSource returns the current user configuration.
type ConfigSource interface {
	Get() store.Config
}

// Options wires a Manager to its collaborators.
type Options struct {
	Settings config.TunnelConfig
	Config   ConfigSource
	Tokens   backend.TokenSource
	Binaries BinaryResolver // nil runs Settings.Binary as given
	Env      *env.Env       // nil inherits the OS environment
	History  *history.Recorder
	Logger   *slog.Logger
}

// Status is a point-in-time view of the tunnel.
type Status struct {
	Running    bool       `json:"running"`
	TunnelName string     `json:"tunnelName"`
	TunnelURL  string     `json:"tunnelURL,omitempty"`
	Logs       []string   `json:"logs"`
	State      string     `json:"state"`
	PID        int        `json:"pid,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// Manager owns the lifecycle of the tunnel client process. At most one start
// is in flight at a time; a second start fails fast with ErrAlreadyRunning.
type Manager struct {
	opts    Options
	env     *env.Env
	log     *slog.Logger
	readyRe *regexp.Regexp
	urlRe   *regexp.Regexp

	mu          sync.Mutex
	state       State
	handle      *process.Handle // current run
	last        *process.Handle // most recent run, kept so logs survive a stop
	name        string          // tunnel name of the current run
	cancelStart context.CancelFunc
	starting    chan struct{} // closed when the start phase of the current run ends
	stopping    chan struct{} // closed when the stop in progress finishes
	onFailure   func(error)

	errs ErrorSlot
}

func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("tunnel: config source is required")
	}
	if opts.Settings.Binary == "" {
		return nil, fmt.Errorf("tunnel: binary is required: %w", errdefs.ErrValidation)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		opts: opts,
		env:  opts.Env,
		log:  opts.Logger.With("component", "tunnel"),
	}
	if m.env == nil {
		m.env = env.New()
	}
	if p := opts.Settings.ReadyPattern; p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("tunnel: ready pattern: %v: %w", err, errdefs.ErrValidation)
		}
		m.readyRe = re
	}
	urlPattern := opts.Settings.URLPattern
	if urlPattern == "" {
		urlPattern = config.DefaultURLPattern
	}
	re, err := regexp.Compile(urlPattern)
	if err != nil {
		return nil, fmt.Errorf("tunnel: url pattern: %v: %w", err, errdefs.ErrValidation)
	}
	m.urlRe = re
	metrics.SetCurrentState(history.ProcessTunnel, StateIdle.String(), stateNames...)
	return m, nil
}

// SetFailureHook registers fn to run after an unrequested exit has been
// recorded. fn runs on the monitor goroutine and may call StopTunnel.
func (m *Manager) SetFailureHook(fn func(error)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the held failure message and clears it.
func (m *Manager) LastError() string { return m.errs.Take() }

// PID returns the pid of the live tunnel child, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil || !h.Alive() {
		return 0
	}
	return h.PID()
}

func (m *Manager) setStateLocked(s State) {
	old := m.state
	m.state = s
	if old != s {
		metrics.RecordStateTransition(history.ProcessTunnel, old.String(), s.String())
	}
	metrics.SetCurrentState(history.ProcessTunnel, s.String(), stateNames...)
}

// StartTunnel acquires a token, spawns the tunnel and returns with the
// manager in StateStarting. Readiness completes in the background.
// manualToken wins over the stored token, which wins over a backend fetch.
func (m *Manager) StartTunnel(ctx context.Context, manualToken string) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateFailed {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("tunnel is %s: %w", st, errdefs.ErrAlreadyRunning)
	}
	cfg := m.opts.Config.Get()
	runCtx, cancel := context.WithCancel(context.Background())
	starting := make(chan struct{})
	m.cancelStart, m.starting = cancel, starting
	m.handle = nil
	m.name = cfg.TunnelName
	m.setStateLocked(StateStarting)
	m.mu.Unlock()

	h, err := m.launch(ctx, runCtx, cfg, strings.TrimSpace(manualToken))
	if err != nil {
		m.mu.Lock()
		if m.starting == starting {
			m.cancelStart, m.starting = nil, nil
			if m.state == StateStarting {
				m.setStateLocked(StateIdle)
			}
		}
		m.mu.Unlock()
		cancel()
		close(starting)
		m.log.Warn("tunnel start failed", "tunnel", cfg.TunnelName, "error", err)
		return err
	}

	m.mu.Lock()
	m.handle, m.last = h, h
	m.mu.Unlock()

	metrics.IncStart(history.ProcessTunnel)
	m.opts.History.Record(history.NewEvent(history.EventStart, history.ProcessTunnel, h.PID(), cfg.TunnelName))
	m.log.Info("tunnel spawned", "tunnel", cfg.TunnelName, "pid", h.PID())

	go m.awaitReady(runCtx, h, starting)
	go m.monitor(h)
	return nil
}

func (m *Manager) launch(ctx, runCtx context.Context, cfg store.Config, manualToken string) (*process.Handle, error) {
	callCtx, done := joinCancel(ctx, runCtx)
	defer done()

	token, err := m.token(callCtx, cfg, manualToken)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("tunnel start cancelled: %w", runCtx.Err())
		}
		return nil, err
	}

	s := m.opts.Settings
	bin := s.Binary
	if m.opts.Binaries != nil {
		if bin, err = m.opts.Binaries.Resolve(callCtx); err != nil {
			if !errors.Is(err, errdefs.ErrSpawn) {
				err = fmt.Errorf("resolve tunnel binary: %v: %w", err, errdefs.ErrSpawn)
			}
			return nil, err
		}
	}
	if err := runCtx.Err(); err != nil {
		return nil, fmt.Errorf("tunnel start cancelled: %w", err)
	}

	vars := map[string]string{"token": token, "name": cfg.TunnelName, "pidfile": s.PIDFile}
	if s.PIDFile != "" {
		// a stale pid file would satisfy readiness before the new child connects
		_ = os.Remove(s.PIDFile)
	}
	return process.Spawn(process.Spec{
		Name:        history.ProcessTunnel,
		Command:     bin,
		Args:        process.Render(s.Args, vars),
		Env:         m.env.Merge(process.Render(s.Env, vars)),
		WorkDir:     s.WorkDir,
		LogCapacity: s.LogCapacity,
		Log:         logger.Config{File: s.Log},
	})
}

func (m *Manager) token(ctx context.Context, cfg store.Config, manualToken string) (string, error) {
	if manualToken != "" {
		return manualToken, nil
	}
	if cfg.ManualToken != "" {
		return cfg.ManualToken, nil
	}
	if m.opts.Tokens == nil {
		metrics.IncTokenFetchFailure()
		return "", fmt.Errorf("no token source configured: %w", errdefs.ErrTokenFetch)
	}
	tok, err := m.opts.Tokens.FetchToken(ctx, cfg.BackendURL)
	if err == nil && strings.TrimSpace(tok) == "" {
		err = errors.New("backend returned an empty token")
	}
	if err != nil {
		metrics.IncTokenFetchFailure()
		if !errors.Is(err, errdefs.ErrTokenFetch) {
			err = fmt.Errorf("%v: %w", err, errdefs.ErrTokenFetch)
		}
		return "", err
	}
	return strings.TrimSpace(tok), nil
}

func (m *Manager) detectorFor(h *process.Handle) detector.Detector {
	s := m.opts.Settings
	var ds detector.Any
	if m.readyRe != nil {
		ds = append(ds, detector.NewLogPattern(m.readyRe, h.Logs()))
	}
	if s.PIDFile != "" {
		ds = append(ds, detector.PIDFileDetector{PIDFile: s.PIDFile})
	}
	if s.ReadyCommand != "" {
		ds = append(ds, detector.CommandDetector{Command: s.ReadyCommand})
	}
	switch len(ds) {
	case 0:
		return &detector.Delay{Duration: s.StartGrace}
	case 1:
		return ds[0]
	default:
		return ds
	}
}

func (m *Manager) awaitReady(ctx context.Context, h *process.Handle, starting chan struct{}) {
	defer close(starting)
	began := time.Now()
	err := h.WaitReady(ctx, m.detectorFor(h), m.opts.Settings.ReadyTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starting == starting {
		m.cancelStart()
		m.cancelStart, m.starting = nil, nil
	}
	if m.handle != h {
		return
	}
	switch {
	case err == nil:
		if m.state == StateStarting {
			m.setStateLocked(StateRunning)
		}
		metrics.ObserveReadyDuration(history.ProcessTunnel, time.Since(began).Seconds())
		m.log.Info("tunnel ready", "pid", h.PID(), "url", m.scrapeURL(h.Logs().Lines()))
	case ctx.Err() != nil:
		// stop in progress
	default:
		// the monitor records the failure once the killed child is reaped
		m.log.Warn("tunnel readiness failed", "pid", h.PID(), "error", err)
	}
}

func (m *Manager) monitor(h *process.Handle) {
	<-h.Done()
	m.mu.Lock()
	if m.handle != h || !m.state.Active() {
		m.mu.Unlock()
		return
	}
	msg := crashMessage(h)
	m.setStateLocked(StateFailed)
	m.errs.Set(msg)
	hook := m.onFailure
	m.mu.Unlock()

	m.reportCrash(h, msg)
	if hook != nil {
		hook(fmt.Errorf("%s: %w", msg, errdefs.ErrProcessCrashed))
	}
}

func crashMessage(h *process.Handle) string {
	if msg := h.Snapshot().LastError; msg != "" {
		return msg
	}
	return "tunnel exited"
}

func (m *Manager) reportCrash(h *process.Handle, msg string) {
	metrics.IncCrash(history.ProcessTunnel)
	m.opts.History.Record(history.NewEvent(history.EventCrash, history.ProcessTunnel, h.PID(), msg))
	m.log.Error("tunnel failed", "pid", h.PID(), "error", msg)
}

// StopTunnel stops the tunnel from any state, first cancelling and waiting
// for an in-flight start. Stopping an idle tunnel is a no-op; a concurrent
// caller waits for the stop already in progress.
func (m *Manager) StopTunnel(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return nil
	case StateStopping:
		done := m.stopping
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	prev := m.state
	done := make(chan struct{})
	m.stopping = done
	cancel, starting := m.cancelStart, m.starting
	m.setStateLocked(StateStopping)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if starting != nil {
		<-starting
	}

	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()

	var err error
	if h != nil {
		err = h.Stop(m.opts.Settings.StopGrace)
		switch {
		case prev.Active() && h.State() == process.StateFailed:
			// exited on its own before the stop reached it; the monitor saw Stopping
			msg := crashMessage(h)
			m.errs.Set(msg)
			m.reportCrash(h, msg)
		case prev != StateFailed:
			metrics.IncStop(history.ProcessTunnel)
			m.opts.History.Record(history.NewEvent(history.EventStop, history.ProcessTunnel, h.PID(), ""))
		}
	}

	m.mu.Lock()
	m.handle = nil
	m.setStateLocked(StateIdle)
	close(done)
	m.mu.Unlock()

	if err != nil {
		m.log.Error("tunnel stop failed", "error", err)
		return fmt.Errorf("stop tunnel: %w", err)
	}
	m.log.Info("tunnel stopped", "previous", prev.String())
	return nil
}

// GetStatus derives a snapshot without blocking on process I/O. Running is
// true only while the manager expects a child and the OS confirms it alive.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	st, h, last, name := m.state, m.handle, m.last, m.name
	m.mu.Unlock()

	if st == StateIdle || name == "" {
		name = m.opts.Config.Get().TunnelName
	}
	s := Status{TunnelName: name, State: st.String(), Logs: []string{}}
	src := h
	if src == nil {
		src = last
	}
	if src != nil {
		s.Logs = src.Logs().Lines()
	}
	if h == nil || !st.Active() {
		return s
	}
	if !h.Alive() {
		// exited, monitor not yet run
		s.State = StateFailed.String()
		return s
	}
	snap := h.Snapshot()
	s.Running = true
	s.PID = snap.PID
	s.StartedAt = &snap.StartedAt
	s.TunnelURL = m.scrapeURL(s.Logs)
	return s
}

// scrapeURL returns the newest tunnel URL printed by the child.
func (m *Manager) scrapeURL(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if u := m.urlRe.FindString(lines[i]); u != "" {
			return strings.TrimRight(u, ".,;|\"')")
		}
	}
	return ""
}

// joinCancel returns a child of parent that is also cancelled with other.
func joinCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
