package webserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/env"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/history"
	"github.com/loykin/tunnelkeeper/internal/logger"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/process"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

var stateNames = []string{"stopped", "starting", "running", "stopping", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) Active() bool { return s == StateStarting || s == StateRunning }

// Options wires a Manager.
type Options struct {
	Settings config.WebServerConfig
	// Executable runs when Settings.Command is empty; defaults to os.Executable().
	Executable string
	Host       string // readiness probe and port probe address, DefaultHost if empty
	Env        *env.Env
	History    *history.Recorder
	Logger     *slog.Logger
}

// Status is a point-in-time view of the web server.
type Status struct {
	Running   bool   `json:"running"`
	Port      int    `json:"port,omitempty"`
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Manager owns the local web server process.
type Manager struct {
	opts    Options
	command string
	env     *env.Env
	log     *slog.Logger

	mu          sync.Mutex
	state       State
	handle      *process.Handle
	port        int
	lastError   string
	cancelStart context.CancelFunc
	starting    chan struct{}
	stopping    chan struct{}
	onFailure   func(error)
}

func New(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	command := opts.Settings.Command
	if command == "" {
		command = opts.Executable
	}
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("webserver: resolve own executable: %w", err)
		}
		command = exe
	}
	m := &Manager{
		opts:    opts,
		command: command,
		env:     opts.Env,
		log:     opts.Logger.With("component", "webserver"),
	}
	if m.env == nil {
		m.env = env.New()
	}
	metrics.SetCurrentState(history.ProcessWebServer, StateStopped.String(), stateNames...)
	return m, nil
}

// SetFailureHook registers fn to run after an unrequested exit.
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

// PID returns the pid of the live web server child, or 0.
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
		metrics.RecordStateTransition(history.ProcessWebServer, old.String(), s.String())
	}
	metrics.SetCurrentState(history.ProcessWebServer, s.String(), stateNames...)
}

// pickPort returns an OS-chosen free port for 0, otherwise verifies that
// port can be bound on host.
func pickPort(host string, port int) (int, error) {
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range [0,65535]: %w", port, errdefs.ErrValidation)
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if port == 0 {
			return 0, fmt.Errorf("allocate port: %v: %w", err, errdefs.ErrSpawn)
		}
		return 0, fmt.Errorf("port %d: %v: %w", port, err, errdefs.ErrPortInUse)
	}
	chosen := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return chosen, nil
}

// StartWebServer spawns the site on port (0 picks a free one) and returns
// the port in use. Readiness is confirmed in the background through the
// health endpoint.
func (m *Manager) StartWebServer(ctx context.Context, port int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped && m.state != StateFailed {
		return 0, fmt.Errorf("web server is %s on port %d: %w", m.state, m.port, errdefs.ErrAlreadyRunning)
	}
	chosen, err := pickPort(m.opts.Host, port)
	if err != nil {
		m.log.Warn("web server port unavailable", "port", port, "error", err)
		return 0, err
	}

	s := m.opts.Settings
	vars := map[string]string{"port": strconv.Itoa(chosen), "host": m.opts.Host}
	h, err := process.Spawn(process.Spec{
		Name:        history.ProcessWebServer,
		Command:     m.command,
		Args:        process.Render(s.Args, vars),
		Env:         m.env.Merge(process.Render(s.Env, vars)),
		LogCapacity: s.LogCapacity,
		Log:         logger.Config{File: s.Log},
	})
	if err != nil {
		m.log.Warn("web server spawn failed", "port", chosen, "error", err)
		return 0, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	starting := make(chan struct{})
	m.handle, m.port, m.lastError = h, chosen, ""
	m.cancelStart, m.starting = cancel, starting
	m.setStateLocked(StateStarting)

	metrics.IncStart(history.ProcessWebServer)
	m.opts.History.Record(history.NewEvent(history.EventStart, history.ProcessWebServer, h.PID(), "port "+strconv.Itoa(chosen)))
	m.log.Info("web server spawned", "port", chosen, "pid", h.PID())

	go m.awaitReady(runCtx, h, chosen, starting)
	go m.monitor(h)
	return chosen, nil
}

func (m *Manager) awaitReady(ctx context.Context, h *process.Handle, port int, starting chan struct{}) {
	defer close(starting)
	s := m.opts.Settings
	path := s.HealthPath
	if path == "" {
		path = "/health"
	}
	det := detector.HTTPHealth{
		URL:     "http://" + net.JoinHostPort(m.opts.Host, strconv.Itoa(port)) + path,
		Timeout: time.Second,
	}
	began := time.Now()
	err := h.WaitReady(ctx, det, s.ReadyTimeout)

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
		metrics.ObserveReadyDuration(history.ProcessWebServer, time.Since(began).Seconds())
		m.log.Info("web server ready", "port", port, "pid", h.PID())
	case ctx.Err() != nil:
	default:
		m.log.Warn("web server readiness failed", "port", port, "error", err)
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
	m.lastError = msg
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
	return "web server exited"
}

func (m *Manager) reportCrash(h *process.Handle, msg string) {
	metrics.IncCrash(history.ProcessWebServer)
	m.opts.History.Record(history.NewEvent(history.EventCrash, history.ProcessWebServer, h.PID(), msg))
	m.log.Error("web server failed", "pid", h.PID(), "error", msg)
}

// StopWebServer stops the site from any state. It is a no-op when stopped.
func (m *Manager) StopWebServer(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateStopped:
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
	cancel, starting, h := m.cancelStart, m.starting, m.handle
	m.setStateLocked(StateStopping)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if starting != nil {
		<-starting
	}

	var err error
	var crashMsg string
	if h != nil {
		err = h.Stop(m.opts.Settings.StopGrace)
		switch {
		case prev.Active() && h.State() == process.StateFailed:
			crashMsg = crashMessage(h)
			m.reportCrash(h, crashMsg)
		case prev != StateFailed:
			metrics.IncStop(history.ProcessWebServer)
			m.opts.History.Record(history.NewEvent(history.EventStop, history.ProcessWebServer, h.PID(), ""))
		}
	}

	m.mu.Lock()
	m.handle = nil
	m.port = 0
	if crashMsg != "" {
		m.lastError = crashMsg
	}
	m.setStateLocked(StateStopped)
	close(done)
	m.mu.Unlock()

	if err != nil {
		m.log.Error("web server stop failed", "error", err)
		return fmt.Errorf("stop web server: %w", err)
	}
	m.log.Info("web server stopped", "previous", prev.String())
	return nil
}

// GetStatus derives a snapshot without blocking on process I/O.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	st, h, port, lastErr := m.state, m.handle, m.port, m.lastError
	m.mu.Unlock()

	s := Status{State: st.String(), LastError: lastErr}
	if h == nil || !st.Active() {
		return s
	}
	if !h.Alive() {
		s.State = StateFailed.String()
		return s
	}
	s.Running = true
	s.Port = port
	s.PID = h.PID()
	return s
}
