package orchestrator

import (
	"bytes"
	"context"
	"sync"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
	"github.com/loykin/tunnelkeeper/internal/tunnel"
	"github.com/loykin/tunnelkeeper/internal/webserver"
)

// calls records the order of stop calls across both fakes.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	c.log = append(c.log, s)
	c.mu.Unlock()
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeTunnel struct {
	calls *calls

	mu       sync.Mutex
	state    tunnel.State
	startErr error
	stopErr  error
	lastErr  string
	hook     func(error)
}

func (f *fakeTunnel) StartTunnel(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.state.Active() {
		return errdefs.ErrAlreadyRunning
	}
	f.state = tunnel.StateRunning
	return nil
}

func (f *fakeTunnel) StopTunnel(context.Context) error {
	f.calls.add("tunnel")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = tunnel.StateIdle
	return f.stopErr
}

func (f *fakeTunnel) GetStatus() tunnel.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := tunnel.Status{TunnelName: "my-tunnel", State: f.state.String(), Logs: []string{}}
	if f.state.Active() {
		s.Running, s.PID = true, 100
	}
	return s
}

func (f *fakeTunnel) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.lastErr
	f.lastErr = ""
	return msg
}

func (f *fakeTunnel) SetFailureHook(fn func(error)) { f.hook = fn }

func (f *fakeTunnel) set(s tunnel.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

type fakeWeb struct {
	calls *calls

	mu        sync.Mutex
	state     webserver.State
	port      int
	startErr  error
	stopErr   error
	requested []int
	hook      func(error)
}

func (f *fakeWeb) StartWebServer(_ context.Context, port int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, port)
	if f.startErr != nil {
		return 0, f.startErr
	}
	if f.state.Active() {
		return 0, errdefs.ErrAlreadyRunning
	}
	if port == 0 {
		port = 49152
	}
	f.state, f.port = webserver.StateRunning, port
	return port, nil
}

func (f *fakeWeb) StopWebServer(context.Context) error {
	f.calls.add("webserver")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.port = webserver.StateStopped, 0
	return f.stopErr
}

func (f *fakeWeb) GetStatus() webserver.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := webserver.Status{State: f.state.String()}
	if f.state.Active() {
		s.Running, s.Port, s.PID = true, f.port, 200
	}
	return s
}

func (f *fakeWeb) SetFailureHook(fn func(error)) { f.hook = fn }

func (f *fakeWeb) set(s webserver.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// blockingTunnel holds StartTunnel until release is closed or ctx is done.
type blockingTunnel struct {
	*fakeTunnel
	release chan struct{}
}

func (b *blockingTunnel) StartTunnel(ctx context.Context, tok string) error {
	select {
	case <-b.release:
		return b.fakeTunnel.StartTunnel(ctx, tok)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
