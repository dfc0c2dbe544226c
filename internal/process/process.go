package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

const (
	// killWait bounds how long we wait for the reaper after SIGKILL.
	killWait = 3 * time.Second
	// pipeWaitDelay bounds output draining after exit when grandchildren keep the pipes open.
	pipeWaitDelay = 2 * time.Second
	// readyPollInterval is how often readiness detectors are consulted.
	readyPollInterval = 50 * time.Millisecond
)

// Handle owns one spawned child. All methods are safe for concurrent use.
//
// State machine:
// Starting -> Running -> Stopping -> Stopped
// Starting|Running -> Failed (unrequested exit, readiness timeout)
type Handle struct {
	name string
	cmd  *exec.Cmd
	pid  int
	logs *LogBuffer

	stdout, stderr *lineWriter
	closers        []io.Closer

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	startUnix  int64 // OS-reported start time, guards against pid reuse
	stoppedAt  time.Time
	exitCode   int
	lastError  string
	stopReq    bool
	failReason string
	done       chan struct{}
}

// Spawn starts the child described by spec and begins capturing its output.
// The returned handle is in StateStarting. A missing executable or an OS
// refusal is reported as errdefs.ErrSpawn.
func Spawn(spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%s: empty command: %w", spec.Name, errdefs.ErrSpawn)
	}
	h := &Handle{
		name:     spec.Name,
		logs:     NewLogBuffer(spec.LogCapacity),
		exitCode: -1,
		done:     make(chan struct{}),
	}
	outMirror, errMirror, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", spec.Name, err, errdefs.ErrSpawn)
	}
	for _, c := range []io.WriteCloser{outMirror, errMirror} {
		if c != nil {
			h.closers = append(h.closers, c)
		}
	}
	h.stdout = newLineWriter(h.logs, writerOrNil(outMirror))
	h.stderr = newLineWriter(h.logs, writerOrNil(errMirror))

	cmd := spec.buildCommand()
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr
	cmd.WaitDelay = pipeWaitDelay
	if err := cmd.Start(); err != nil {
		h.closeMirrors()
		return nil, fmt.Errorf("%s: %v: %w", spec.Name, err, errdefs.ErrSpawn)
	}
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.state = StateStarting
	h.startedAt = time.Now()
	h.startUnix = procStartUnix(h.pid)

	go h.reap()
	return h, nil
}

func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.stdout.Flush()
	h.stderr.Flush()
	h.closeMirrors()

	code := -1
	summary := "exited"
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
		summary = h.cmd.ProcessState.String()
	} else if err != nil {
		summary = err.Error()
	}

	h.mu.Lock()
	h.exitCode = code
	h.stoppedAt = time.Now()
	switch {
	case h.failReason != "":
		h.state = StateFailed
		h.lastError = h.failReason
	case h.stopReq:
		h.state = StateStopped
	default:
		h.state = StateFailed
		h.lastError = fmt.Sprintf("%s exited unexpectedly (%s)", h.name, summary)
		if last := h.logs.Last(); last != "" {
			h.lastError += ": " + last
		}
	}
	h.mu.Unlock()

	h.logs.Append("process exited: " + summary)
	close(h.done)
}

func (h *Handle) closeMirrors() {
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) PID() int { return h.pid }

// Logs returns the handle's bounded output buffer.
func (h *Handle) Logs() *LogBuffer { return h.logs }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the recorded state without probing the OS.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Poll returns the state adjusted for OS-level liveness. It never blocks: a
// child that died but is not yet reaped already reports Stopped or Failed.
func (h *Handle) Poll() State {
	h.mu.Lock()
	st, stopReq, startUnix := h.state, h.stopReq, h.startUnix
	h.mu.Unlock()
	if st.Terminal() || st == StateNotStarted {
		return st
	}
	if isAlive(h.pid, startUnix) {
		return st
	}
	if stopReq {
		return StateStopped
	}
	return StateFailed
}

// Alive reports whether the OS still has the child as a live, non-zombie process.
func (h *Handle) Alive() bool {
	st := h.Poll()
	return !st.Terminal() && st != StateNotStarted
}

// Snapshot returns a copy of the handle's status.
func (h *Handle) Snapshot() Status {
	st := h.Poll()
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Status{
		Name:      h.name,
		PID:       h.pid,
		State:     st.String(),
		Alive:     st != StateNotStarted && !st.Terminal(),
		StartedAt: h.startedAt,
		StoppedAt: h.stoppedAt,
		ExitCode:  h.exitCode,
		LastError: h.lastError,
	}
	if st == StateFailed && s.LastError == "" {
		s.LastError = fmt.Sprintf("%s is no longer running", h.name)
	}
	return s
}

// LastError returns the recorded failure message, if any.
func (h *Handle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// WaitReady blocks until d reports ready, promoting the handle to Running.
// On timeout or detector error the child is killed and the handle ends Failed.
// A cancelled ctx returns ctx.Err() without touching the child; the caller is
// expected to be stopping it.
func (h *Handle) WaitReady(ctx context.Context, d detector.Detector, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()
	for {
		ok, err := d.Ready()
		if err != nil {
			h.Kill(fmt.Sprintf("%s readiness check failed (%s): %v", h.name, d.Describe(), err))
			return fmt.Errorf("%s: %s: %w", h.name, h.LastError(), errdefs.ErrProcessCrashed)
		}
		if ok {
			h.mu.Lock()
			promoted := h.state == StateStarting
			if promoted {
				h.state = StateRunning
			}
			h.mu.Unlock()
			if !promoted {
				return fmt.Errorf("%s: left starting state before ready: %w", h.name, errdefs.ErrProcessCrashed)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return fmt.Errorf("%s: exited before ready: %w", h.name, errdefs.ErrProcessCrashed)
		case <-deadline:
			h.Kill(fmt.Sprintf("%s not ready within %s (%s)", h.name, timeout, d.Describe()))
			return fmt.Errorf("%s: readiness timeout: %w", h.name, errdefs.ErrProcessCrashed)
		case <-tick.C:
		}
	}
}

// Stop asks the process group to exit with SIGTERM and escalates to SIGKILL
// after grace. Stopping a handle that already exited is a no-op. A child that
// died on its own before Stop keeps its Failed outcome.
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	if h.state.Terminal() || h.state == StateNotStarted {
		h.mu.Unlock()
		return nil
	}
	stopReq, startUnix := h.stopReq, h.startUnix
	h.mu.Unlock()
	if !stopReq && !isAlive(h.pid, startUnix) {
		// leftover group members may still hold the output pipes
		_ = killGroup(h.pid)
		select {
		case <-h.done:
			return nil
		case <-time.After(killWait):
			return errors.New(h.name + ": exited process was not reaped")
		}
	}

	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return nil
	}
	first := !h.stopReq
	h.stopReq = true
	h.state = StateStopping
	h.mu.Unlock()

	if first {
		_ = terminateGroup(h.pid)
	}
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-h.done:
			return nil
		case <-t.C:
		}
	}
	_ = killGroup(h.pid)
	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return errors.New(h.name + ": process did not exit after SIGKILL")
	}
}

// Kill force-terminates the child and records reason as its failure.
func (h *Handle) Kill(reason string) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	if h.failReason == "" && !h.stopReq {
		h.failReason = reason
	}
	h.mu.Unlock()

	_ = killGroup(h.pid)
	select {
	case <-h.done:
	case <-time.After(killWait):
	}
}
