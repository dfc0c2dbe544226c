package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	queueSize   = 256
	sendTimeout = 5 * time.Second
)

// Recorder fans events out to sinks from a single background worker so
// lifecycle paths never block on a slow database. A nil *Recorder is valid
// and drops everything.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
	queue chan Event

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks: sinks,
		log:   log.With("component", "history"),
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history send failed", "type", e.Type, "process", e.Process, "error", err)
			}
			cancel()
		}
	}
}

// Record queues e. When the queue is full the event is dropped and logged.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("history queue full, dropping event", "type", e.Type, "process", e.Process)
	}
}

// Close drains pending events and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}

// Reader returns the first sink that can list events, or nil.
func (r *Recorder) Reader() Reader {
	if r == nil {
		return nil
	}
	for _, s := range r.sinks {
		if rd, ok := s.(Reader); ok {
			return rd
		}
	}
	return nil
}
