package process

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// maxPartialLine bounds how much unterminated output is held before it is
// forced into the buffer as a line of its own.
const maxPartialLine = 64 << 10

// lineWriter splits a child's output stream into lines for the LogBuffer and
// optionally tees the raw bytes to a mirror file. Writes never block on the
// buffer, so a chatty child cannot stall on us.
type lineWriter struct {
	mu      sync.Mutex
	partial []byte
	sink    *LogBuffer
	mirror  io.Writer
}

func newLineWriter(sink *LogBuffer, mirror io.Writer) *lineWriter {
	return &lineWriter{sink: sink, mirror: mirror}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mirror != nil {
		_, _ = w.mirror.Write(p)
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) >= maxPartialLine {
		w.emit(w.partial)
		w.partial = nil
	}
	return len(p), nil
}

// Flush pushes any trailing unterminated line into the buffer.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
	w.mu.Unlock()
}

func (w *lineWriter) emit(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.sink.Append(line)
}
