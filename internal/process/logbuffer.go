package process

import "sync"

// DefaultLogCapacity is the number of lines kept when Spec.LogCapacity is unset.
const DefaultLogCapacity = 200

// LogBuffer is a bounded FIFO of output lines. When full, the oldest line is
// evicted. Every appended line gets a sequence number so readers can resume
// from where they left off.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	head  int    // index of the oldest line
	n     int    // lines currently held
	seq   uint64 // total lines ever appended
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

// Append adds a line, evicting the oldest one when at capacity.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	c := len(b.lines)
	if b.n < c {
		b.lines[(b.head+b.n)%c] = line
		b.n++
	} else {
		b.lines[b.head] = line
		b.head = (b.head + 1) % c
	}
	b.seq++
	b.mu.Unlock()
}

// Lines returns a copy of the held lines, oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sliceLocked(0)
}

// Since returns the held lines whose sequence number is >= from, and the
// cursor to pass on the next call. Lines already evicted are skipped.
func (b *LogBuffer) Since(from uint64) ([]string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldest := b.seq - uint64(b.n)
	if from < oldest {
		from = oldest
	}
	if from >= b.seq {
		return nil, b.seq
	}
	return b.sliceLocked(int(from - oldest)), b.seq
}

// Last returns the most recent line, or "" when empty.
func (b *LogBuffer) Last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return ""
	}
	return b.lines[(b.head+b.n-1)%len(b.lines)]
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *LogBuffer) Cap() int { return len(b.lines) }

func (b *LogBuffer) sliceLocked(skip int) []string {
	out := make([]string, 0, b.n-skip)
	c := len(b.lines)
	for i := skip; i < b.n; i++ {
		out = append(out, b.lines[(b.head+i)%c])
	}
	return out
}
