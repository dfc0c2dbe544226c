package detector

import (
	"regexp"
	"sync"
)

// LineSource yields output lines appended since a cursor.
type LineSource interface {
	Since(cursor uint64) ([]string, uint64)
}

// LogPattern is ready once any line from Source matches Pattern.
type LogPattern struct {
	Pattern *regexp.Regexp
	Source  LineSource

	mu      sync.Mutex
	cursor  uint64
	matched bool
}

func NewLogPattern(re *regexp.Regexp, src LineSource) *LogPattern {
	return &LogPattern{Pattern: re, Source: src}
}

func (d *LogPattern) Ready() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.matched {
		return true, nil
	}
	lines, next := d.Source.Since(d.cursor)
	d.cursor = next
	for _, l := range lines {
		if d.Pattern.MatchString(l) {
			d.matched = true
			return true, nil
		}
	}
	return false, nil
}

func (d *LogPattern) Describe() string { return "log:" + d.Pattern.String() }
