package detector

import (
	"sync"
	"time"
)

// Delay is ready once Duration has elapsed since its first poll. It stands in
// for a real signal when the process offers none.
type Delay struct {
	Duration time.Duration

	once  sync.Once
	start time.Time
}

func (d *Delay) Ready() (bool, error) {
	d.once.Do(func() { d.start = time.Now() })
	return time.Since(d.start) >= d.Duration, nil
}

func (d *Delay) Describe() string { return "delay:" + d.Duration.String() }
