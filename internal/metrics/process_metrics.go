package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures for one supervised process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// PIDSource reports the live pid per process name; absent or <=0 means not running.
type PIDSource func() map[string]int32

// ProcessMetricsCollector samples CPU and memory of the tunnel and web server.
type ProcessMetricsCollector struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	procs  map[string]*process.Process // kept across ticks so CPUPercent has a baseline
	latest map[string]ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessMetricsCollector(interval time.Duration, log *slog.Logger) *ProcessMetricsCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"process"})
	}
	return &ProcessMetricsCollector{
		interval:   interval,
		log:        log.With("component", "process_metrics"),
		procs:      make(map[string]*process.Process),
		latest:     make(map[string]ProcessMetrics),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of supervised processes."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of supervised processes."),
		numThreads: gauge("num_threads", "Number of threads of supervised processes."),
		numFDs:     gauge("num_fds", "Number of open file descriptors (Unix only)."),
	}
}

// RegisterMetrics registers the gauges; AlreadyRegisteredError is ignored.
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (c *ProcessMetricsCollector) Start(ctx context.Context, pids PIDSource) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every listed process and drops series for
// processes that are gone.
func (c *ProcessMetricsCollector) Collect(pids map[string]int32) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		m, err := c.sampleLocked(name, pid, now)
		if err != nil {
			c.log.Debug("sample failed", "process", name, "pid", pid, "error", err)
			continue
		}
		c.latest[name] = m
		c.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(m.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(m.NumFDs))
		}
	}

	for name := range c.latest {
		if pids[name] > 0 {
			continue
		}
		delete(c.latest, name)
		delete(c.procs, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

func (c *ProcessMetricsCollector) sampleLocked(name string, pid int32, now time.Time) (ProcessMetrics, error) {
	proc := c.procs[name]
	if proc == nil || proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			return ProcessMetrics{}, fmt.Errorf("open process: %w", err)
		}
		proc = p
		c.procs[name] = proc
	}

	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := proc.NumThreads()

	m := ProcessMetrics{
		PID:        pid,
		Name:       name,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

// Latest returns the last sample for name.
func (c *ProcessMetricsCollector) Latest(name string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[name]
	return m, ok
}
