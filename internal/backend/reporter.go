package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Snapshot returns the backend URL and the report to send. ok=false skips the tick.
type Snapshot func() (backendURL string, r StatusReport, ok bool)

// Reporter posts status to the backend on a fixed interval.
type Reporter struct {
	mu        sync.Mutex
	scheduler *cron.Cron
	entryID   cron.EntryID
	scheduled bool
	interval  time.Duration
	timeout   time.Duration

	sender   StatusSender
	snapshot Snapshot
	log      *slog.Logger
}

func NewReporter(sender StatusSender, snapshot Snapshot, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		scheduler: cron.New(),
		sender:    sender,
		snapshot:  snapshot,
		timeout:   30 * time.Second,
		log:       log.With("component", "reporter"),
	}
}

// Start schedules the report every interval and starts the scheduler.
func (r *Reporter) Start(interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduled {
		return fmt.Errorf("reporter already scheduled")
	}
	if err := r.scheduleLocked(interval); err != nil {
		return err
	}
	r.scheduler.Start()
	r.scheduled = true
	r.log.Info("status reporter scheduled", "interval", interval)
	return nil
}

func (r *Reporter) scheduleLocked(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid report interval %s", interval)
	}
	id, err := r.scheduler.AddFunc(fmt.Sprintf("@every %s", interval), r.tick)
	if err != nil {
		return fmt.Errorf("schedule status report: %w", err)
	}
	r.entryID = id
	r.interval = interval
	return nil
}

// Reschedule swaps the interval. No-op before Start or when unchanged.
func (r *Reporter) Reschedule(interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scheduled || interval == r.interval {
		return nil
	}
	old := r.entryID
	if err := r.scheduleLocked(interval); err != nil {
		return err
	}
	r.scheduler.Remove(old)
	r.log.Info("status reporter rescheduled", "interval", interval)
	return nil
}

// Interval returns the active interval, zero when not scheduled.
func (r *Reporter) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scheduled {
		return 0
	}
	return r.interval
}

// Stop halts scheduling and waits for a running report to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.scheduled {
		r.mu.Unlock()
		return
	}
	r.scheduled = false
	r.scheduler.Remove(r.entryID)
	r.mu.Unlock()
	<-r.scheduler.Stop().Done()
	r.log.Info("status reporter stopped")
}

func (r *Reporter) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_ = r.ReportNow(ctx)
}

// ReportNow sends one report immediately.
func (r *Reporter) ReportNow(ctx context.Context) error {
	url, rep, ok := r.snapshot()
	if !ok {
		return nil
	}
	if rep.ReportedAt.IsZero() {
		rep.ReportedAt = time.Now().UTC()
	}
	if err := r.sender.ReportStatus(ctx, url, rep); err != nil {
		r.log.Warn("status report failed", "backendURL", url, "error", err)
		return err
	}
	r.log.Debug("status reported", "backendURL", url, "tunnelRunning", rep.TunnelRunning)
	return nil
}
