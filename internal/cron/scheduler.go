// Package cron runs named maintenance jobs on cron schedules: workspace
// sweeps, ledger retention and scheduled thinking cycles.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-janus/internal/shared"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// @hourly or @every 10m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named periodic task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler checks its jobs every interval and runs the ones that are due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every job spec up front. Each job first runs at the
// spec's next activation after construction.
func NewScheduler(cfg Config, jobs ...Job) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{logger: logger, interval: interval, now: now}
	start := now()
	for _, j := range jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("cron job %q: nil run func", j.Name)
		}
		sched, err := cronParser.Parse(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: parse %q: %w", j.Name, j.Spec, err)
		}
		s.entries = append(s.entries, &entry{job: j, schedule: sched, next: sched.Next(start)})
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every job whose next activation is not after now and returns the
// names it ran.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ran []string
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e)
		e.next = e.schedule.Next(now)
		ran = append(ran, e.job.Name)
	}
	return ran
}

// RunNow runs the named job immediately without moving its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.job.Run(ctx)
		}
	}
	return fmt.Errorf("cron job %q not found", name)
}

// NextRuns reports the next activation of each job.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		out[e.job.Name] = e.next
	}
	return out
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "job", e.job.Name, "panic", r)
		}
	}()
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	if err := e.job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "trace_id", traceID, "error", err)
		return
	}
	s.logger.Info("cron: job ran", "job", e.job.Name, "trace_id", traceID, "duration", s.now().Sub(start))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
