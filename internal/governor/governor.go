// Package governor regulates how many proposals may execute at once. A fixed
// tick (the escapement) drives a PI controller over the execution backlog, and
// a slower relief valve forces degraded mode under CPU or memory pressure.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/otel"
)

const (
	MinTickInterval   = 50 * time.Millisecond
	MinReliefInterval = time.Second
)

var ErrStopped = errors.New("governor stopped")

type Config struct {
	Enabled             bool          `yaml:"enabled"`
	MaxConcurrency      int           `yaml:"max_concurrency"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	TargetBacklog       int           `yaml:"target_backlog"`
	Kp                  float64       `yaml:"kp"`
	Ki                  float64       `yaml:"ki"`
	ReliefEnabled       bool          `yaml:"relief_enabled"`
	ReliefInterval      time.Duration `yaml:"relief_interval"`
	CPUThresholdPercent float64       `yaml:"cpu_threshold_percent"`
	MemoryThresholdMB   float64       `yaml:"memory_threshold_mb"`
	// DefaultTimeout bounds how long Acquire waits for a slot when the
	// caller's context carries no deadline. Zero waits indefinitely.
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MaxConcurrency:      2,
		TickInterval:        500 * time.Millisecond,
		Kp:                  0.2,
		Ki:                  0.05,
		ReliefEnabled:       true,
		ReliefInterval:      30 * time.Second,
		CPUThresholdPercent: 90,
		MemoryThresholdMB:   28000,
		DefaultTimeout:      5 * time.Minute,
	}
}

// Normalize clamps intervals and limits to their floors.
func (c Config) Normalize() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.TickInterval < MinTickInterval {
		c.TickInterval = MinTickInterval
	}
	if c.ReliefInterval < MinReliefInterval {
		c.ReliefInterval = MinReliefInterval
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// BacklogFunc reports how many proposals are waiting to execute.
type BacklogFunc func() int

// NetworkGate is the sandbox switch the relief valve flips.
type NetworkGate interface {
	SetForceBlockNetwork(block bool)
}

// GovernorState is a point-in-time view of the escapement.
type GovernorState struct {
	Allowed   int     `json:"allowed"`
	Active    int     `json:"active"`
	Backlog   int     `json:"backlog"`
	Integral  float64 `json:"integral"`
	LastError float64 `json:"last_error"`
	Ticks     uint64  `json:"ticks"`
}

// ReliefValveState is a point-in-time view of the relief valve.
type ReliefValveState struct {
	Degraded     bool      `json:"degraded"`
	CPUPercent   float64   `json:"cpu_percent"`
	UsedMemoryMB float64   `json:"used_memory_mb"`
	LastSampleAt time.Time `json:"last_sample_at"`
	Degradations int       `json:"degradations"`
}

type Options struct {
	Backlog BacklogFunc
	Sampler Sampler
	Network NetworkGate
	Audit   audit.Emitter
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// Controller owns the allowed-concurrency value. Every other component only
// reads it through Acquire and Snapshot.
type Controller struct {
	cfg     Config
	backlog BacklogFunc
	sampler Sampler
	network NetworkGate
	audit   audit.Emitter
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	state      GovernorState
	relief     ReliefValveState
	nextRelief time.Time

	stopped chan struct{}
	stopMu  sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, opts Options) *Controller {
	cfg = cfg.Normalize()
	c := &Controller{
		cfg:     cfg,
		backlog: opts.Backlog,
		sampler: opts.Sampler,
		network: opts.Network,
		audit:   opts.Audit,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		stopped: make(chan struct{}),
	}
	if c.backlog == nil {
		c.backlog = func() int { return 0 }
	}
	if c.audit == nil {
		c.audit = audit.Discard{}
	}
	if c.metrics == nil {
		c.metrics = otel.NoopMetrics()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.state.Allowed = cfg.MaxConcurrency
	return c
}

func (c *Controller) Config() Config { return c.cfg }

// Tick performs one escapement step at the given time.
func (c *Controller) Tick(now time.Time) {
	backlog := c.backlog()

	if c.cfg.ReliefEnabled && c.sampler != nil && !now.Before(c.reliefDue()) {
		c.Relieve(now)
	}

	c.mu.Lock()
	c.state.Ticks++
	c.state.Backlog = backlog
	if !c.cfg.Enabled || c.relief.Degraded {
		c.mu.Unlock()
		return
	}
	interval := c.cfg.TickInterval.Seconds()
	errTerm := float64(backlog - c.cfg.TargetBacklog)
	c.state.Integral += errTerm * interval
	c.state.LastError = errTerm
	delta := c.cfg.Kp*errTerm + c.cfg.Ki*c.state.Integral
	next := clamp(int(math.RoundToEven(float64(c.state.Allowed)+delta)), 1, c.cfg.MaxConcurrency)
	changed := next != c.state.Allowed
	c.state.Allowed = next
	active := c.state.Active
	c.mu.Unlock()

	c.logger.Debug("governor tick", "backlog", backlog, "active", active, "allowed", next)
	if changed {
		c.metrics.AllowedConcurrency.Record(context.Background(), int64(next))
		c.audit.Emit(audit.LevelInfo, "governor.update", map[string]any{"allowed": next, "error": errTerm})
	}
}

func (c *Controller) reliefDue() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRelief
}

// Relieve samples system load and toggles degraded mode.
func (c *Controller) Relieve(now time.Time) {
	if c.sampler == nil {
		return
	}
	sample, err := c.sampler.Sample()
	c.mu.Lock()
	c.nextRelief = now.Add(c.cfg.ReliefInterval)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("relief valve sample failed", "error", err)
		return
	}

	cpu := sample.CPUPercent()
	exceedCPU := c.cfg.CPUThresholdPercent > 0 && cpu > c.cfg.CPUThresholdPercent
	exceedMem := c.cfg.MemoryThresholdMB > 0 && sample.UsedMemoryMB > c.cfg.MemoryThresholdMB

	c.mu.Lock()
	c.relief.CPUPercent = cpu
	c.relief.UsedMemoryMB = sample.UsedMemoryMB
	c.relief.LastSampleAt = now
	var transition string
	switch {
	case (exceedCPU || exceedMem) && !c.relief.Degraded:
		c.relief.Degraded = true
		c.relief.Degradations++
		c.state.Allowed = 1
		transition = "relief.degrade"
	case !exceedCPU && !exceedMem && c.relief.Degraded:
		c.relief.Degraded = false
		c.state.Allowed = clamp(c.state.Allowed, 1, c.cfg.MaxConcurrency)
		transition = "relief.restore"
	}
	allowed := c.state.Allowed
	c.mu.Unlock()

	if transition == "" {
		return
	}
	degraded := transition == "relief.degrade"
	if c.network != nil {
		c.network.SetForceBlockNetwork(degraded)
	}
	data := map[string]any{"load1": sample.Load1, "cpu_percent": cpu, "used_mb": sample.UsedMemoryMB}
	topic := bus.TopicGovernorRestored
	level := audit.LevelInfo
	var flag int64
	if degraded {
		topic = bus.TopicGovernorDegraded
		level = audit.LevelWarn
		flag = 1
	}
	c.audit.Emit(level, transition, data)
	c.metrics.DegradedMode.Record(context.Background(), flag)
	c.metrics.AllowedConcurrency.Record(context.Background(), int64(allowed))
	c.bus.Publish(topic, bus.GovernorModeChanged{
		Degraded:     degraded,
		CPUPercent:   cpu,
		MemoryUsedMB: sample.UsedMemoryMB,
		AllowedSlots: allowed,
	})
	c.logger.Info("relief valve transition", "event", transition, "cpu_percent", cpu, "used_mb", sample.UsedMemoryMB)
}

// Acquire blocks until an execution slot is free, polling every tick
// interval. Without a caller deadline the wait is capped at DefaultTimeout.
// The returned release func is safe to call more than once.
func (c *Controller) Acquire(ctx context.Context) (func(), error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DefaultTimeout)
		defer cancel()
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if c.state.Active < c.state.Allowed {
			c.state.Active++
			c.mu.Unlock()
			c.metrics.ActiveExecutions.Add(ctx, 1)
			var once sync.Once
			return func() {
				once.Do(func() {
					c.mu.Lock()
					c.state.Active--
					c.mu.Unlock()
					c.metrics.ActiveExecutions.Add(context.Background(), -1)
				})
			}, nil
		}
		c.mu.Unlock()

		timer.Reset(c.cfg.TickInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopped:
			return nil, ErrStopped
		case <-timer.C:
		}
	}
}

// Allowed returns the current concurrency limit.
func (c *Controller) Allowed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Allowed
}

// Degraded reports whether the relief valve currently holds degraded mode.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relief.Degraded
}

func (c *Controller) Snapshot() (GovernorState, ReliefValveState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.relief
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// Start runs the tick loop in a background goroutine.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx)
	}()
	c.logger.Info("governor started", "tick_interval", c.cfg.TickInterval, "max_concurrency", c.cfg.MaxConcurrency)
}

// Stop cancels the tick loop, releases blocked Acquire callers and waits.
func (c *Controller) Stop() {
	c.stopMu.Do(func() { close(c.stopped) })
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("governor stopped")
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
