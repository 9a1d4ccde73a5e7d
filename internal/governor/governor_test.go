package governor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/governor"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

type fakeSampler struct {
	mu     sync.Mutex
	sample governor.Sample
	calls  int
}

func (f *fakeSampler) Sample() (governor.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.sample, nil
}

func (f *fakeSampler) set(s governor.Sample) {
	f.mu.Lock()
	f.sample = s
	f.mu.Unlock()
}

type fakeGate struct {
	mu      sync.Mutex
	blocked bool
	calls   int
}

func (g *fakeGate) SetForceBlockNetwork(block bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked = block
	g.calls++
}

func TestTick_PIControllerSequence(t *testing.T) {
	backlog := 0
	cfg := governor.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.TargetBacklog = 3
	cfg.ReliefEnabled = false
	g := governor.New(cfg, governor.Options{Backlog: func() int { return backlog }})

	now := time.Unix(1_700_000_000, 0)
	var got []int
	for i := 0; i < 4; i++ {
		g.Tick(now)
		got = append(got, g.Allowed())
	}
	backlog = 10
	g.Tick(now)
	got = append(got, g.Allowed())

	if diff := cmp.Diff([]int{3, 2, 1, 1, 2}, got); diff != "" {
		t.Fatalf("allowed sequence mismatch (-want +got):\n%s", diff)
	}
	state, _ := g.Snapshot()
	if state.Ticks != 5 || state.Backlog != 10 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestTick_ClampsToMaxConcurrency(t *testing.T) {
	cfg := governor.DefaultConfig()
	cfg.ReliefEnabled = false
	g := governor.New(cfg, governor.Options{Backlog: func() int { return 50 }})
	for i := 0; i < 10; i++ {
		g.Tick(time.Now())
	}
	if g.Allowed() != cfg.MaxConcurrency {
		t.Fatalf("allowed = %d, want %d", g.Allowed(), cfg.MaxConcurrency)
	}
}

func TestTick_DisabledGovernorHoldsAllowed(t *testing.T) {
	cfg := governor.DefaultConfig()
	cfg.Enabled = false
	cfg.MaxConcurrency = 3
	cfg.TargetBacklog = 10
	g := governor.New(cfg, governor.Options{})
	g.Tick(time.Now())
	if g.Allowed() != 3 {
		t.Fatalf("allowed = %d, want 3", g.Allowed())
	}
}

func TestRelief_DegradeOverridesPIAndRestores(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("governor.")
	defer b.Unsubscribe(sub)

	sampler := &fakeSampler{sample: governor.Sample{Load1: 8, Cores: 4, UsedMemoryMB: 1000}}
	gate := &fakeGate{}
	cfg := governor.DefaultConfig()
	cfg.MaxConcurrency = 4
	g := governor.New(cfg, governor.Options{
		Backlog: func() int { return 20 },
		Sampler: sampler,
		Network: gate,
		Bus:     b,
	})

	now := time.Unix(1_700_000_000, 0)
	g.Tick(now)
	if !g.Degraded() || g.Allowed() != 1 || !gate.blocked {
		t.Fatalf("expected degraded mode: degraded=%v allowed=%d blocked=%v", g.Degraded(), g.Allowed(), gate.blocked)
	}
	select {
	case ev := <-sub.Ch():
		mode, ok := ev.Payload.(bus.GovernorModeChanged)
		if ev.Topic != bus.TopicGovernorDegraded || !ok || !mode.Degraded || mode.CPUPercent != 200 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no degraded event")
	}

	// PI output is ignored while degraded, even with a large backlog.
	g.Tick(now.Add(time.Second))
	if g.Allowed() != 1 {
		t.Fatalf("allowed changed while degraded: %d", g.Allowed())
	}

	sampler.set(governor.Sample{Load1: 0.5, Cores: 4, UsedMemoryMB: 1000})
	g.Tick(now.Add(cfg.ReliefInterval))
	if g.Degraded() || gate.blocked {
		t.Fatalf("expected restore")
	}
	if g.Allowed() < 2 {
		t.Fatalf("PI control should resume after restore, allowed=%d", g.Allowed())
	}
	_, relief := g.Snapshot()
	if relief.Degradations != 1 || gate.calls != 2 {
		t.Fatalf("unexpected relief state %+v gate calls %d", relief, gate.calls)
	}
}

func TestRelief_MemoryThresholdAndSchedule(t *testing.T) {
	sampler := &fakeSampler{sample: governor.Sample{Load1: 0, Cores: 4, UsedMemoryMB: 30000}}
	cfg := governor.DefaultConfig()
	g := governor.New(cfg, governor.Options{Sampler: sampler})

	now := time.Unix(1_700_000_000, 0)
	g.Tick(now)
	g.Tick(now.Add(time.Second))
	g.Tick(now.Add(29 * time.Second))
	if sampler.calls != 1 {
		t.Fatalf("sampler calls = %d, want 1 within one relief interval", sampler.calls)
	}
	if !g.Degraded() {
		t.Fatalf("memory above threshold should degrade")
	}
	g.Tick(now.Add(30 * time.Second))
	if sampler.calls != 2 {
		t.Fatalf("sampler calls = %d, want 2", sampler.calls)
	}
}

func TestAcquire_RespectsAllowedAndRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := governor.DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.TickInterval = governor.MinTickInterval
	g := governor.New(cfg, governor.Options{})

	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while slot held, got %v", err)
	}

	release()
	release()
	state, _ := g.Snapshot()
	if state.Active != 0 {
		t.Fatalf("double release must decrement once, active=%d", state.Active)
	}

	release2, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestStop_UnblocksWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := governor.DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.TickInterval = governor.MinTickInterval
	cfg.ReliefEnabled = false
	g := governor.New(cfg, governor.Options{})
	g.Start(context.Background())

	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(2 * governor.MinTickInterval)
	g.Stop()
	select {
	case err := <-errCh:
		if !errors.Is(err, governor.ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Stop")
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := governor.Config{MaxConcurrency: 0, TickInterval: time.Millisecond, ReliefInterval: 10 * time.Millisecond}.Normalize()
	if cfg.MaxConcurrency != 1 || cfg.TickInterval != governor.MinTickInterval || cfg.ReliefInterval != governor.MinReliefInterval {
		t.Fatalf("unexpected normalized config %+v", cfg)
	}
}

func TestSampleCPUPercent(t *testing.T) {
	if got := (governor.Sample{Load1: 2, Cores: 4}).CPUPercent(); got != 50 {
		t.Fatalf("cpu percent = %v", got)
	}
	if got := (governor.Sample{Load1: 1}).CPUPercent(); got != 100 {
		t.Fatalf("zero cores must count as one, got %v", got)
	}
}

func TestHostSampler(t *testing.T) {
	s, err := governor.NewHostSampler().Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if s.Cores < 1 || s.Load1 < 0 || s.UsedMemoryMB < 0 {
		t.Fatalf("implausible sample %+v", s)
	}
}

func TestTick_HoldsSteadyAtTargetBacklog(t *testing.T) {
	backlog := 0
	cfg := governor.DefaultConfig()
	cfg.MaxConcurrency = 8
	cfg.TargetBacklog = 3
	cfg.ReliefEnabled = false
	g := governor.New(cfg, governor.Options{Backlog: func() int { return backlog }})

	now := time.Unix(1_700_000_000, 0)
	// One tick below target: error -3, integral -1.5, 8 - 0.675 rounds to 7.
	g.Tick(now)
	state, _ := g.Snapshot()
	if state.Allowed != 7 || state.Integral != -1.5 {
		t.Fatalf("after undershoot: %+v", state)
	}

	backlog = cfg.TargetBacklog
	for i := 1; i <= 10; i++ {
		g.Tick(now.Add(time.Duration(i) * cfg.TickInterval))
		state, _ := g.Snapshot()
		if state.LastError != 0 || state.Integral != -1.5 {
			t.Fatalf("tick %d at target moved the integral: %+v", i, state)
		}
		if state.Allowed != 7 {
			t.Fatalf("tick %d at target changed allowed to %d", i, state.Allowed)
		}
	}
}

func TestTick_AtTargetFromStartDoesNotMove(t *testing.T) {
	cfg := governor.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.TargetBacklog = 2
	cfg.ReliefEnabled = false
	g := governor.New(cfg, governor.Options{Backlog: func() int { return 2 }})

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		g.Tick(now)
	}
	state, _ := g.Snapshot()
	want := governor.GovernorState{Allowed: 4, Backlog: 2, Ticks: 5}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestRelief_ThresholdIsExclusive(t *testing.T) {
	tests := []struct {
		name     string
		sample   governor.Sample
		degraded bool
	}{
		{"cpu exactly at threshold", governor.Sample{Load1: 2, Cores: 4, UsedMemoryMB: 1000}, false},
		{"cpu just above threshold", governor.Sample{Load1: 2.04, Cores: 4, UsedMemoryMB: 1000}, true},
		{"memory exactly at threshold", governor.Sample{Load1: 0, Cores: 4, UsedMemoryMB: 28000}, false},
		{"memory just above threshold", governor.Sample{Load1: 0, Cores: 4, UsedMemoryMB: 28001}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := governor.DefaultConfig()
			cfg.MaxConcurrency = 4
			cfg.CPUThresholdPercent = 50
			gate := &fakeGate{}
			g := governor.New(cfg, governor.Options{Sampler: &fakeSampler{sample: tc.sample}, Network: gate})

			g.Relieve(time.Unix(1_700_000_000, 0))
			if g.Degraded() != tc.degraded || gate.blocked != tc.degraded {
				t.Fatalf("degraded=%v blocked=%v, want %v", g.Degraded(), gate.blocked, tc.degraded)
			}
			wantAllowed := 4
			if tc.degraded {
				wantAllowed = 1
			}
			if g.Allowed() != wantAllowed {
				t.Fatalf("allowed = %d, want %d", g.Allowed(), wantAllowed)
			}
		})
	}
}

func TestAcquire_DefaultTimeoutBoundsUndeadlinedWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := governor.DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.TickInterval = governor.MinTickInterval
	cfg.DefaultTimeout = 150 * time.Millisecond
	g := governor.New(cfg, governor.Options{})

	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	start := time.Now()
	if _, err := g.Acquire(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected default timeout to expire, got %v", err)
	}
	if waited := time.Since(start); waited < cfg.DefaultTimeout {
		t.Fatalf("gave up after %v, before the %v default timeout", waited, cfg.DefaultTimeout)
	}
}
