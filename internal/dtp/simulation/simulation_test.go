package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/scheduler"
)

func freePort(t *testing.T) int {
	t.Helper()
	// Port 0 cannot be reused for two independent ListenPackets at a fixed
	// address the way Engine needs (receiver binds a configured port), so
	// tests pick a high, likely-free port instead of relying on the OS.
	return 41000 + int(time.Now().UnixNano()%5000)
}

func TestEngineLifecycleIdleToRunningToIdle(t *testing.T) {
	e := New(WithAddr("127.0.0.1", freePort(t)))
	if e.State() != StateIdle {
		t.Fatalf("initial state = %v, want idle", e.State())
	}

	cfg := Config{
		Mode:    ModeDTP,
		Profile: TrafficProfile{CriticalCount: 2, HighCount: 2, Duration: 50 * time.Millisecond},
	}
	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.IsRunning() {
		t.Fatal("expected engine to report running immediately after Start")
	}

	e.Stop()
	if e.State() != StateIdle {
		t.Fatalf("state after Stop = %v, want idle", e.State())
	}
}

func TestEnginePauseResumeTogglesState(t *testing.T) {
	e := New(WithAddr("127.0.0.1", freePort(t)))
	cfg := Config{Mode: ModeDTP, Profile: TrafficProfile{LowCount: 1, Duration: 50 * time.Millisecond}}
	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Pause()
	if e.State() != StatePaused {
		t.Fatalf("state = %v, want paused", e.State())
	}
	e.Resume()
	if e.State() != StateRunning {
		t.Fatalf("state = %v, want running", e.State())
	}
}

func TestEngineGeneratesAndDeliversTraffic(t *testing.T) {
	e := New(WithAddr("127.0.0.1", freePort(t)))
	cfg := Config{
		Mode:    ModeDTP,
		Profile: TrafficProfile{CriticalCount: 5, HighCount: 5, Duration: 30 * time.Millisecond},
	}
	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.CurrentSnapshot()
		if snap.Stats.Total.Sent >= 10 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected at least 10 packets sent within the timeout")
}

func TestCongestionClearerSetsThenClearsAfterDelay(t *testing.T) {
	sched := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCongestionClearer(ctx, sched)
	c.congestionClearDelayForTest(5 * time.Millisecond)

	c.signal()
	if !sched.IsCongested() {
		t.Fatal("expected scheduler congested immediately after signal")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for sched.IsCongested() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sched.IsCongested() {
		t.Fatal("expected scheduler to clear congestion after the delay")
	}
}

func TestCongestionClearerSkipsClearAfterStop(t *testing.T) {
	sched := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	c := newCongestionClearer(ctx, sched)
	c.congestionClearDelayForTest(5 * time.Millisecond)

	c.signal()
	cancel()
	time.Sleep(20 * time.Millisecond)
	if !sched.IsCongested() {
		t.Fatal("expected congestion to remain set once the run context is cancelled before the clear fires")
	}
}

func TestClearResultsEmptiesComparison(t *testing.T) {
	e := New(WithAddr("127.0.0.1", freePort(t)))
	e.results[ModeDTP] = Results{Mode: ModeDTP}
	e.ClearResults()
	cmp := e.GetComparison()
	if cmp.DTP.Mode != "" {
		t.Fatalf("expected cleared comparison, got %+v", cmp)
	}
}
