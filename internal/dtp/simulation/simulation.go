// Package simulation coordinates a DTP sender and receiver over loopback
// UDP to demonstrate and measure the deadline-aware scheduler against the
// FIFO baseline, driven by a configurable traffic profile.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/admission"
	"github.com/dtp-project/dtp/internal/dtp/clock"
	"github.com/dtp-project/dtp/internal/dtp/congestion"
	"github.com/dtp-project/dtp/internal/dtp/metrics"
	"github.com/dtp-project/dtp/internal/dtp/packet"
	"github.com/dtp-project/dtp/internal/dtp/scheduler"
	"github.com/dtp-project/dtp/internal/dtp/transport"
	"github.com/dtp-project/dtp/internal/logging"
)

// Mode selects which scheduler variant drives a run, so a direct comparison
// against the FIFO baseline is possible from the same engine.
type Mode string

const (
	ModeDTP    Mode = "dtp"
	ModeUDPRaw Mode = "udp_raw"
)

// State is the simulation lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// TrafficProfile describes the packet mix a run generates, scattered
// uniformly at random over Duration.
type TrafficProfile struct {
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
	Duration      time.Duration
}

func (p TrafficProfile) totalPackets() int {
	return p.CriticalCount + p.HighCount + p.MediumCount + p.LowCount
}

func (p TrafficProfile) withDefaults() TrafficProfile {
	if p.Duration == 0 {
		p.Duration = 2 * time.Second
	}
	return p
}

// Config parameterizes a single Start call.
type Config struct {
	Mode               Mode
	Profile            TrafficProfile
	SimulateCongestion bool
	CongestionLevel    float32
}

// scheduled is one generated packet's fire time, relative to run start.
type scheduled struct {
	offset   time.Duration
	priority packet.Priority
}

// Engine owns one simulation run at a time: a loopback UDP sender/receiver
// pair, the scheduler under test, and the metrics collector observing it.
type Engine struct {
	host string
	port int

	mu      sync.Mutex
	state   State
	config  Config
	results map[Mode]Results

	metrics *metrics.Collector

	onMetricsUpdate func(Snapshot)
	onStateChange   func(State)
	eventSink       func(metrics.Event)

	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	logger *slog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithAddr overrides the loopback host:port the simulated sender/receiver
// pair binds to.
func WithAddr(host string, port int) Option {
	return func(e *Engine) { e.host, e.port = host, port }
}

// WithLogger overrides the default package logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetricsUpdateCallback registers a callback fired roughly every 100ms
// while a run is active, intended to drive a control-API broadcast.
func WithMetricsUpdateCallback(fn func(Snapshot)) Option {
	return func(e *Engine) { e.onMetricsUpdate = fn }
}

// WithStateChangeCallback registers a callback fired on every state
// transition.
func WithStateChangeCallback(fn func(State)) Option {
	return func(e *Engine) { e.onStateChange = fn }
}

// WithEventSink forwards every metrics event of every run to fn, e.g. a
// persistent event-log writer.
func WithEventSink(fn func(metrics.Event)) Option {
	return func(e *Engine) { e.eventSink = fn }
}

// New constructs an idle Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		host:    "127.0.0.1",
		port:    packet.DefaultPort,
		state:   StateIdle,
		results: make(map[Mode]Results),
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the configuration of the active (or most recent) run.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsRunning reports whether the engine is in the Running state; a paused,
// completed or idle engine reports false.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	if e.onStateChange != nil {
		e.onStateChange(s)
	}
}

// Start begins a run with cfg, stopping any prior run first. It returns once
// the sender/receiver pair is wired; traffic generation proceeds in the
// background.
func (e *Engine) Start(cfg Config) error {
	e.mu.Lock()
	hasPrior := e.runCancel != nil
	e.mu.Unlock()
	if hasPrior {
		e.Stop()
		time.Sleep(50 * time.Millisecond)
	}
	cfg.Profile = cfg.Profile.withDefaults()

	clock.Reset()
	var mcOpts []metrics.CollectorOption
	if e.eventSink != nil {
		mcOpts = append(mcOpts, metrics.WithEventSink(e.eventSink))
	}
	mc := metrics.New(clock.NowMS(), mcOpts...)
	e.mu.Lock()
	e.metrics = mc
	e.config = cfg
	e.mu.Unlock()

	receiverConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", e.host, e.port))
	if err != nil {
		return fmt.Errorf("simulation: bind receiver: %w", err)
	}
	senderConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:0", e.host))
	if err != nil {
		_ = receiverConn.Close()
		return fmt.Errorf("simulation: bind sender: %w", err)
	}

	var sched scheduler.Scheduler
	if cfg.Mode == ModeUDPRaw {
		sched = scheduler.NewFIFO(1000)
	} else {
		sched = scheduler.New()
	}
	cc := congestion.New(congestion.Config{})
	ac := admission.New()

	ctx, cancel := context.WithCancel(context.Background())
	e.runCancel = cancel

	clearer := newCongestionClearer(ctx, sched)
	receiver := transport.NewReceiver(receiverConn, mc,
		transport.WithAckFunc(func(seq uint16, priority packet.Priority, peer net.Addr) {
			ack := packet.NewAck(seq, priority, clock.NowMS())
			_, _ = receiverConn.WriteTo(ack.Pack(), peer)
		}),
		transport.WithCongestionHandler(func(level float32) {
			clearer.signal()
		}),
	)
	sender := transport.NewSender(senderConn, receiverConn.LocalAddr(), sched, cc, mc)

	e.runWG.Add(1)
	go func() { defer e.runWG.Done(); _ = receiver.Run(ctx) }()
	e.runWG.Add(1)
	go func() { defer e.runWG.Done(); sender.Run(ctx) }()

	if cfg.SimulateCongestion {
		e.runWG.Add(1)
		go func() { defer e.runWG.Done(); e.simulateCongestionSignal(ctx, cfg.CongestionLevel, senderConn, receiverConn.LocalAddr()) }()
	}

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.generateTraffic(ctx, sched, ac, cfg.Profile)
	}()

	if e.onMetricsUpdate != nil {
		e.runWG.Add(1)
		go func() { defer e.runWG.Done(); e.pollMetrics(ctx) }()
	}

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		defer sender.Stop()
		defer receiverConn.Close()
		defer senderConn.Close()
		<-ctx.Done()
	}()

	e.setState(StateRunning)
	return nil
}

// generateTraffic enqueues a randomly-scheduled mix of packets over
// profile.Duration, then flushes any remaining batch and marks the run
// completed.
func (e *Engine) generateTraffic(ctx context.Context, sched scheduler.Scheduler, ac *admission.Controller, profile TrafficProfile) {
	schedule := buildSchedule(profile)
	dtp, batching := sched.(*scheduler.DTP)
	start := time.Now()
	seq := uint16(0)
	idx := 0
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for idx < len(schedule) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		elapsed := time.Since(start)
		for idx < len(schedule) && schedule[idx].offset <= elapsed {
			priority := schedule[idx].priority
			if !ac.Admit(priority) {
				idx++
				continue
			}
			p := packet.NewData([]byte(fmt.Sprintf("DTP-%s-%d", priority, seq)), priority, seq, 0, clock.NowMS())
			seq++
			idx++
			// LOW traffic is droppable and travels through the batch buffer,
			// so comparison runs exercise the batching path too.
			if priority == packet.Low {
				p.Header.Flags |= packet.Droppable
				if batching {
					if batch, ready := dtp.AddToBatch(p); ready {
						for _, bp := range batch {
							sched.Enqueue(bp)
						}
					}
					continue
				}
			}
			sched.Enqueue(p)
		}
	}
	if batching {
		for _, bp := range dtp.FlushAll() {
			sched.Enqueue(bp)
		}
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(500 * time.Millisecond):
	}
	e.finishRun()
}

// congestionClearer marks a scheduler congested on each received CONGESTION
// packet and arms a one-shot clear after 1s. The timer is guarded by ctx so
// a clear fired after the run has stopped is a no-op.
type congestionClearer struct {
	ctx   context.Context
	sched scheduler.Scheduler
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func newCongestionClearer(ctx context.Context, sched scheduler.Scheduler) *congestionClearer {
	return &congestionClearer{ctx: ctx, sched: sched, delay: defaultCongestionClearDelay}
}

const defaultCongestionClearDelay = 1 * time.Second

// congestionClearDelayForTest overrides the auto-clear delay; production
// code always uses defaultCongestionClearDelay.
func (c *congestionClearer) congestionClearDelayForTest(d time.Duration) { c.delay = d }

func (c *congestionClearer) signal() {
	c.sched.SetCongested(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.delay, func() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		c.sched.SetCongested(false)
	})
}

func buildSchedule(profile TrafficProfile) []scheduled {
	counts := map[packet.Priority]int{
		packet.Critical: profile.CriticalCount,
		packet.High:     profile.HighCount,
		packet.Medium:   profile.MediumCount,
		packet.Low:      profile.LowCount,
	}
	schedule := make([]scheduled, 0, profile.totalPackets())
	for priority, count := range counts {
		for i := 0; i < count; i++ {
			offset := time.Duration(rand.Int63n(int64(profile.Duration)))
			schedule = append(schedule, scheduled{offset: offset, priority: priority})
		}
	}
	sort.Slice(schedule, func(i, j int) bool { return schedule[i].offset < schedule[j].offset })
	return schedule
}

// simulateCongestionSignal periodically emits a CONGESTION packet at level,
// standing in for a congested network path on the receive side.
func (e *Engine) simulateCongestionSignal(ctx context.Context, level float32, conn net.PacketConn, peer net.Addr) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp := packet.NewCongestion(level, clock.NowMS())
			_, _ = conn.WriteTo(cp.Pack(), peer)
		}
	}
}

func (e *Engine) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.onMetricsUpdate(e.CurrentSnapshot())
		}
	}
}

func (e *Engine) finishRun() {
	e.mu.Lock()
	e.results[e.config.Mode] = e.resultsLocked()
	e.mu.Unlock()
	e.setState(StateCompleted)
}

// Stop halts the active run and releases its sockets.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.runCancel
	e.runCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.runWG.Wait()
	e.setState(StateIdle)
}

// Pause marks the run paused. Packet generation keeps running underneath;
// the pause is cooperative, not enforced, and only affects the reported
// state.
func (e *Engine) Pause() { e.setState(StatePaused) }

// Resume returns a paused run to running.
func (e *Engine) Resume() { e.setState(StateRunning) }

// Snapshot is the live view returned by CurrentSnapshot / the status route.
type Snapshot struct {
	State        State
	Mode         Mode
	Stats        metrics.CurrentStatsSnapshot
	RecentEvents []metrics.Event
}

// CurrentSnapshot returns the live metrics view for the active (or most
// recently active) run.
func (e *Engine) CurrentSnapshot() Snapshot {
	e.mu.Lock()
	mc := e.metrics
	state := e.state
	mode := e.config.Mode
	e.mu.Unlock()
	if mc == nil {
		return Snapshot{State: state, Mode: mode}
	}
	return Snapshot{
		State:        state,
		Mode:         mode,
		Stats:        mc.CurrentStats(clock.NowMS()),
		RecentEvents: mc.RecentEvents(20),
	}
}

// Results is a completed run's summary, suitable for the results/comparison
// routes.
type Results struct {
	Mode    Mode
	Summary map[packet.Priority]metrics.ComparisonEntry
	Stats   metrics.CurrentStatsSnapshot
}

func (e *Engine) resultsLocked() Results {
	return Results{
		Mode:    e.config.Mode,
		Summary: e.metrics.ComparisonSummary(),
		Stats:   e.metrics.CurrentStats(clock.NowMS()),
	}
}

// GetResults computes Results from the metrics of the active or most recent
// run, under that run's mode. While a run is still in progress the figures
// are partial; the stored per-mode results of GetComparison are not consulted.
func (e *Engine) GetResults() Results {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metrics == nil {
		return Results{}
	}
	return e.resultsLocked()
}

// Comparison pairs the last DTP and FIFO-baseline results for side-by-side
// display.
type Comparison struct {
	DTP    Results
	UDPRaw Results
}

// GetComparison returns the last recorded result for each mode.
func (e *Engine) GetComparison() Comparison {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Comparison{DTP: e.results[ModeDTP], UDPRaw: e.results[ModeUDPRaw]}
}

// ClearResults discards all recorded comparison results.
func (e *Engine) ClearResults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = make(map[Mode]Results)
}
