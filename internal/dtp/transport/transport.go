// Package transport drives DTP packets over a net.PacketConn: a Sender that
// drains a scheduler through a single writer goroutine and paces against a
// congestion controller, and a Receiver that reads, validates, times out
// expired packets, and feeds metrics and optional ACK/congestion signaling.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/clock"
	"github.com/dtp-project/dtp/internal/dtp/clocksync"
	"github.com/dtp-project/dtp/internal/dtp/congestion"
	"github.com/dtp-project/dtp/internal/dtp/metrics"
	"github.com/dtp-project/dtp/internal/dtp/packet"
	"github.com/dtp-project/dtp/internal/dtp/scheduler"
	"github.com/dtp-project/dtp/internal/logging"
)

// Sentinel errors, classified into metrics.Errors label values by
// classifyError.
var (
	ErrListen        = errors.New("dtp transport: listen")
	ErrSend          = errors.New("dtp transport: send")
	ErrReceive       = errors.New("dtp transport: receive")
	ErrAsyncTxClosed = errors.New("dtp transport: async tx closed")
)

func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrSend):
		return metrics.ErrSend
	case errors.Is(err, ErrReceive):
		return metrics.ErrReceive
	default:
		return metrics.ErrDecode
	}
}

// outboundWriter funnels packet writes through a single goroutine so
// producers never block on a slow or wedged socket.
type outboundWriter struct {
	mu     sync.Mutex
	ch     chan packet.Packet
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	write  func(packet.Packet) error
	onDrop func(packet.Packet)
}

func newOutboundWriter(parent context.Context, buf int, write func(packet.Packet) error, onDrop func(packet.Packet)) *outboundWriter {
	ctx, cancel := context.WithCancel(parent)
	w := &outboundWriter{
		ch:     make(chan packet.Packet, buf),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		onDrop: onDrop,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *outboundWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case p, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.write(p); err != nil {
				logging.L().Warn("dtp_send_error", "error", err, "sequence", p.Header.Sequence)
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *outboundWriter) Enqueue(p packet.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrAsyncTxClosed
	}
	select {
	case w.ch <- p:
		return nil
	default:
		if w.onDrop != nil {
			w.onDrop(p)
		}
		return nil
	}
}

func (w *outboundWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.cancel()
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}

// Sender drains a priority scheduler, enforces congestion-controller pacing,
// and writes packets to a remote peer over a net.PacketConn.
type Sender struct {
	conn       net.PacketConn
	remoteAddr net.Addr
	sched      scheduler.Scheduler
	cc         *congestion.Controller
	metrics    *metrics.Collector
	clk        *clock.Clock
	logger     *slog.Logger

	pollInterval time.Duration
	writer       *outboundWriter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SenderOption configures a Sender at construction time.
type SenderOption func(*Sender)

// WithSenderLogger overrides the default package logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSenderPollInterval overrides how often an empty scheduler is re-polled.
func WithSenderPollInterval(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSenderClock injects a clock handle instead of the process-wide register.
func WithSenderClock(c *clock.Clock) SenderOption { return func(s *Sender) { s.clk = c } }

const defaultSenderPoll = 2 * time.Millisecond

// NewSender constructs a Sender bound to conn, addressing remoteAddr, pulling
// from sched, paced by cc, and recording into mc.
func NewSender(conn net.PacketConn, remoteAddr net.Addr, sched scheduler.Scheduler, cc *congestion.Controller, mc *metrics.Collector, opts ...SenderOption) *Sender {
	s := &Sender{
		conn:         conn,
		remoteAddr:   remoteAddr,
		sched:        sched,
		cc:           cc,
		metrics:      mc,
		pollInterval: defaultSenderPoll,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sender) nowMS() uint32 {
	if s.clk != nil {
		return s.clk.NowMS()
	}
	return clock.NowMS()
}

// Run drives the send loop until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.writer = newOutboundWriter(ctx, 256, s.writePacket, s.onDrop)
	s.wg.Add(1)
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.writer.Close()
			return
		case <-ticker.C:
			s.drainOnce()
		}
	}
}

// drainOnce dequeues and paces a single packet, if the congestion controller
// currently allows sending.
func (s *Sender) drainOnce() {
	if !s.cc.CanSend() {
		return
	}
	p, ok := s.sched.Dequeue()
	if !ok {
		return
	}
	s.cc.OnPacketSent()
	if s.metrics != nil {
		s.metrics.RecordSent(p.Header.Priority)
	}
	if err := s.writer.Enqueue(p); err != nil {
		s.logger.Warn("dtp_sender_enqueue_failed", "error", err)
	}
}

func (s *Sender) writePacket(p packet.Packet) error {
	_, err := s.conn.WriteTo(p.Pack(), s.remoteAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

func (s *Sender) onDrop(p packet.Packet) {
	if s.metrics != nil {
		s.metrics.RecordDropped(p.Header.Priority, p.Header.Sequence, s.nowMS(), "send_queue_full")
	}
}

// Stop cancels the send loop and waits for it and its writer goroutine to
// exit. Packets still buffered for the writer at that point may be discarded
// unsent.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Receiver reads DTP datagrams from a net.PacketConn, validates and unpacks
// them, and feeds metrics plus optional ACK/congestion handling.
type Receiver struct {
	conn    net.PacketConn
	metrics *metrics.Collector
	clk     *clock.Clock
	logger  *slog.Logger

	readDeadline time.Duration

	// ackFunc, when non-nil, is invoked for RELIABLE data packets so the
	// caller can send back an ACK.
	ackFunc func(seq uint16, priority packet.Priority, peer net.Addr)
	// onCongestion, when non-nil, is invoked for CONGESTION packets.
	onCongestion func(level float32)
	// processingDelay, when non-nil, simulates priority-scaled handling cost
	// before metrics are recorded.
	processingDelay func(priority packet.Priority) time.Duration

	mu      sync.Mutex
	running bool
}

// ReceiverOption configures a Receiver at construction time.
type ReceiverOption func(*Receiver)

// WithReceiverLogger overrides the default package logger.
func WithReceiverLogger(l *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithReceiverClock injects a clock handle instead of the process-wide register.
func WithReceiverClock(c *clock.Clock) ReceiverOption { return func(r *Receiver) { r.clk = c } }

// WithReadDeadline overrides the default 100ms bounded read, used so Run can
// observe context cancellation promptly.
func WithReadDeadline(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.readDeadline = d
		}
	}
}

// WithAckFunc registers a callback invoked for each RELIABLE data packet.
func WithAckFunc(fn func(seq uint16, priority packet.Priority, peer net.Addr)) ReceiverOption {
	return func(r *Receiver) { r.ackFunc = fn }
}

// WithCongestionHandler registers a callback invoked for CONGESTION packets.
func WithCongestionHandler(fn func(level float32)) ReceiverOption {
	return func(r *Receiver) { r.onCongestion = fn }
}

// WithProcessingDelay installs a simulated per-priority handling delay,
// applied after a packet is unpacked and before metrics are recorded.
func WithProcessingDelay(fn func(priority packet.Priority) time.Duration) ReceiverOption {
	return func(r *Receiver) { r.processingDelay = fn }
}

const defaultReadDeadline = 100 * time.Millisecond

// NewReceiver constructs a Receiver reading from conn and recording into mc.
func NewReceiver(conn net.PacketConn, mc *metrics.Collector, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		conn:         conn,
		metrics:      mc,
		readDeadline: defaultReadDeadline,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Receiver) nowMS() uint32 {
	if r.clk != nil {
		return r.clk.NowMS()
	}
	return clock.NowMS()
}

const maxDatagramSize = 65507

// Run reads datagrams until ctx is cancelled. Malformed datagrams are
// silently dropped; no NACK is sent for framing errors.
func (r *Receiver) Run(ctx context.Context) error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.readDeadline)); err != nil {
			return fmt.Errorf("%w: %v", ErrReceive, err)
		}
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("%w: %v", ErrReceive, err)
		}
		r.handleDatagram(buf[:n], addr)
	}
}

func (r *Receiver) handleDatagram(data []byte, addr net.Addr) {
	p, err := packet.Unpack(data)
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		r.logger.Debug("dtp_decode_error", "error", err)
		return
	}

	now := r.nowMS()
	if p.Header.Type == packet.Congestion {
		if r.onCongestion != nil {
			if level, err := packet.CongestionLevel(p); err == nil {
				r.onCongestion(level)
			}
		}
		return
	}
	if p.Header.Type != packet.Data {
		return
	}

	if p.IsExpired(now) {
		if r.metrics != nil {
			r.metrics.RecordDropped(p.Header.Priority, p.Header.Sequence, now, "expired_on_arrival")
		}
		return
	}

	if r.processingDelay != nil {
		time.Sleep(r.processingDelay(p.Header.Priority))
	}

	p.MarkReceived(r.nowMS())
	if r.metrics != nil {
		r.metrics.RecordReceived(p, clocksync.GlobalOffset(), r.nowMS())
	}
	if p.Header.Flags.Has(packet.Reliable) && r.ackFunc != nil {
		r.ackFunc(p.Header.Sequence, p.Header.Priority, addr)
	}
}

// Running reports whether the receive loop is currently active.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
