// Package metrics collects per-priority delivery statistics (latency,
// delivery rate, on-time rate, throughput) alongside a Prometheus exposition
// surface. Local counters are kept beside the Prometheus series so JSON
// snapshots and scrapes report the same numbers.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dtp-project/dtp/internal/dtp/packet"
	"github.com/dtp-project/dtp/internal/logging"
)

// Prometheus series, labelled by priority where it is meaningful to slice by
// traffic class.
var (
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_packets_sent_total",
		Help: "Total DATA packets sent, by priority.",
	}, []string{"priority"})
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_packets_received_total",
		Help: "Total DATA packets received, by priority.",
	}, []string{"priority"})
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_packets_dropped_total",
		Help: "Total packets dropped, by priority and reason.",
	}, []string{"priority", "reason"})
	PacketsOnTime = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_packets_on_time_total",
		Help: "Total received packets that arrived within their deadline, by priority.",
	}, []string{"priority"})
	PacketsLate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_packets_late_total",
		Help: "Total received packets that missed their deadline, by priority.",
	}, []string{"priority"})
	LatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dtp_latency_milliseconds",
		Help:    "End-to-end packet latency, by priority.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"priority"})
	ThroughputPPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dtp_throughput_packets_per_second",
		Help: "Packets received in the trailing one-second window.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dtp_queue_depth",
		Help: "Current scheduler queue depth.",
	})
	CongestionRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dtp_congestion_send_rate",
		Help: "Current AIMD sending rate in packets per second.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrSend       = "send"
	ErrReceive    = "receive"
	ErrDecode     = "decode"
	ErrHandshake  = "handshake"
	ErrClockSync  = "clocksync"
	ErrControlAPI = "control_api"
)

// StartHTTP serves Prometheus metrics at /metrics and a liveness probe at
// /health on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// IncError increments the Prometheus error counter for label and its local
// mirror.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build-info gauge once at startup.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

var localErrors uint64

// LocalErrorCount returns the lifetime local error counter.
func LocalErrorCount() uint64 { return atomic.LoadUint64(&localErrors) }

const (
	recentPacketsCap  = 100
	latencyHistoryCap = 200
	eventsCap         = 100
	percentileFloor   = 20
)

var priorities = [...]packet.Priority{packet.Critical, packet.High, packet.Medium, packet.Low}

// classStat accumulates raw counters and a latency sample list for one
// priority class.
type classStat struct {
	total     uint64
	received  uint64
	dropped   uint64
	onTime    uint64
	late      uint64
	latencies []int64
}

// PriorityStats is a computed, read-only view of one priority class.
type PriorityStats struct {
	Priority        packet.Priority
	Total           uint64
	Received        uint64
	Dropped         uint64
	OnTime          uint64
	Late            uint64
	DeliveryRate    float64
	OnTimeRate      float64
	AvgLatencyMS    float64
	MedianLatencyMS float64
	P95LatencyMS    float64
	P99LatencyMS    float64
}

func computeStats(p packet.Priority, c classStat) PriorityStats {
	s := PriorityStats{Priority: p, Total: c.total, Received: c.received, Dropped: c.dropped, OnTime: c.onTime, Late: c.late}
	if c.total > 0 {
		s.DeliveryRate = float64(c.received) / float64(c.total)
	}
	if c.received > 0 {
		s.OnTimeRate = float64(c.onTime) / float64(c.received)
	}
	if len(c.latencies) == 0 {
		return s
	}
	sorted := append([]int64(nil), c.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum int64
	for _, l := range sorted {
		sum += l
	}
	s.AvgLatencyMS = float64(sum) / float64(len(sorted))
	s.MedianLatencyMS = percentile(sorted, 0.50)
	s.P95LatencyMS = percentileOrMax(sorted, 0.95)
	s.P99LatencyMS = percentileOrMax(sorted, 0.99)
	return s
}

// percentile computes an index-based percentile of a pre-sorted slice.
func percentile(sorted []int64, frac float64) float64 {
	idx := int(float64(len(sorted)) * frac)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

// percentileOrMax reports the observed maximum below 20 samples, where the
// tail percentiles are too noisy to trust as index-based estimates.
func percentileOrMax(sorted []int64, frac float64) float64 {
	if len(sorted) < percentileFloor {
		return float64(sorted[len(sorted)-1])
	}
	return percentile(sorted, frac)
}

// packetRecord is a compact record of one received packet, kept for the
// recent-packets ring.
type packetRecord struct {
	Sequence   uint16
	Priority   packet.Priority
	LatencyMS  int64
	DeadlineMS uint64
	OnTime     bool
	Batched    bool
}

// point is one (elapsed_ms, value) sample in a time series.
type point struct {
	ElapsedMS uint32
	Value     float64
}

// Event is a recorded simulation event (sent/received/dropped/custom).
type Event struct {
	ElapsedMS uint32
	Type      string
	Priority  string
	Sequence  uint16
	LatencyMS int64
	OnTime    bool
	Reason    string
}

// Collector aggregates per-class statistics plus bounded history rings for
// charting, guarded by a single mutex.
type Collector struct {
	mu sync.Mutex

	// eventSink, when non-nil, receives every appended Event after the lock
	// is released. Set at construction only.
	eventSink func(Event)

	stats map[packet.Priority]*classStat

	recentPackets []packetRecord

	throughputWindow   []uint32
	lastThroughputCalc uint32
	currentThroughput  float64
	throughputHistory  []point
	latencyHistory     map[packet.Priority][]point

	events []Event

	startMS uint32
}

// CollectorOption configures a Collector at construction time.
type CollectorOption func(*Collector)

// WithEventSink forwards every recorded Event to fn, e.g. a persistent
// event-log writer. fn runs outside the collector lock and must not call
// back into the Collector.
func WithEventSink(fn func(Event)) CollectorOption {
	return func(c *Collector) { c.eventSink = fn }
}

// New constructs an empty Collector whose elapsed times are measured from
// startMS.
func New(startMS uint32, opts ...CollectorOption) *Collector {
	c := &Collector{startMS: startMS}
	c.resetLocked()
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Collector) resetLocked() {
	c.stats = make(map[packet.Priority]*classStat, len(priorities))
	for _, p := range priorities {
		c.stats[p] = &classStat{}
	}
	c.recentPackets = nil
	c.throughputWindow = nil
	c.lastThroughputCalc = 0
	c.currentThroughput = 0
	c.throughputHistory = nil
	c.latencyHistory = make(map[packet.Priority][]point, len(priorities))
	for _, p := range priorities {
		c.latencyHistory[p] = nil
	}
	c.events = nil
}

// RecordSent registers that a DATA packet of priority p was handed to the
// transport layer.
func (c *Collector) RecordSent(p packet.Priority) {
	PacketsSent.WithLabelValues(p.String()).Inc()
	c.mu.Lock()
	c.stats[p].total++
	c.mu.Unlock()
}

// RecordReceived registers a successfully received packet, computing latency
// and on-time status from pkt, offsetMS (clock-sync correction) and nowMS.
func (c *Collector) RecordReceived(pkt packet.Packet, offsetMS float64, nowMS uint32) {
	if !pkt.Received() {
		pkt.MarkReceived(nowMS)
	}
	priority := pkt.Header.Priority
	latency, ok := pkt.Latency(offsetMS)
	onTime := pkt.IsOnTime(offsetMS)

	PacketsReceived.WithLabelValues(priority.String()).Inc()
	if onTime {
		PacketsOnTime.WithLabelValues(priority.String()).Inc()
	} else {
		PacketsLate.WithLabelValues(priority.String()).Inc()
	}
	if ok && latency >= 0 {
		LatencyMS.WithLabelValues(priority.String()).Observe(float64(latency))
	}

	c.mu.Lock()
	s := c.stats[priority]
	s.received++
	if ok && latency >= 0 {
		s.latencies = append(s.latencies, latency)
	}
	if onTime {
		s.onTime++
	} else {
		s.late++
	}

	rec := packetRecord{
		Sequence:   pkt.Header.Sequence,
		Priority:   priority,
		DeadlineMS: pkt.Header.DeadlineMS,
		OnTime:     onTime,
		Batched:    pkt.Header.BatchID > 0,
	}
	if ok {
		rec.LatencyMS = latency
	}
	c.recentPackets = append(c.recentPackets, rec)
	if len(c.recentPackets) > recentPacketsCap {
		c.recentPackets = c.recentPackets[len(c.recentPackets)-recentPacketsCap:]
	}

	elapsed := nowMS - c.startMS
	if ok && latency >= 0 {
		hist := append(c.latencyHistory[priority], point{ElapsedMS: elapsed, Value: float64(latency)})
		if len(hist) > latencyHistoryCap {
			hist = hist[len(hist)-latencyHistoryCap:]
		}
		c.latencyHistory[priority] = hist
	}

	c.throughputWindow = append(c.throughputWindow, nowMS)
	windowCutoff := int64(nowMS) - 1000
	drop := 0
	for drop < len(c.throughputWindow) && int64(c.throughputWindow[drop]) <= windowCutoff {
		drop++
	}
	c.throughputWindow = c.throughputWindow[drop:]
	c.updateThroughputLocked(nowMS)

	// Sample 1-in-10 received events to keep the log from flooding.
	var sampled *Event
	if s.received%10 == 1 {
		e := Event{
			ElapsedMS: elapsed,
			Type:      "received",
			Priority:  priority.String(),
			Sequence:  pkt.Header.Sequence,
			LatencyMS: rec.LatencyMS,
			OnTime:    onTime,
		}
		c.appendEventLocked(e)
		sampled = &e
	}
	c.mu.Unlock()
	if sampled != nil && c.eventSink != nil {
		c.eventSink(*sampled)
	}
}

// RecordDropped registers a dropped packet with a reason string
// ("expired_on_arrival", "send_queue_full", ...).
func (c *Collector) RecordDropped(p packet.Priority, sequence uint16, nowMS uint32, reason string) {
	PacketsDropped.WithLabelValues(p.String(), reason).Inc()
	e := Event{
		ElapsedMS: nowMS - c.startMS,
		Type:      "dropped",
		Priority:  p.String(),
		Sequence:  sequence,
		Reason:    reason,
	}
	c.mu.Lock()
	c.stats[p].dropped++
	c.appendEventLocked(e)
	c.mu.Unlock()
	if c.eventSink != nil {
		c.eventSink(e)
	}
}

// RecordEvent appends an application-defined event (e.g. congestion state
// changes) to the event ring.
func (c *Collector) RecordEvent(eventType string, nowMS uint32) {
	e := Event{ElapsedMS: nowMS - c.startMS, Type: eventType}
	c.mu.Lock()
	c.appendEventLocked(e)
	c.mu.Unlock()
	if c.eventSink != nil {
		c.eventSink(e)
	}
}

func (c *Collector) appendEventLocked(e Event) {
	c.events = append(c.events, e)
	if len(c.events) > eventsCap {
		c.events = c.events[len(c.events)-eventsCap:]
	}
}

// updateThroughputLocked recomputes the trailing-one-second packet count at
// most once per 100ms.
func (c *Collector) updateThroughputLocked(nowMS uint32) {
	if nowMS-c.lastThroughputCalc < 100 {
		return
	}
	c.lastThroughputCalc = nowMS
	cutoff := int64(nowMS) - 1000
	count := 0
	for _, t := range c.throughputWindow {
		if int64(t) > cutoff {
			count++
		}
	}
	c.currentThroughput = float64(count)
	ThroughputPPS.Set(c.currentThroughput)
	elapsed := nowMS - c.startMS
	c.throughputHistory = append(c.throughputHistory, point{ElapsedMS: elapsed, Value: c.currentThroughput})
	if len(c.throughputHistory) > latencyHistoryCap {
		c.throughputHistory = c.throughputHistory[len(c.throughputHistory)-latencyHistoryCap:]
	}
}

// TotalStats is the aggregate-across-classes summary returned by CurrentStats.
type TotalStats struct {
	Sent         uint64
	Received     uint64
	OnTime       uint64
	DeliveryRate float64
	OnTimeRate   float64
}

// CurrentStatsSnapshot is the full point-in-time view over all classes.
type CurrentStatsSnapshot struct {
	ElapsedMS  uint32
	Throughput float64
	Total      TotalStats
	ByPriority map[packet.Priority]PriorityStats
}

// CurrentStats returns the full current-state snapshot.
func (c *Collector) CurrentStats(nowMS uint32) CurrentStatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := CurrentStatsSnapshot{
		ElapsedMS:  nowMS - c.startMS,
		Throughput: c.currentThroughput,
		ByPriority: make(map[packet.Priority]PriorityStats, len(priorities)),
	}
	var sent, received, onTime uint64
	for _, p := range priorities {
		cs := computeStats(p, *c.stats[p])
		snap.ByPriority[p] = cs
		sent += cs.Total
		received += cs.Received
		onTime += cs.OnTime
	}
	snap.Total = TotalStats{Sent: sent, Received: received, OnTime: onTime}
	if sent > 0 {
		snap.Total.DeliveryRate = float64(received) / float64(sent)
	}
	if received > 0 {
		snap.Total.OnTimeRate = float64(onTime) / float64(received)
	}
	return snap
}

// LatencyData returns the per-class latency time series for charting.
func (c *Collector) LatencyData() map[packet.Priority][]point {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[packet.Priority][]point, len(priorities))
	for _, p := range priorities {
		out[p] = append([]point(nil), c.latencyHistory[p]...)
	}
	return out
}

// ThroughputData returns the throughput time series for charting.
func (c *Collector) ThroughputData() []point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]point(nil), c.throughputHistory...)
}

// RecentEvents returns up to count of the most recent events.
func (c *Collector) RecentEvents(count int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count <= 0 || count > len(c.events) {
		count = len(c.events)
	}
	return append([]Event(nil), c.events[len(c.events)-count:]...)
}

// RecentPackets returns up to count of the most recent received-packet
// records.
func (c *Collector) RecentPackets(count int) []packetRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count <= 0 || count > len(c.recentPackets) {
		count = len(c.recentPackets)
	}
	return append([]packetRecord(nil), c.recentPackets[len(c.recentPackets)-count:]...)
}

// ComparisonEntry is one priority class's row in a scheduler-vs-scheduler
// comparison summary.
type ComparisonEntry struct {
	AvgLatencyMS float64
	P95LatencyMS float64
	OnTimeRate   float64
	Total        uint64
	Received     uint64
}

// ComparisonSummary returns a compact per-class summary suitable for
// side-by-side scheduler comparison.
func (c *Collector) ComparisonSummary() map[packet.Priority]ComparisonEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[packet.Priority]ComparisonEntry, len(priorities))
	for _, p := range priorities {
		cs := computeStats(p, *c.stats[p])
		out[p] = ComparisonEntry{
			AvgLatencyMS: cs.AvgLatencyMS,
			P95LatencyMS: cs.P95LatencyMS,
			OnTimeRate:   cs.OnTimeRate,
			Total:        cs.Total,
			Received:     cs.Received,
		}
	}
	return out
}

// Reset clears all accumulated statistics and rebases the start time.
func (c *Collector) Reset(startMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startMS = startMS
	c.resetLocked()
}
