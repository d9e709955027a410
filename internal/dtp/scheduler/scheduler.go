// Package scheduler implements the deadline-aware priority scheduler (DTP)
// and a FIFO baseline retained only for comparison tests. Both satisfy the
// Scheduler capability interface so callers hold the abstract type.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/clock"
	"github.com/dtp-project/dtp/internal/dtp/packet"
)

// Scheduler is the abstract capability every scheduler variant implements:
// enqueue, dequeue, clear, stats, and congestion signaling.
type Scheduler interface {
	Enqueue(p packet.Packet) bool
	Dequeue() (packet.Packet, bool)
	Clear()
	Stats() Stats
	SetCongested(congested bool)
	QueueSize() int
	SendRate() float64
	IsCongested() bool
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Enqueued       uint64
	Dequeued       uint64
	DroppedFull    uint64
	DroppedExpired uint64
	BatchesSent    uint64
	QueueSize      int
	SendRate       float64
	Congested      bool
}

const (
	defaultQueueSize      = 1000
	defaultBatchSize      = 10
	defaultBatchTimeoutMS = 50

	congestedFloorRate   = 50.0
	congestedCeilingRate = 1000.0
	congestedDecrease    = 0.5
	congestedIncrease    = 1.2
)

// entry is one priority-queue slot: the packet, its enqueue time, and the
// composite sort key. The key is captured once at enqueue and never
// recomputed, so an entry's position stays stable while queued.
type entry struct {
	packet        packet.Packet
	enqueueTimeMS uint32
	priority      packet.Priority
	ttdMS         int64 // time to deadline, snapshotted at enqueue
	seq           uint64
	index         int // heap.Interface bookkeeping
}

// pqueue implements container/heap.Interface over entry, ordered by the
// composite key (priority, time_to_deadline, enqueue_sequence), smallest
// first: higher priority, then nearer deadline, then arrival order.
type pqueue []*entry

func (q pqueue) Len() int { return len(q) }

func (q pqueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.ttdMS != b.ttdMS {
		return a.ttdMS < b.ttdMS
	}
	return a.seq < b.seq
}

func (q pqueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pqueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *pqueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// DTP is the deadline-aware priority scheduler: a composite-key priority
// queue plus a parallel batch buffer, guarded by one lock.
type DTP struct {
	mu    sync.Mutex
	queue pqueue
	clk   *clock.Clock

	maxSize int
	nextSeq uint64

	batchSize      int
	batchTimeout   time.Duration
	currentBatch   []packet.Packet
	batchStartedAt time.Time
	batchHasStart  bool
	batchID        uint16

	sendRate  float64
	congested bool

	stats Stats
}

// Option configures a DTP scheduler at construction time.
type Option func(*DTP)

// WithQueueSize overrides the default maximum queue depth (1000).
func WithQueueSize(n int) Option { return func(d *DTP) { d.maxSize = n } }

// WithBatchSize overrides the default batch flush size (10).
func WithBatchSize(n int) Option { return func(d *DTP) { d.batchSize = n } }

// WithBatchTimeout overrides the default batch flush age (50ms).
func WithBatchTimeout(t time.Duration) Option { return func(d *DTP) { d.batchTimeout = t } }

// WithClock injects a clock handle instead of the process-wide register.
func WithClock(c *clock.Clock) Option { return func(d *DTP) { d.clk = c } }

// New constructs a DTP scheduler with default queue depth and batching
// parameters unless overridden by opts.
func New(opts ...Option) *DTP {
	d := &DTP{
		maxSize:      defaultQueueSize,
		batchSize:    defaultBatchSize,
		batchTimeout: defaultBatchTimeoutMS * time.Millisecond,
		sendRate:     500.0,
	}
	for _, o := range opts {
		o(d)
	}
	heap.Init(&d.queue)
	return d
}

func (d *DTP) nowMS() uint32 {
	if d.clk != nil {
		return d.clk.NowMS()
	}
	return clock.NowMS()
}

// Enqueue appends p with its precomputed composite key. On a full queue a
// LOW+DROPPABLE packet is rejected outright; otherwise the lowest-importance
// queued entry is evicted to admit p, guaranteeing progress for
// higher-priority traffic under pressure.
func (d *DTP) Enqueue(p packet.Packet) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowMS()
	if len(d.queue) >= d.maxSize {
		if p.Header.Priority == packet.Low && p.Header.Flags.Has(packet.Droppable) {
			d.stats.DroppedFull++
			return false
		}
		d.dropLowestLocked()
	}
	e := &entry{
		packet:        p,
		enqueueTimeMS: now,
		priority:      p.Header.Priority,
		ttdMS:         p.TimeToDeadline(now),
		seq:           d.nextSeq,
	}
	d.nextSeq++
	heap.Push(&d.queue, e)
	d.stats.Enqueued++
	return true
}

// dropLowestLocked removes the queued entry with the numerically highest
// priority value (lowest importance). Called with mu held.
func (d *DTP) dropLowestLocked() {
	if len(d.queue) == 0 {
		return
	}
	worstIdx := 0
	worstPri := d.queue[0].priority
	for i, e := range d.queue {
		if e.priority > worstPri {
			worstPri = e.priority
			worstIdx = i
		}
	}
	heap.Remove(&d.queue, worstIdx)
	d.stats.DroppedFull++
}

// Dequeue pops the minimum-key entry. Expired packets are discarded and
// counted, not returned; an empty queue returns ok=false.
func (d *DTP) Dequeue() (packet.Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowMS()
	for len(d.queue) > 0 {
		e := heap.Pop(&d.queue).(*entry)
		if e.packet.IsExpired(now) {
			d.stats.DroppedExpired++
			continue
		}
		d.stats.Dequeued++
		return e.packet, true
	}
	return packet.Packet{}, false
}

// AddToBatch appends p to the batch buffer, returning the flushed batch (and
// true) once either the size or age threshold is met.
func (d *DTP) AddToBatch(p packet.Packet) ([]packet.Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.batchHasStart {
		d.batchStartedAt = time.Now()
		d.batchHasStart = true
	}
	d.currentBatch = append(d.currentBatch, p)
	ready := len(d.currentBatch) >= d.batchSize || time.Since(d.batchStartedAt) >= d.batchTimeout
	if ready {
		return d.flushBatchLocked(), true
	}
	return nil, false
}

func (d *DTP) flushBatchLocked() []packet.Packet {
	if len(d.currentBatch) == 0 {
		return nil
	}
	d.batchID++
	batch := d.currentBatch
	for i := range batch {
		batch[i].Header.Flags |= packet.Batched
		batch[i].Header.BatchID = d.batchID
	}
	d.currentBatch = nil
	d.batchHasStart = false
	d.stats.BatchesSent++
	return batch
}

// FlushAll forces a flush of any partially filled batch.
func (d *DTP) FlushAll() []packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushBatchLocked()
}

// SetCongested adjusts the advisory send rate: halved (floor 50 pkt/s) when
// entering congestion, multiplied by 1.2 (ceiling 1000 pkt/s) when clearing.
// Pacing itself is enforced by the congestion controller, not here.
func (d *DTP) SetCongested(congested bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.congested = congested
	if congested {
		d.sendRate = max(congestedFloorRate, d.sendRate*congestedDecrease)
	} else {
		d.sendRate = min(congestedCeilingRate, d.sendRate*congestedIncrease)
	}
}

// Clear empties the queue and any pending batch.
func (d *DTP) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = d.queue[:0]
	d.currentBatch = nil
	d.batchHasStart = false
}

// QueueSize returns the current number of queued entries.
func (d *DTP) QueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// SendRate returns the current advisory send rate.
func (d *DTP) SendRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendRate
}

// IsCongested reports the scheduler's congestion flag.
func (d *DTP) IsCongested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.congested
}

// Stats returns a snapshot of scheduler counters.
func (d *DTP) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.QueueSize = len(d.queue)
	s.SendRate = d.sendRate
	s.Congested = d.congested
	return s
}

var _ Scheduler = (*DTP)(nil)
