package scheduler

import (
	"sync"

	"github.com/dtp-project/dtp/internal/dtp/clock"
	"github.com/dtp-project/dtp/internal/dtp/packet"
)

// FIFO is the comparison baseline: a plain queue with no priority ordering,
// no deadline-based ordering (expired packets are still skipped on
// Dequeue), and no batching. Used only to quantify what the
// DTP scheduler buys over naive ordering.
type FIFO struct {
	mu    sync.Mutex
	queue []packet.Packet
	clk   *clock.Clock

	maxSize int
	stats   Stats

	sendRate  float64
	congested bool
}

// NewFIFO constructs a FIFO scheduler with the given maximum queue depth.
func NewFIFO(maxSize int) *FIFO {
	if maxSize <= 0 {
		maxSize = defaultQueueSize
	}
	return &FIFO{maxSize: maxSize, sendRate: 500.0}
}

func (f *FIFO) nowMS() uint32 {
	if f.clk != nil {
		return f.clk.NowMS()
	}
	return clock.NowMS()
}

// Enqueue appends p, dropping the oldest queued packet if full.
func (f *FIFO) Enqueue(p packet.Packet) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) >= f.maxSize {
		f.queue = f.queue[1:]
		f.stats.DroppedFull++
	}
	f.queue = append(f.queue, p)
	f.stats.Enqueued++
	return true
}

// Dequeue pops the oldest packet, skipping (and counting) any already expired.
func (f *FIFO) Dequeue() (packet.Packet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.nowMS()
	for len(f.queue) > 0 {
		p := f.queue[0]
		f.queue = f.queue[1:]
		if p.IsExpired(now) {
			f.stats.DroppedExpired++
			continue
		}
		f.stats.Dequeued++
		return p, true
	}
	return packet.Packet{}, false
}

// Clear empties the queue.
func (f *FIFO) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
}

// SetCongested mirrors DTP's advisory rate adjustment so comparison runs
// see like-for-like throughput shaping.
func (f *FIFO) SetCongested(congested bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.congested = congested
	if congested {
		f.sendRate = max(congestedFloorRate, f.sendRate*congestedDecrease)
	} else {
		f.sendRate = min(congestedCeilingRate, f.sendRate*congestedIncrease)
	}
}

// QueueSize returns the current queue depth.
func (f *FIFO) QueueSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// SendRate returns the current advisory send rate.
func (f *FIFO) SendRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendRate
}

// IsCongested reports the scheduler's congestion flag.
func (f *FIFO) IsCongested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.congested
}

// Stats returns a snapshot of FIFO scheduler counters.
func (f *FIFO) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.QueueSize = len(f.queue)
	s.SendRate = f.sendRate
	s.Congested = f.congested
	return s
}

var _ Scheduler = (*FIFO)(nil)
