package scheduler

import (
	"testing"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/clock"
	"github.com/dtp-project/dtp/internal/dtp/packet"
)

func mustPacket(t *testing.T, priority packet.Priority, seq uint16, deadlineMS uint64, nowMS uint32) packet.Packet {
	t.Helper()
	return packet.NewData([]byte("payload"), priority, seq, deadlineMS, nowMS)
}

func TestDTPPriorityOrdering(t *testing.T) {
	d := New()
	d.Enqueue(mustPacket(t, packet.Low, 1, 6000, 1000))
	d.Enqueue(mustPacket(t, packet.Critical, 2, 500, 1000))
	d.Enqueue(mustPacket(t, packet.Medium, 3, 3000, 1000))
	d.Enqueue(mustPacket(t, packet.High, 4, 1500, 1000))

	want := []packet.Priority{packet.Critical, packet.High, packet.Medium, packet.Low}
	for i, w := range want {
		p, ok := d.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: queue empty early", i)
		}
		if p.Header.Priority != w {
			t.Fatalf("dequeue %d: got priority %v, want %v", i, p.Header.Priority, w)
		}
	}
}

func TestDTPSamePriorityOrderedByDeadlineThenSequence(t *testing.T) {
	d := New()
	// Same priority: a packet closer to its deadline must come first.
	d.Enqueue(mustPacket(t, packet.High, 1, 5000, 1000)) // far from deadline
	d.Enqueue(mustPacket(t, packet.High, 2, 100, 1000))  // about to expire

	p, ok := d.Dequeue()
	if !ok || p.Header.Sequence != 2 {
		t.Fatalf("expected sequence 2 (soonest deadline) first, got seq=%d ok=%v", p.Header.Sequence, ok)
	}
}

func TestDTPDequeueSkipsExpired(t *testing.T) {
	c := clock.New()
	d := New(WithClock(c))
	// A packet whose deadline has already elapsed by the time it is enqueued.
	d.Enqueue(mustPacket(t, packet.Medium, 1, 1, c.NowMS()))
	time.Sleep(5 * time.Millisecond)
	// A fresh packet with a deadline far in the future, enqueued afterward.
	d.Enqueue(mustPacket(t, packet.Medium, 2, 6000, c.NowMS()))

	p, ok := d.Dequeue()
	if !ok {
		t.Fatal("expected a packet")
	}
	if p.Header.Sequence != 2 {
		t.Fatalf("expected the still-fresh packet (seq 2), got seq=%d; expired packet should have been skipped", p.Header.Sequence)
	}
	stats := d.Stats()
	if stats.DroppedExpired != 1 {
		t.Fatalf("DroppedExpired = %d, want 1", stats.DroppedExpired)
	}
}

func TestDTPEnqueueFullDropsLowestPriority(t *testing.T) {
	d := New(WithQueueSize(2))
	d.Enqueue(mustPacket(t, packet.Critical, 1, 500, 1000))
	d.Enqueue(mustPacket(t, packet.Low, 2, 6000, 1000))
	if !d.Enqueue(mustPacket(t, packet.High, 3, 1500, 1000)) {
		t.Fatal("enqueue should succeed by evicting the LOW entry")
	}
	if d.QueueSize() != 2 {
		t.Fatalf("QueueSize = %d, want 2", d.QueueSize())
	}
	// The remaining two entries should be CRITICAL and HIGH, not LOW.
	seen := map[packet.Priority]bool{}
	for {
		p, ok := d.Dequeue()
		if !ok {
			break
		}
		seen[p.Header.Priority] = true
	}
	if seen[packet.Low] {
		t.Fatal("LOW priority packet should have been evicted")
	}
	if !seen[packet.Critical] || !seen[packet.High] {
		t.Fatal("expected CRITICAL and HIGH to survive eviction")
	}
}

func TestDTPEnqueueFullEvictsOnlyLowestClass(t *testing.T) {
	d := New(WithQueueSize(3))
	d.Enqueue(mustPacket(t, packet.High, 1, 1500, 1000))
	d.Enqueue(mustPacket(t, packet.Medium, 2, 3000, 1000))
	d.Enqueue(mustPacket(t, packet.Low, 3, 6000, 1000))
	if !d.Enqueue(mustPacket(t, packet.Critical, 4, 500, 1000)) {
		t.Fatal("CRITICAL enqueue on a full queue should evict and succeed")
	}

	want := []packet.Priority{packet.Critical, packet.High, packet.Medium}
	for i, w := range want {
		p, ok := d.Dequeue()
		if !ok || p.Header.Priority != w {
			t.Fatalf("dequeue %d: got %v (ok=%v), want %v", i, p.Header.Priority, ok, w)
		}
	}
	if _, ok := d.Dequeue(); ok {
		t.Fatal("queue should be empty; LOW must have been evicted")
	}
}

func TestDTPEnqueueFullRejectsDroppableLow(t *testing.T) {
	d := New(WithQueueSize(1))
	d.Enqueue(mustPacket(t, packet.Medium, 1, 3000, 1000))
	low := mustPacket(t, packet.Low, 2, 6000, 1000)
	low.Header.Flags |= packet.Droppable
	if d.Enqueue(low) {
		t.Fatal("a droppable LOW packet on a full queue must be rejected, not admitted by eviction")
	}
	stats := d.Stats()
	if stats.DroppedFull != 1 {
		t.Fatalf("DroppedFull = %d, want 1", stats.DroppedFull)
	}
}

func TestDTPBatchFlushesOnSize(t *testing.T) {
	d := New(WithBatchSize(3))
	for i := 0; i < 2; i++ {
		if _, ready := d.AddToBatch(mustPacket(t, packet.Medium, uint16(i), 3000, 1000)); ready {
			t.Fatalf("batch should not flush before reaching batch size, at i=%d", i)
		}
	}
	batch, ready := d.AddToBatch(mustPacket(t, packet.Medium, 2, 3000, 1000))
	if !ready || len(batch) != 3 {
		t.Fatalf("expected a flushed batch of 3, got ready=%v len=%d", ready, len(batch))
	}
	for _, p := range batch {
		if !p.Header.Flags.Has(packet.Batched) {
			t.Fatal("flushed packets must carry the Batched flag")
		}
	}
}

func TestDTPFlushAllForcesPartialBatch(t *testing.T) {
	d := New(WithBatchSize(10))
	d.AddToBatch(mustPacket(t, packet.Medium, 1, 3000, 1000))
	batch := d.FlushAll()
	if len(batch) != 1 {
		t.Fatalf("FlushAll: got %d packets, want 1", len(batch))
	}
	if empty := d.FlushAll(); empty != nil {
		t.Fatalf("FlushAll on an empty batch should return nil, got %v", empty)
	}
}

func TestDTPSetCongestedAdjustsRateWithinBounds(t *testing.T) {
	d := New()
	initial := d.SendRate()
	d.SetCongested(true)
	if got := d.SendRate(); got >= initial {
		t.Fatalf("congested rate %.1f should be below initial %.1f", got, initial)
	}
	for i := 0; i < 50; i++ {
		d.SetCongested(true)
	}
	if got := d.SendRate(); got < congestedFloorRate {
		t.Fatalf("rate %.1f fell below floor %.1f", got, congestedFloorRate)
	}
	d.SetCongested(false)
	for i := 0; i < 50; i++ {
		d.SetCongested(false)
	}
	if got := d.SendRate(); got > congestedCeilingRate {
		t.Fatalf("rate %.1f exceeded ceiling %.1f", got, congestedCeilingRate)
	}
}

func TestFIFOOrderingIsInsertionOrder(t *testing.T) {
	f := NewFIFO(10)
	f.Enqueue(mustPacket(t, packet.Low, 1, 6000, 1000))
	f.Enqueue(mustPacket(t, packet.Critical, 2, 500, 1000))

	p, ok := f.Dequeue()
	if !ok || p.Header.Sequence != 1 {
		t.Fatalf("FIFO must ignore priority and return insertion order; got seq=%d ok=%v", p.Header.Sequence, ok)
	}
}

func TestFIFODropsOldestWhenFull(t *testing.T) {
	f := NewFIFO(2)
	f.Enqueue(mustPacket(t, packet.Medium, 1, 3000, 1000))
	f.Enqueue(mustPacket(t, packet.Medium, 2, 3000, 1000))
	f.Enqueue(mustPacket(t, packet.Medium, 3, 3000, 1000))

	p, ok := f.Dequeue()
	if !ok || p.Header.Sequence != 2 {
		t.Fatalf("expected the oldest packet (seq 1) to have been dropped, got seq=%d", p.Header.Sequence)
	}
	if f.Stats().DroppedFull != 1 {
		t.Fatalf("DroppedFull = %d, want 1", f.Stats().DroppedFull)
	}
}
