package metrics

import (
	"testing"

	"github.com/dtp-project/dtp/internal/dtp/packet"
)

func received(t *testing.T, seq uint16, priority packet.Priority, sentMS, recvMS uint32, deadlineMS uint64) packet.Packet {
	t.Helper()
	p := packet.NewData([]byte("x"), priority, seq, deadlineMS, sentMS)
	p.MarkReceived(recvMS)
	return p
}

func TestRecordReceivedUpdatesDeliveryAndOnTime(t *testing.T) {
	c := New(1000)
	c.RecordSent(packet.High)
	pkt := received(t, 1, packet.High, 1000, 1100, 1500) // 100ms latency, well within 1500ms deadline
	c.RecordReceived(pkt, 0, 1100)

	snap := c.CurrentStats(1200)
	s := snap.ByPriority[packet.High]
	if s.Received != 1 {
		t.Fatalf("Received = %d, want 1", s.Received)
	}
	if s.OnTime != 1 || s.Late != 0 {
		t.Fatalf("expected on-time delivery, got onTime=%d late=%d", s.OnTime, s.Late)
	}
	if s.DeliveryRate != 1.0 {
		t.Fatalf("DeliveryRate = %.2f, want 1.0", s.DeliveryRate)
	}
}

func TestRecordReceivedLateWhenOverDeadline(t *testing.T) {
	c := New(1000)
	c.RecordSent(packet.Critical)
	pkt := received(t, 1, packet.Critical, 1000, 2000, 500) // 1000ms latency > 500ms deadline
	c.RecordReceived(pkt, 0, 2000)

	snap := c.CurrentStats(2000)
	s := snap.ByPriority[packet.Critical]
	if s.Late != 1 || s.OnTime != 0 {
		t.Fatalf("expected late delivery, got onTime=%d late=%d", s.OnTime, s.Late)
	}
}

func TestPercentileFallsBackToMaxBelowSampleFloor(t *testing.T) {
	c := New(0)
	c.RecordSent(packet.Medium)
	for i := 0; i < 5; i++ {
		pkt := received(t, uint16(i), packet.Medium, 0, uint32(10+i*10), 3000)
		c.RecordReceived(pkt, 0, uint32(10+i*10))
	}
	snap := c.CurrentStats(1000)
	s := snap.ByPriority[packet.Medium]
	if s.P95LatencyMS != s.P99LatencyMS {
		t.Fatalf("below the sample floor, p95 and p99 should both equal the observed max")
	}
	maxLatency := float64(10 + 4*10)
	if s.P95LatencyMS != maxLatency {
		t.Fatalf("P95LatencyMS = %.1f, want max observed latency %.1f", s.P95LatencyMS, maxLatency)
	}
}

func TestRecordDroppedIncrementsClassCounter(t *testing.T) {
	c := New(0)
	c.RecordDropped(packet.Low, 7, 500, "expired")
	snap := c.CurrentStats(500)
	if snap.ByPriority[packet.Low].Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", snap.ByPriority[packet.Low].Dropped)
	}
	events := c.RecentEvents(10)
	if len(events) != 1 || events[0].Type != "dropped" || events[0].Reason != "expired" {
		t.Fatalf("expected one dropped event with reason=expired, got %+v", events)
	}
}

func TestRecentPacketsCapsAtWindow(t *testing.T) {
	c := New(0)
	for i := 0; i < recentPacketsCap+10; i++ {
		pkt := received(t, uint16(i), packet.Medium, 0, uint32(i+1), 3000)
		c.RecordReceived(pkt, 0, uint32(i+1))
	}
	packets := c.RecentPackets(0)
	if len(packets) != recentPacketsCap {
		t.Fatalf("RecentPackets length = %d, want %d", len(packets), recentPacketsCap)
	}
}

func TestResetClearsAccumulatedState(t *testing.T) {
	c := New(0)
	c.RecordSent(packet.High)
	pkt := received(t, 1, packet.High, 0, 10, 1500)
	c.RecordReceived(pkt, 0, 10)
	c.Reset(100)

	snap := c.CurrentStats(100)
	if snap.Total.Sent != 0 || snap.Total.Received != 0 {
		t.Fatalf("expected zeroed totals after Reset, got %+v", snap.Total)
	}
	if len(c.RecentEvents(10)) != 0 {
		t.Fatal("expected events cleared after Reset")
	}
}
