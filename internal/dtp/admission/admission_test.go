package admission

import (
	"testing"

	"github.com/dtp-project/dtp/internal/dtp/packet"
)

func TestDefaultLimitsPerClass(t *testing.T) {
	limits := DefaultLimits()
	cases := []struct {
		p     packet.Priority
		rate  float64
		burst float64
	}{
		{packet.Critical, 50, 20},
		{packet.High, 200, 50},
		{packet.Medium, 500, 100},
		{packet.Low, 1000, 200},
	}
	for _, c := range cases {
		got := limits[c.p]
		if got.Rate != c.rate || got.Burst != c.burst {
			t.Errorf("%v: got rate=%.0f burst=%.0f, want rate=%.0f burst=%.0f", c.p, got.Rate, got.Burst, c.rate, c.burst)
		}
	}
}

func TestAdmitRejectsOnceBucketExhausted(t *testing.T) {
	c := New(WithLimits(map[packet.Priority]Limit{packet.Low: {Rate: 1, Burst: 2}}))
	if !c.Admit(packet.Low) || !c.Admit(packet.Low) {
		t.Fatal("expected the first two admits (burst capacity) to succeed")
	}
	if c.Admit(packet.Low) {
		t.Fatal("expected the third admit to be rejected once burst capacity is exhausted")
	}
	snap := c.Snapshot()[packet.Low]
	if snap.Admitted != 2 || snap.Rejected != 1 {
		t.Fatalf("snapshot = %+v, want admitted=2 rejected=1", snap)
	}
}

func TestCriticalLimitDisabledBypassesBucket(t *testing.T) {
	c := New(WithLimits(map[packet.Priority]Limit{packet.Critical: {Rate: 1, Burst: 1}}), WithCriticalLimitDisabled())
	for i := 0; i < 10; i++ {
		if !c.Admit(packet.Critical) {
			t.Fatalf("expected unconditional admission of CRITICAL at i=%d when limiting is disabled", i)
		}
	}
}

func TestResetRefillsAllBucketsAndClearsCounters(t *testing.T) {
	c := New(WithLimits(map[packet.Priority]Limit{packet.High: {Rate: 1, Burst: 1}}))
	c.Admit(packet.High)
	c.Admit(packet.High) // rejected
	c.Reset()
	snap := c.Snapshot()[packet.High]
	if snap.Admitted != 0 || snap.Rejected != 0 {
		t.Fatalf("expected counters cleared after Reset, got %+v", snap)
	}
	if !c.Admit(packet.High) {
		t.Fatal("expected bucket to be refilled after Reset")
	}
}

func TestIndependentClassesDoNotShareBudget(t *testing.T) {
	c := New(WithLimits(map[packet.Priority]Limit{
		packet.Critical: {Rate: 1, Burst: 1},
		packet.Low:      {Rate: 1, Burst: 1},
	}))
	c.Admit(packet.Critical) // exhausts CRITICAL's single token
	if !c.Admit(packet.Low) {
		t.Fatal("LOW's budget must be independent of CRITICAL's")
	}
}
