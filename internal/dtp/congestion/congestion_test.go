package congestion

import (
	"testing"
	"time"
)

func TestNewAppliesDefaultsWhenZeroValued(t *testing.T) {
	c := New(Config{})
	if got := c.CurrentRate(); got != defaultInitialRate {
		t.Fatalf("CurrentRate() = %f, want default %f", got, defaultInitialRate)
	}
}

func TestAdditiveIncreaseEveryTenAcks(t *testing.T) {
	c := New(Config{InitialRate: 100, MaxRate: 1000, AdditiveIncrease: 10})
	c.OnAckReceived(10)
	if got := c.CurrentRate(); got != 110 {
		t.Fatalf("CurrentRate() after 10 ACKs = %f, want 110", got)
	}
}

func TestAdditiveIncreaseDoesNotFireBeforeThreshold(t *testing.T) {
	c := New(Config{InitialRate: 100, MaxRate: 1000, AdditiveIncrease: 10})
	c.OnAckReceived(9)
	if got := c.CurrentRate(); got != 100 {
		t.Fatalf("CurrentRate() after 9 ACKs = %f, want unchanged 100", got)
	}
}

func TestAdditiveIncreaseRespectsMaxRate(t *testing.T) {
	c := New(Config{InitialRate: 995, MaxRate: 1000, AdditiveIncrease: 10})
	c.OnAckReceived(10)
	if got := c.CurrentRate(); got != 1000 {
		t.Fatalf("CurrentRate() = %f, want clamped to MaxRate 1000", got)
	}
}

func TestLossAboveThresholdTriggersMultiplicativeDecrease(t *testing.T) {
	c := New(Config{InitialRate: 1000, MinRate: 50, MultiplicativeDecrease: 0.5, LossThreshold: 0.02})
	c.mu.Lock()
	c.windowStart = time.Now().Add(-2 * time.Second) // force the window to be due for evaluation
	c.sentInWindow = 100
	c.mu.Unlock()
	c.OnLossDetected(10) // 10% loss, above the 2% threshold

	if got := c.CurrentRate(); got != 500 {
		t.Fatalf("CurrentRate() after loss-triggered decrease = %f, want 500", got)
	}
	if !c.IsCongested() {
		t.Fatal("expected controller to report congested after multiplicative decrease")
	}
}

func TestLossBelowThresholdClearsCongestion(t *testing.T) {
	c := New(Config{InitialRate: 1000, LossThreshold: 0.10})
	c.mu.Lock()
	c.congested = true
	c.windowStart = time.Now().Add(-2 * time.Second)
	c.sentInWindow = 100
	c.mu.Unlock()
	c.OnLossDetected(1) // 1% loss, below the 10% threshold

	if c.IsCongested() {
		t.Fatal("expected congestion to clear once loss rate falls below threshold")
	}
}

func TestOnTimeoutAppliesAggressiveDecrease(t *testing.T) {
	c := New(Config{InitialRate: 1000, MinRate: 50, MultiplicativeDecrease: 0.5})
	c.OnTimeout()
	// 1.5x the normal decrease factor: rate *= (1 - 0.5*1.5) = rate * 0.25
	if got := c.CurrentRate(); got != 250 {
		t.Fatalf("CurrentRate() after timeout = %f, want 250", got)
	}
}

func TestDecreaseCooldownSuppressesRepeatedTimeouts(t *testing.T) {
	c := New(Config{InitialRate: 1000, MinRate: 50, MultiplicativeDecrease: 0.5})
	c.OnTimeout()
	rateAfterFirst := c.CurrentRate()
	c.OnTimeout() // immediately after; should be suppressed by the cooldown
	if got := c.CurrentRate(); got != rateAfterFirst {
		t.Fatalf("CurrentRate() after a second immediate timeout = %f, want unchanged %f", got, rateAfterFirst)
	}
}

func TestRateNeverFallsBelowMinRate(t *testing.T) {
	c := New(Config{InitialRate: 60, MinRate: 50, MultiplicativeDecrease: 0.9})
	c.OnTimeout()
	if got := c.CurrentRate(); got < 50 {
		t.Fatalf("CurrentRate() = %f, should not fall below MinRate 50", got)
	}
}

func TestResetRestoresInitialRate(t *testing.T) {
	c := New(Config{InitialRate: 500})
	c.OnTimeout()
	c.Reset()
	if got := c.CurrentRate(); got != 500 {
		t.Fatalf("CurrentRate() after Reset = %f, want 500", got)
	}
	if c.IsCongested() {
		t.Fatal("expected congestion flag cleared after Reset")
	}
}
