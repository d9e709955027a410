// Package congestion implements AIMD rate adaptation over a pacing token
// bucket: additive increase on steady ACK flow, multiplicative decrease on
// sustained loss or timeout.
package congestion

import (
	"sync"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/bucket"
)

const (
	defaultInitialRate            = 500.0
	defaultMinRate                = 50.0
	defaultMaxRate                = 5000.0
	defaultAdditiveIncrease       = 10.0
	defaultMultiplicativeDecrease = 0.5
	defaultLossThreshold          = 0.02
	windowSize                    = time.Second
	decreaseCooldown              = 500 * time.Millisecond
	ackWindowThreshold            = 10
	timeoutDecreaseMultiplier     = 1.5
)

// Config parameterizes a Controller; zero-value fields fall back to the
// package defaults.
type Config struct {
	InitialRate            float64
	MinRate                float64
	MaxRate                float64
	AdditiveIncrease       float64
	MultiplicativeDecrease float64
	LossThreshold          float64
}

func (c Config) withDefaults() Config {
	if c.InitialRate == 0 {
		c.InitialRate = defaultInitialRate
	}
	if c.MinRate == 0 {
		c.MinRate = defaultMinRate
	}
	if c.MaxRate == 0 {
		c.MaxRate = defaultMaxRate
	}
	if c.AdditiveIncrease == 0 {
		c.AdditiveIncrease = defaultAdditiveIncrease
	}
	if c.MultiplicativeDecrease == 0 {
		c.MultiplicativeDecrease = defaultMultiplicativeDecrease
	}
	if c.LossThreshold == 0 {
		c.LossThreshold = defaultLossThreshold
	}
	return c
}

// Controller tracks a current sending rate and a pacing bucket parameterized
// by it, adjusting the rate via AIMD feedback.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	rate   float64
	pacing *bucket.TokenBucket

	sentInWindow int
	ackCount     int
	lostInWindow int
	windowStart  time.Time

	congested        bool
	lastDecreaseTime time.Time
}

// New constructs a Controller from cfg, applying defaults for any
// zero-valued field.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:         cfg,
		rate:        cfg.InitialRate,
		windowStart: time.Now(),
	}
	c.rebuildPacingLocked()
	return c
}

func (c *Controller) rebuildPacingLocked() {
	burst := c.rate / 10
	if burst < 10 {
		burst = 10
	}
	c.pacing = bucket.New(c.rate, burst)
}

// CanSend is a non-blocking pacing check.
func (c *Controller) CanSend() bool {
	c.mu.Lock()
	p := c.pacing
	c.mu.Unlock()
	return p.Consume(1)
}

// WaitForToken performs a paced acquisition, blocking up to maxWait.
func (c *Controller) WaitForToken(maxWait time.Duration) bool {
	c.mu.Lock()
	p := c.pacing
	c.mu.Unlock()
	return p.TryConsumeOrWait(1, maxWait)
}

// OnPacketSent increments the window-sent counter.
func (c *Controller) OnPacketSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentInWindow++
}

// OnAckReceived registers n ACKs; every 10 ACKs in a non-congested state the
// rate is additively increased.
func (c *Controller) OnAckReceived(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackCount += n
	if c.ackCount >= ackWindowThreshold {
		c.increaseRateLocked()
		c.ackCount = 0
	}
}

func (c *Controller) increaseRateLocked() {
	if c.congested {
		return
	}
	c.rate = min(c.cfg.MaxRate, c.rate+c.cfg.AdditiveIncrease)
	c.rebuildPacingLocked()
}

// OnLossDetected registers n lost packets and evaluates the sliding window.
func (c *Controller) OnLossDetected(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostInWindow += n
	c.checkWindowLocked()
}

// checkWindowLocked evaluates the 1s sliding window whenever it has elapsed,
// applying multiplicative decrease if the loss ratio exceeds the threshold.
func (c *Controller) checkWindowLocked() {
	now := time.Now()
	if now.Sub(c.windowStart) < windowSize {
		return
	}
	if c.sentInWindow > 0 {
		lossRate := float64(c.lostInWindow) / float64(c.sentInWindow)
		if lossRate > c.cfg.LossThreshold {
			if now.Sub(c.lastDecreaseTime) > decreaseCooldown {
				c.rate = max(c.cfg.MinRate, c.rate*(1-c.cfg.MultiplicativeDecrease))
				c.rebuildPacingLocked()
				c.congested = true
				c.lastDecreaseTime = now
			}
		} else {
			c.congested = false
		}
	}
	c.sentInWindow = 0
	c.ackCount = 0
	c.lostInWindow = 0
	c.windowStart = now
}

// OnTimeout applies an aggressive multiplicative decrease (1.5x the normal
// factor), a stronger signal than ordinary loss-rate breach.
func (c *Controller) OnTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.lastDecreaseTime) <= decreaseCooldown {
		return
	}
	c.rate = max(c.cfg.MinRate, c.rate*(1-c.cfg.MultiplicativeDecrease*timeoutDecreaseMultiplier))
	c.rebuildPacingLocked()
	c.congested = true
	c.lastDecreaseTime = now
}

// CurrentRate returns the current sending rate in packets/second.
func (c *Controller) CurrentRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// IsCongested reports whether the controller is currently in congestion state.
func (c *Controller) IsCongested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.congested
}

// Stats is a snapshot of congestion-controller state.
type Stats struct {
	CurrentRate  float64
	MinRate      float64
	MaxRate      float64
	Congested    bool
	SentInWindow int
	LostInWindow int
	PacingBucket bucket.Stats
}

// Snapshot returns the controller's current Stats.
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CurrentRate:  c.rate,
		MinRate:      c.cfg.MinRate,
		MaxRate:      c.cfg.MaxRate,
		Congested:    c.congested,
		SentInWindow: c.sentInWindow,
		LostInWindow: c.lostInWindow,
		PacingBucket: c.pacing.Snapshot(),
	}
}

// Reset returns the controller to its initial rate and a fresh pacing bucket.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = c.cfg.InitialRate
	c.rebuildPacingLocked()
	c.sentInWindow = 0
	c.ackCount = 0
	c.lostInWindow = 0
	c.congested = false
}
