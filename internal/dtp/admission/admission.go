// Package admission implements per-class token-bucket admission control,
// preventing any single priority class from starving the others.
package admission

import (
	"sync"

	"github.com/dtp-project/dtp/internal/dtp/bucket"
	"github.com/dtp-project/dtp/internal/dtp/packet"
)

// Limit configures one priority class's token bucket.
type Limit struct {
	Rate  float64 // tokens/sec
	Burst float64
}

// DefaultLimits returns the production per-class admission limits.
func DefaultLimits() map[packet.Priority]Limit {
	return map[packet.Priority]Limit{
		packet.Critical: {Rate: 50, Burst: 20},
		packet.High:     {Rate: 200, Burst: 50},
		packet.Medium:   {Rate: 500, Burst: 100},
		packet.Low:      {Rate: 1000, Burst: 200},
	}
}

// classStats holds per-class admitted/rejected counters.
type classStats struct {
	admitted uint64
	rejected uint64
}

// Controller guards ingress with one TokenBucket per priority class.
type Controller struct {
	mu                  sync.Mutex
	buckets             map[packet.Priority]*bucket.TokenBucket
	stats               map[packet.Priority]*classStats
	enableCriticalLimit bool
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLimits overrides the default per-class limits.
func WithLimits(limits map[packet.Priority]Limit) Option {
	return func(c *Controller) {
		for p, l := range limits {
			c.buckets[p] = bucket.New(l.Rate, l.Burst)
		}
	}
}

// WithCriticalLimitDisabled allows unconditional admission of CRITICAL
// traffic, an escape hatch for tests and controlled experiments.
func WithCriticalLimitDisabled() Option {
	return func(c *Controller) { c.enableCriticalLimit = false }
}

// New constructs a Controller with DefaultLimits and CRITICAL limiting
// enabled, unless overridden by opts.
func New(opts ...Option) *Controller {
	c := &Controller{
		buckets:             make(map[packet.Priority]*bucket.TokenBucket),
		stats:               make(map[packet.Priority]*classStats),
		enableCriticalLimit: true,
	}
	for p, l := range DefaultLimits() {
		c.buckets[p] = bucket.New(l.Rate, l.Burst)
	}
	for _, o := range opts {
		o(c)
	}
	for _, p := range []packet.Priority{packet.Critical, packet.High, packet.Medium, packet.Low} {
		if _, ok := c.stats[p]; !ok {
			c.stats[p] = &classStats{}
		}
	}
	return c
}

// Admit consumes one token of priority's class bucket and reports whether
// the packet should be admitted. Rejections are not retried by the caller.
func (c *Controller) Admit(priority packet.Priority) bool {
	if priority == packet.Critical && !c.enableCriticalLimit {
		c.recordAdmitted(priority)
		return true
	}
	b, ok := c.buckets[priority]
	if !ok {
		c.recordAdmitted(priority)
		return true
	}
	if b.Consume(1) {
		c.recordAdmitted(priority)
		return true
	}
	c.recordRejected(priority)
	return false
}

func (c *Controller) recordAdmitted(p packet.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[p].admitted++
}

func (c *Controller) recordRejected(p packet.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[p].rejected++
}

// ClassSnapshot reports admitted/rejected counters and bucket state for one
// priority class.
type ClassSnapshot struct {
	Admitted uint64
	Rejected uint64
	Bucket   bucket.Stats
}

// Snapshot returns a per-class view of admission statistics.
func (c *Controller) Snapshot() map[packet.Priority]ClassSnapshot {
	c.mu.Lock()
	out := make(map[packet.Priority]ClassSnapshot, len(c.stats))
	for p, s := range c.stats {
		out[p] = ClassSnapshot{Admitted: s.admitted, Rejected: s.rejected}
	}
	c.mu.Unlock()
	for p, snap := range out {
		if b, ok := c.buckets[p]; ok {
			snap.Bucket = b.Snapshot()
			out[p] = snap
		}
	}
	return out
}

// Reset refills all buckets and clears counters.
func (c *Controller) Reset() {
	for _, b := range c.buckets {
		b.Reset()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.stats {
		c.stats[p] = &classStats{}
	}
}
