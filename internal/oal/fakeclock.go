package oal

import "sync/atomic"

// FakeClock is a manually-advanced Clock for deterministic tests of ARP
// timeouts, TCP state deadlines, and ICMP ping retries.
type FakeClock struct {
	ms atomic.Int64
}

// NewFakeClock constructs a FakeClock starting at the given millisecond
// value.
func NewFakeClock(startMs int64) *FakeClock {
	c := &FakeClock{}
	c.ms.Store(startMs)
	return c
}

// GetMsCounter implements Clock.
func (c *FakeClock) GetMsCounter() int64 { return c.ms.Load() }

// Advance moves the clock forward by deltaMs milliseconds.
func (c *FakeClock) Advance(deltaMs int64) { c.ms.Add(deltaMs) }

// Set pins the clock to an absolute millisecond value.
func (c *FakeClock) Set(ms int64) { c.ms.Store(ms) }
