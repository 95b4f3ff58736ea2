package common

import "sync/atomic"

// Clock supplies the block timestamp, in Unix seconds, that every engine reads
// as "now" for the transition being executed.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// ManualClock is a settable clock for tests and tooling.
type ManualClock struct {
	now atomic.Uint64
}

func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) Now() uint64 { return c.now.Load() }

func (c *ManualClock) Set(ts uint64) { c.now.Store(ts) }

// Advance moves the clock forward by seconds and returns the new time.
func (c *ManualClock) Advance(seconds uint64) uint64 { return c.now.Add(seconds) }
