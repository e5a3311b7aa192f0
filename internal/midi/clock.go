package midi

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic nanosecond host clock
type Clock interface {
	Now() uint64
}

// HostClock counts nanoseconds since it was created, on the monotonic clock
type HostClock struct {
	origin time.Time
}

func NewHostClock() *HostClock {
	return &HostClock{origin: time.Now()}
}

func (c *HostClock) Now() uint64 {
	return uint64(time.Since(c.origin).Nanoseconds())
}

// ManualClock is advanced explicitly; used by tests and offline replays
type ManualClock struct {
	now atomic.Uint64
}

func (c *ManualClock) Now() uint64 { return c.now.Load() }

func (c *ManualClock) Set(ns uint64) { c.now.Store(ns) }

func (c *ManualClock) Advance(d time.Duration) uint64 {
	return c.now.Add(uint64(d.Nanoseconds()))
}
