package clock

import (
	"sync"
	"time"
)

// VirtualClock is a controllable clock for deterministic tests. Advancing it
// fires every pending AfterFunc whose deadline has been reached, synchronously
// and in deadline order, before Advance returns.
//
// Thread-safe for concurrent use.
type VirtualClock struct {
	mu      sync.Mutex
	current time.Time
	nextID  uint64
	waiters map[uint64]*virtualTimer
}

type virtualTimer struct {
	clock    *VirtualClock
	id       uint64
	deadline time.Time
	fn       func()
}

// NewVirtualClock creates a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{
		current: start,
		waiters: make(map[uint64]*virtualTimer),
	}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the virtual duration elapsed since t.
func (c *VirtualClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// AfterFunc registers f to run once the clock has advanced by d.
// A non-positive d fires on the next Advance or Set call.
func (c *VirtualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	t := &virtualTimer{
		clock:    c,
		id:       c.nextID,
		deadline: c.current.Add(d),
		fn:       f,
	}
	c.waiters[t.id] = t
	return t
}

// Advance moves the virtual clock forward by d and runs due timers.
// Panics if d is negative.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
	c.fire()
}

// Set moves the virtual clock to t and runs due timers.
// Panics if t is before the current time.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.Before(c.current) {
		c.mu.Unlock()
		panic("clock: cannot set time to the past")
	}
	c.current = t
	c.mu.Unlock()
	c.fire()
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *VirtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// fire runs due timers one at a time without holding the lock, so callbacks
// may call back into the clock.
func (c *VirtualClock) fire() {
	for {
		c.mu.Lock()
		var due *virtualTimer
		for _, w := range c.waiters {
			if w.deadline.After(c.current) {
				continue
			}
			if due == nil || w.deadline.Before(due.deadline) ||
				(w.deadline.Equal(due.deadline) && w.id < due.id) {
				due = w
			}
		}
		if due != nil {
			delete(c.waiters, due.id)
		}
		c.mu.Unlock()

		if due == nil {
			return
		}
		due.fn()
	}
}

func (t *virtualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.waiters[t.id]; !ok {
		return false
	}
	delete(t.clock.waiters, t.id)
	return true
}
