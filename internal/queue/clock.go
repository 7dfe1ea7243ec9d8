package queue

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for the queue manager so retry backoff and
// retention behave deterministically under test.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock delegates to the time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewClock returns the wall clock.
func NewClock() Clock {
	return realClock{}
}

// VirtualClock is a manually advanced clock for tests. Time only moves
// when Advance is called; timers created by After fire once the virtual
// now passes their deadline.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

type virtualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewVirtualClock creates a virtual clock starting at the given instant.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now implements Clock.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After implements Clock.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	t := &virtualTimer{at: c.now.Add(d), ch: ch}
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, t)
	sort.SliceStable(c.timers, func(a, b int) bool {
		return c.timers[a].at.Before(c.timers[b].at)
	})
	return ch
}

// Advance moves the clock forward and fires every timer whose deadline has
// passed, in deadline order.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		remaining = append(remaining, t)
	}
	c.timers = remaining
}
