package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/coscribe/coscribe/internal/docsync"
)

// ManualClock is a docsync.Clock driven entirely by Advance calls.
//
// Timers never fire on their own; Advance moves the clock forward and
// fires due timers in deadline order. This makes debounce behavior
// fully deterministic in tests: the same edit/advance script always
// produces the same timer sequence.
//
// Thread-safety: all methods are safe for concurrent use. Timer
// callbacks run on the goroutine calling Advance, outside the clock's
// lock, so a callback may schedule new timers.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	nextID int64
}

type manualTimer struct {
	clock   *ManualClock
	id      int64
	when    time.Time
	fn      func()
	stopped bool
}

// NewManualClock creates a clock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run when the clock has advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) docsync.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	t := &manualTimer{
		clock: c,
		id:    c.nextID,
		when:  c.now.Add(d),
		fn:    fn,
	}
	c.timers = append(c.timers, t)
	return t
}

// Stop cancels the timer. Returns false if it already fired or was
// already stopped.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range t.clock.timers {
		if other.id == t.id {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d, firing every timer whose
// deadline is reached, in deadline order (insertion order breaks
// ties). Callbacks run outside the lock and may schedule new timers;
// a new timer due within the same advance also fires.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// popDue removes and returns the earliest timer due at or before
// target, advancing the clock to its deadline. Returns nil when no
// timer is due.
func (c *ManualClock) popDue(target time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].when.Equal(c.timers[j].when) {
			return c.timers[i].id < c.timers[j].id
		}
		return c.timers[i].when.Before(c.timers[j].when)
	})

	if len(c.timers) == 0 || c.timers[0].when.After(target) {
		return nil
	}

	t := c.timers[0]
	c.timers = c.timers[1:]
	t.stopped = true
	if t.when.After(c.now) {
		c.now = t.when
	}
	return t
}

// PendingTimers returns the number of scheduled, unfired timers.
// Useful for asserting timer-coalescing behavior.
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
