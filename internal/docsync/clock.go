package docsync

import "time"

// Clock abstracts wall time and delayed callbacks so the debounce
// machinery can be driven by a manual clock in tests.
//
// Production code uses SystemClock. Tests use testutil.ManualClock,
// which only fires timers when explicitly advanced.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules fn to run after d elapses. The returned
	// Timer stops the pending call; fn may still run if Stop loses
	// the race, which is why loop-side handlers also check timer
	// generations.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the pending callback. Returns false if the
	// callback already fired or was already stopped.
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns a Clock backed by the runtime timer wheel.
func SystemClock() Clock { return systemClock{} }
