package docsync

import (
	"sync"
	"time"
)

// eventType distinguishes between event kinds processed by the loop.
type eventType int

const (
	// evOpen creates (or re-activates) a document.
	evOpen eventType = iota + 1
	// evLocalEdit is a user-visible change from the editing surface.
	evLocalEdit
	// evRemoteUpdate is a broadcast change that passed the origin filter.
	evRemoteUpdate
	// evFormatted is the completion of an async reformat pass.
	evFormatted
	// evSaveTimer is a save debounce timer firing.
	evSaveTimer
	// evFormatTimer is a format debounce timer firing.
	evFormatTimer
	// evSaveResult is the completion of an async persistence call.
	evSaveResult
	// evFlush is a force-flush request (explicit save, focus loss).
	evFlush
	// evClose is a document close request (flush-if-dirty, then remove).
	evClose
	// evSnapshot is a read request for a document's current state.
	evSnapshot
)

// saveSnapshot captures what a persistence call was issued against.
// The completion handler compares it to the document's current state
// to decide whether the ack may clear the dirty flag.
type saveSnapshot struct {
	docID   string
	content string
	version int64
	startAt time.Time
}

// event wraps all loop inputs. Only the fields relevant to the type
// are populated.
type event struct {
	typ     eventType
	docID   string
	content string
	origin  string
	basis   string // evFormatted: content the pass was computed from
	version int64  // observed version (evFormatted)
	gen     int64 // timer generation (evSaveTimer, evFormatTimer)
	reason  FlushReason
	discard bool // evClose: drop unsaved edits instead of flushing

	snap  saveSnapshot // evSaveResult
	err   error        // evSaveResult
	ackAt time.Time    // evSaveResult

	reply chan error            // evOpen, evFlush, evClose
	read  chan DocumentSnapshot // evSnapshot
}

// eventQueue is a thread-safe FIFO queue feeding the single-writer loop.
//
// The queue is unbounded so timer fires and async completions never
// block. A buffered signal channel of size 1 coalesces wakeups for the
// Run loop's context-aware wait.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the backing array does not retain the
	// event's channels and strings until reallocation.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns the signal channel for context-aware waiting.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close marks the queue closed and wakes all waiters.
// Subsequent Enqueue calls return false.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
