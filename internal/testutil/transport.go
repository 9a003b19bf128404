package testutil

import (
	"context"
	"sync"
	"time"
)

// SaveCall records one persistence call seen by FakeTransport.
type SaveCall struct {
	DocID   string
	Content string
	Origin  string
}

// FakeTransport is an in-memory Saver with scripted behavior.
//
// By default every Save succeeds immediately. Tests can make saves
// fail (FailWith) or park in flight until explicitly released (Hold /
// ReleaseOne), which is how the mid-round-trip races are reproduced
// deterministically.
type FakeTransport struct {
	mu      sync.Mutex
	calls   []SaveCall
	err     error
	holding bool
	gates   []chan struct{}

	started chan SaveCall
}

// NewFakeTransport creates a transport that acks immediately.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{started: make(chan SaveCall, 16)}
}

// Save records the call and behaves per the current script.
// Implements docsync.Saver.
func (t *FakeTransport) Save(ctx context.Context, docID, content, origin string) error {
	t.mu.Lock()
	call := SaveCall{DocID: docID, Content: content, Origin: origin}
	t.calls = append(t.calls, call)
	err := t.err
	var gate chan struct{}
	if t.holding {
		gate = make(chan struct{})
		t.gates = append(t.gates, gate)
	}
	t.mu.Unlock()

	select {
	case t.started <- call:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Hold makes subsequent Save calls park until ReleaseOne.
func (t *FakeTransport) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holding = true
}

// ReleaseOne unparks the oldest held Save call. Returns false if none
// is parked.
func (t *FakeTransport) ReleaseOne() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.gates) == 0 {
		return false
	}
	close(t.gates[0])
	t.gates = t.gates[1:]
	return true
}

// FailWith makes subsequent Save calls return err. Pass nil to restore
// success.
func (t *FakeTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// AwaitCall blocks until a Save call has been issued, or the timeout
// elapses. Needed because debounced saves run on a worker goroutine:
// advancing the clock only queues the work.
func (t *FakeTransport) AwaitCall(timeout time.Duration) (SaveCall, bool) {
	select {
	case call := <-t.started:
		return call, true
	case <-time.After(timeout):
		return SaveCall{}, false
	}
}

// Calls returns a copy of all recorded save calls.
func (t *FakeTransport) Calls() []SaveCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SaveCall, len(t.calls))
	copy(out, t.calls)
	return out
}

// CallCount returns the number of Save calls seen so far.
func (t *FakeTransport) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// LastCall returns the most recent save call, if any.
func (t *FakeTransport) LastCall() (SaveCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return SaveCall{}, false
	}
	return t.calls[len(t.calls)-1], true
}

// RecordingPublisher captures broadcast publishes.
type RecordingPublisher struct {
	mu       sync.Mutex
	messages []SaveCall
}

// Publish records the message. Implements docsync.Publisher.
func (p *RecordingPublisher) Publish(docID, content, origin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, SaveCall{DocID: docID, Content: content, Origin: origin})
	return nil
}

// Messages returns a copy of all recorded publishes.
func (p *RecordingPublisher) Messages() []SaveCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SaveCall, len(p.messages))
	copy(out, p.messages)
	return out
}
