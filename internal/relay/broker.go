package relay

import (
	"fmt"
	"sync"
)

// Handler receives one change notification.
type Handler func(docID, content, origin string)

// Broker is an in-process broadcast channel. Publishing delivers the
// frame synchronously to every subscriber of the document, including
// any registered by the publishing session; the engine's origin filter
// is responsible for dropping echoes.
//
// Implements the engine's Publisher interface.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]Handler
	nextID int64
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int64]Handler)}
}

// Subscription is a handle to an active subscription.
type Subscription struct {
	broker *Broker
	docID  string
	id     int64
}

// Subscribe registers h for all notifications about docID.
func (b *Broker) Subscribe(docID string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[docID] == nil {
		b.subs[docID] = make(map[int64]Handler)
	}
	b.subs[docID][b.nextID] = h
	return &Subscription{broker: b, docID: docID, id: b.nextID}
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if handlers, ok := s.broker.subs[s.docID]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.broker.subs, s.docID)
		}
	}
}

// Publish fans the notification out to every subscriber of docID.
// Handlers run synchronously on the publishing goroutine; they must
// not block (the engine's HandleBroadcast only enqueues).
func (b *Broker) Publish(docID, content, origin string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("relay: broker closed")
	}
	handlers := make([]Handler, 0, len(b.subs[docID]))
	for _, h := range b.subs[docID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(docID, content, origin)
	}
	return nil
}

// Close marks the broker closed; subsequent publishes fail.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int64]Handler)
}
