package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and by single-process setups.
// It preserves the same delivery contract as the NATS implementation: strict
// FIFO per subscription, with a blocked handler only delaying its own
// subscription.
type MemoryBus struct {
	mu     sync.Mutex
	subs   []*memorySubscription
	closed bool

	// inflight counts published-but-unhandled messages for Flush.
	inflight sync.WaitGroup
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	handler Handler
	queue   chan Message
	stop    chan struct{}
	once    sync.Once
}

// Publish marshals payload and delivers it to every matching subscription in
// subscription order. Enqueueing happens under the bus lock so concurrent
// publishers observe a single global arrival order.
func (b *MemoryBus) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	for _, sub := range b.subs {
		if matchSubject(sub.pattern, subject) {
			b.inflight.Add(1)
			sub.queue <- Message{Subject: subject, Data: data}
		}
	}
	return nil
}

// Subscribe registers a handler and starts its delivery worker.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySubscription{
		bus:     b,
		pattern: subject,
		handler: handler,
		queue:   make(chan Message, 1024),
		stop:    make(chan struct{}),
	}
	b.subs = append(b.subs, sub)
	go sub.deliver()
	return sub, nil
}

func (s *memorySubscription) deliver() {
	for {
		select {
		case <-s.stop:
			s.drain()
			return
		case msg := <-s.queue:
			s.handler(context.Background(), msg)
			s.bus.inflight.Done()
		}
	}
}

// drain discards queued messages after unsubscribe so Flush never waits on a
// subscription that will not process them.
func (s *memorySubscription) drain() {
	for {
		select {
		case <-s.queue:
			s.bus.inflight.Done()
		default:
			return
		}
	}
}

// Unsubscribe stops delivery for this subscription.
func (s *memorySubscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Flush blocks until every message published so far has been handled or
// discarded. Test helper; the NATS bus has no equivalent.
func (b *MemoryBus) Flush() {
	b.inflight.Wait()
}

// Close unsubscribes everything.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, len(b.subs))
	copy(subs, b.subs)
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}
