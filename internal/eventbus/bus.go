// Package eventbus fans work-session events out to in-process subscribers.
// Publishing never blocks: each subscriber owns a bounded buffered channel
// and the oldest buffered event is dropped when a slow consumer falls
// behind. Stream gateways recover gaps through session replay.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/forgeline/foreman/pkg/logger"
)

const defaultSubscriberCapacity = 256

// Bus delivers events to all live subscribers with bounded channel
// semantics. The zero value is not usable; call New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool

	nextID atomic.Int64
}

// Subscription is a channel-backed subscription handle.
type Subscription struct {
	Events <-chan Event
	cancel func()
	once   sync.Once
}

// Close terminates the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{subscribers: map[*subscriber]struct{}{}}
}

// Publish delivers the event to every live subscriber. It never blocks the
// caller; a subscriber whose buffer is full loses its oldest buffered event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		logger.Debugf("eventbus: publish after close, dropping %s event for work %s", event.Type, event.WorkID)
		return
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

// SubscribeChan registers a subscriber and returns its channel handle.
// capacity <= 0 uses the default. The channel is closed when the
// subscription is closed or the bus shuts down.
func (b *Bus) SubscribeChan(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	sub := &subscriber{
		id: b.nextID.Add(1),
		ch: make(chan Event, capacity),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return &Subscription{Events: sub.ch}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		Events: sub.ch,
		cancel: func() {
			b.remove(sub)
		},
	}
}

// Subscribe registers a callback invoked for every published event, in
// publish order, from a dedicated goroutine. The returned function
// unsubscribes; it is idempotent and returns once no further callbacks
// will run.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	sub := b.SubscribeChan(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub.Events {
			fn(event)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

// Close terminates every subscription. Publishes after Close are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = map[*subscriber]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

type subscriber struct {
	id     int64
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	// Buffer full: make room by dropping the oldest buffered event. The
	// drain and the retry are both non-blocking so a concurrently
	// draining consumer cannot wedge the publisher.
	select {
	case dropped := <-s.ch:
		logger.Warnf("eventbus: subscriber %d full, dropped %s event for work %s", s.id, dropped.Type, dropped.WorkID)
	default:
	}
	select {
	case s.ch <- event:
	default:
		logger.Warnf("eventbus: subscriber %d full, dropped incoming %s event for work %s", s.id, event.Type, event.WorkID)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
