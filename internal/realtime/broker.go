// Package realtime fans run lifecycle events out to live subscribers such as
// the SSE endpoint. Delivery is best effort: a subscriber that falls behind
// loses events rather than slowing down a sweep.
package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the run manager.
const (
	TypeRunResumed       = "run.resumed"
	TypeRunFailed        = "run.failed"
	TypeSweepCompleted   = "sweep.completed"
	TypeCleanupCompleted = "cleanup.completed"
)

// Event is a run lifecycle notification.
type Event struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	SweepID string    `json:"sweep_id,omitempty"`
	Trigger string    `json:"trigger,omitempty"`
	Action  string    `json:"action,omitempty"`
	Status  string    `json:"status,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Count   int       `json:"count,omitempty"`
	At      time.Time `json:"at"`
}

// SubscriberBuffer is how many undelivered events a subscriber may hold.
const SubscriberBuffer = 32

// Subscription receives the events it asked for until Close.
type Subscription struct {
	broker  *Broker
	ch      chan Event
	types   map[string]bool
	dropped atomic.Int64
	once    sync.Once
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many matching events were lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.broker.remove(s) })
}

func (s *Subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Broker is an in-memory event bus. Event ids increase in publish order.
type Broker struct {
	mu   sync.Mutex
	seq  int64
	subs map[*Subscription]struct{}
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are given.
func (b *Broker) Subscribe(types ...string) *Subscription {
	s := &Subscription{broker: b, ch: make(chan Event, SubscriberBuffer)}
	for _, t := range types {
		if t == "" {
			continue
		}
		if s.types == nil {
			s.types = make(map[string]bool)
		}
		s.types[t] = true
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish stamps evt with the next id and delivers it without blocking.
// It returns the stamped event.
func (b *Broker) Publish(evt Event) Event {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	evt.ID = b.seq
	for s := range b.subs {
		if !s.wants(evt.Type) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
	return evt
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	close(s.ch)
}
