// Package stream provides the reactive primitives nodeflow ports are built on.
//
// A Subject is a multicast value slot with replay-latest semantics: a new
// subscriber immediately receives the current value (if one was ever
// published) and then every later value, in publication order.
//
// Deliveries of a single Subject are serialized. Subscribers must not call
// Subscribe or Next on the same Subject from inside their callback.
package stream

import (
	"sync"
	"sync/atomic"
)

// Handler receives published values.
type Handler[T any] func(T)

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. Safe to call more than once.
	// No callback starts after Unsubscribe returns.
	Unsubscribe()

	// Active reports whether the subscription still receives values.
	Active() bool
}

// Subject is a multicast channel that replays its latest value.
type Subject[T any] struct {
	deliver sync.Mutex // serializes delivery, held while handlers run

	mu     sync.Mutex // guards the fields below
	value  T
	has    bool
	closed bool
	subs   map[uint64]*subscription[T]
	order  []uint64
	nextID uint64

	published atomic.Int64
}

// NewSubject creates an empty Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{
		subs: make(map[uint64]*subscription[T]),
	}
}

// NewSubjectWith creates a Subject holding an initial value.
func NewSubjectWith[T any](v T) *Subject[T] {
	s := NewSubject[T]()
	s.value = v
	s.has = true
	return s
}

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
	active  atomic.Bool
	subject *Subject[T]
}

func (s *subscription[T]) Unsubscribe() {
	if !s.active.Swap(false) {
		return
	}
	s.subject.remove(s.id)
}

func (s *subscription[T]) Active() bool {
	return s.active.Load()
}

// Next publishes v to every current subscriber and stores it for replay.
// Next on a closed Subject is a no-op.
func (s *Subject[T]) Next(v T) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.value = v
	s.has = true
	subs := s.snapshotLocked()
	s.mu.Unlock()

	s.published.Add(1)
	for _, sub := range subs {
		if sub.active.Load() {
			sub.handler(v)
		}
	}
}

// NextIfEmpty publishes v only if nothing was ever published.
// Returns true if v was published.
func (s *Subject[T]) NextIfEmpty(v T) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed || s.has {
		s.mu.Unlock()
		return false
	}
	s.value = v
	s.has = true
	subs := s.snapshotLocked()
	s.mu.Unlock()

	s.published.Add(1)
	for _, sub := range subs {
		if sub.active.Load() {
			sub.handler(v)
		}
	}
	return true
}

// Subscribe registers h. If the Subject holds a value, h receives it
// before Subscribe returns.
func (s *Subject[T]) Subscribe(h Handler[T]) Subscription {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	sub := &subscription[T]{handler: h, subject: s}
	if s.closed {
		s.mu.Unlock()
		return sub
	}
	s.nextID++
	sub.id = s.nextID
	sub.active.Store(true)
	s.subs[sub.id] = sub
	s.order = append(s.order, sub.id)
	v, has := s.value, s.has
	s.mu.Unlock()

	if has {
		h(v)
	}
	return sub
}

// Value returns the latest value and whether one was ever published.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// Len returns the number of live subscribers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Published returns how many values were published over the Subject's life.
func (s *Subject[T]) Published() int64 {
	return s.published.Load()
}

// Close drops every subscriber. Later Next calls are ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.active.Store(false)
	}
	s.subs = make(map[uint64]*subscription[T])
	s.order = nil
}

// Closed reports whether Close was called.
func (s *Subject[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return
	}
	delete(s.subs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

// snapshotLocked returns subscribers in subscription order. s.mu must be held.
func (s *Subject[T]) snapshotLocked() []*subscription[T] {
	subs := make([]*subscription[T], 0, len(s.order))
	for _, id := range s.order {
		subs = append(subs, s.subs[id])
	}
	return subs
}
