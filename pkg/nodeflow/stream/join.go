package stream

import (
	"sort"
	"sync"
)

// Join combines the latest values of a dynamic set of Subjects.
//
// Every time any member publishes, or the membership changes, Join emits
// the members' latest values ordered by their rank. Nothing is emitted
// while some member has not published yet. An empty Join emits an empty
// slice when its last member is removed or when Emit is called.
//
// This is combine-latest with a mutable source set: one emission per
// upstream publication, no batching.
type Join[K comparable, T any] struct {
	mu      sync.Mutex
	members map[K]*member[T]
	emit    func([]T)
	closed  bool
}

type member[T any] struct {
	rank  int64
	value T
	has   bool
	sub   Subscription
}

// NewJoin creates a Join that calls emit with each combination.
// emit runs while the Join's lock is held, so combinations are delivered
// in the order they were computed.
func NewJoin[K comparable, T any](emit func([]T)) *Join[K, T] {
	return &Join[K, T]{
		members: make(map[K]*member[T]),
		emit:    emit,
	}
}

// Add subscribes to src under key. rank orders the member's value in
// emitted combinations. Adding an existing key replaces that member.
func (j *Join[K, T]) Add(key K, rank int64, src *Subject[T]) {
	m := &member[T]{rank: rank}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	old := j.members[key]
	j.members[key] = m
	j.mu.Unlock()

	if old != nil && old.sub != nil {
		old.sub.Unsubscribe()
	}

	// Subscribe outside the lock: replay calls back into the Join.
	sub := src.Subscribe(func(v T) {
		j.update(key, m, v)
	})

	j.mu.Lock()
	stale := j.closed || j.members[key] != m
	if !stale {
		m.sub = sub
	}
	j.mu.Unlock()

	if stale {
		sub.Unsubscribe()
	}
}

// Remove drops the member under key and re-emits the reduced combination.
// Returns false if key was not a member.
func (j *Join[K, T]) Remove(key K) bool {
	j.mu.Lock()
	m, ok := j.members[key]
	if !ok || j.closed {
		j.mu.Unlock()
		return false
	}
	delete(j.members, key)
	j.emitLocked()
	j.mu.Unlock()

	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	return true
}

// Emit re-emits the current combination if every member has a value.
func (j *Join[K, T]) Emit() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.emitLocked()
}

// Len returns the number of members.
func (j *Join[K, T]) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.members)
}

// Close unsubscribes every member. No emission happens afterwards.
func (j *Join[K, T]) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	subs := make([]Subscription, 0, len(j.members))
	for _, m := range j.members {
		if m.sub != nil {
			subs = append(subs, m.sub)
		}
	}
	j.members = make(map[K]*member[T])
	j.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (j *Join[K, T]) update(key K, m *member[T], v T) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || j.members[key] != m {
		return
	}
	m.value = v
	m.has = true
	j.emitLocked()
}

// emitLocked computes and emits the combination. j.mu must be held.
func (j *Join[K, T]) emitLocked() {
	ms := make([]*member[T], 0, len(j.members))
	for _, m := range j.members {
		if !m.has {
			return
		}
		ms = append(ms, m)
	}
	sort.Slice(ms, func(a, b int) bool { return ms[a].rank < ms[b].rank })

	out := make([]T, len(ms))
	for i, m := range ms {
		out[i] = m.value
	}
	j.emit(out)
}
