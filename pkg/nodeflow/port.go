package nodeflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/observability"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/stream"
)

// Port is a schema-typed reactive value slot owned by a component.
//
// Subscribers receive the current value on subscription and every later
// value. Only defined values are published: writing nil is a no-op.
type Port struct {
	ref     PortRef
	kind    PortKind
	subject *stream.Subject[any]
	saver   *saver

	mu     sync.RWMutex
	schema *schema.Schema
	timer  *time.Timer
	closed bool
}

func newPort(nodeID string, kind PortKind, s *schema.Schema) *Port {
	if s == nil {
		s = schema.Any()
	}
	return &Port{
		ref:     PortRef{NodeID: nodeID, Name: string(kind)},
		kind:    kind,
		subject: stream.NewSubject[any](),
		schema:  s,
	}
}

// Ref returns the port's identity.
func (p *Port) Ref() PortRef { return p.ref }

// Kind returns which of the component's ports this is.
func (p *Port) Kind() PortKind { return p.kind }

// Schema returns the port's current descriptor.
func (p *Port) Schema() *schema.Schema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schema
}

// SetSchema replaces the port's descriptor. The current value is kept.
func (p *Port) SetSchema(s *schema.Schema) {
	if s == nil {
		s = schema.Any()
	}
	p.mu.Lock()
	p.schema = s
	p.mu.Unlock()
}

// Write publishes v and schedules it for persistence.
func (p *Port) Write(v any) {
	if v == nil || p.subject.Closed() {
		return
	}
	p.subject.Next(v)
	if p.saver != nil {
		p.saver.save(v)
	}
}

// Value returns the current value and whether one was ever published.
func (p *Port) Value() (any, bool) {
	return p.subject.Value()
}

// Subscribe calls fn with the current value, if any, and every later one.
func (p *Port) Subscribe(fn func(any)) stream.Subscription {
	return p.subject.Subscribe(fn)
}

// Len returns the number of live subscribers.
func (p *Port) Len() int {
	return p.subject.Len()
}

// Published returns how many values the port has published.
func (p *Port) Published() int64 {
	return p.subject.Published()
}

// initialize publishes a persisted value at once. Without one, fallback
// is published after debounce unless a real value was written first.
func (p *Port) initialize(persisted any, debounce time.Duration, fallback func() any) {
	if persisted != nil {
		p.subject.Next(persisted)
		return
	}
	if fallback == nil {
		return
	}
	if debounce <= 0 {
		if v := fallback(); v != nil {
			p.subject.NextIfEmpty(v)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.timer = time.AfterFunc(debounce, func() {
		if v := fallback(); v != nil {
			p.subject.NextIfEmpty(v)
		}
	})
}

// close stops a pending default, flushes pending persistence and drops
// every subscriber.
func (p *Port) close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	if p.saver != nil {
		p.saver.close()
	}
	p.subject.Close()
}

// saver writes a port's values to the store, coalescing writes that
// arrive within delay of each other. Failures are logged, never returned.
type saver struct {
	store      store.Store
	collection string
	id         string
	delay      time.Duration
	logger     *slog.Logger
	metrics    observability.MetricsRecorder

	writeMu sync.Mutex // orders store writes

	mu      sync.Mutex
	pending any
	has     bool
	timer   *time.Timer
}

func (s *saver) save(v any) {
	if s.delay <= 0 {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.write(v)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = v
	s.has = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.flush)
	}
}

func (s *saver) flush() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	v, has := s.pending, s.has
	s.pending, s.has = nil, false
	s.timer = nil
	s.mu.Unlock()

	if has {
		s.write(v)
	}
}

func (s *saver) close() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.flush()
}

func (s *saver) write(v any) {
	if err := store.PutJSON(s.store, s.collection, s.id, v); err != nil {
		observability.LogPersistError(s.logger, s.collection, s.id, err)
		s.metrics.RecordPersistError(context.Background(), s.collection)
	}
}
