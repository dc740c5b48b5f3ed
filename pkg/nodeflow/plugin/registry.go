// Package plugin provides the dynamic component registry.
//
// Sources are registered under a key and become immutable versions 1, 2,
// ... Resolving a (key, version) compiles that exact source once; every
// later resolution returns the same *Module. Nodes pin a version with
// nodeflow.Ref, so registering a new version never changes running nodes.
//
// Example:
//
//	reg, _ := plugin.New(plugin.WithStore(st))
//	v, _ := reg.Register(ctx, "shout", src)
//	g := nodeflow.New(nodeflow.WithResolver(reg.Resolver()))
//	g.AddNode(ctx, nodeflow.NodeSpec{ID: "s", Kind: "shout", Ref: &nodeflow.Ref{Key: "shout", Version: v.Version}})
package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/observability"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/registry"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/stream"
	"golang.org/x/sync/singleflight"
)

// Version is one registered source.
type Version struct {
	Key       string    `json:"key"`
	Version   int       `json:"version"`
	Hash      string    `json:"hash"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns a reference pinning v.
func (v Version) Ref() nodeflow.Ref {
	return nodeflow.Ref{Key: v.Key, Version: v.Version, Hash: v.Hash}
}

// record is the stored document for one key.
type record struct {
	Key      string    `json:"key"`
	Versions []Version `json:"versions"`
}

// Hash returns the content hash recorded for source.
func Hash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists definitions in the "definitions" collection.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithLoader replaces the default GoLoader.
func WithLoader(l Loader) Option {
	return func(r *Registry) { r.loader = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records compile counts and latency.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracing wraps compilations in spans.
func WithTracing(s observability.SpanManager) Option {
	return func(r *Registry) { r.spans = s }
}

// Registry holds versioned plugin sources and their compiled modules.
// It is safe for concurrent use.
type Registry struct {
	store   store.Store
	loader  Loader
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	publish  sync.Mutex // orders definition list emissions
	mu       sync.RWMutex
	versions map[string][]Version
	defs     *stream.Subject[[]Version]

	modules  *registry.Registry[string, *Module]
	failures *registry.Registry[string, error]
	flight   singleflight.Group
}

// New creates a registry, loading any definitions already in the store.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		loader:   NewGoLoader(),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		versions: make(map[string][]Version),
		modules:  registry.New[string, *Module](),
		failures: registry.New[string, error](),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.store != nil {
		docs, err := r.store.List(store.CollectionDefinitions)
		if err != nil {
			return nil, fmt.Errorf("load plugin definitions: %w", err)
		}
		for _, doc := range docs {
			var rec record
			if err := json.Unmarshal(doc.Data, &rec); err != nil {
				return nil, fmt.Errorf("decode plugin definition %s: %w", doc.ID, err)
			}
			sort.Slice(rec.Versions, func(i, j int) bool { return rec.Versions[i].Version < rec.Versions[j].Version })
			r.versions[rec.Key] = rec.Versions
		}
	}
	r.defs = stream.NewSubjectWith(r.snapshotLocked())
	return r, nil
}

// Register appends source as the next version of key. Registering the
// same source as the latest version returns that version unchanged.
func (r *Registry) Register(ctx context.Context, key, source string) (Version, error) {
	if key == "" {
		return Version{}, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	hash := Hash(source)

	r.publish.Lock()
	defer r.publish.Unlock()

	r.mu.Lock()
	existing := r.versions[key]
	if n := len(existing); n > 0 && existing[n-1].Hash == hash {
		r.mu.Unlock()
		return existing[n-1], nil
	}

	v := Version{
		Key:       key,
		Version:   len(existing) + 1,
		Hash:      hash,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	next := append(existing[:len(existing):len(existing)], v)
	if r.store != nil {
		if err := store.PutJSON(r.store, store.CollectionDefinitions, key, record{Key: key, Versions: next}); err != nil {
			r.mu.Unlock()
			return Version{}, fmt.Errorf("persist plugin %s: %w", key, err)
		}
	}
	r.versions[key] = next
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.defs.Next(snapshot)
	observability.LogRegister(r.logger, key, v.Version, hash)
	return v, nil
}

// snapshotLocked lists every version ordered by key then version.
func (r *Registry) snapshotLocked() []Version {
	keys := make([]string, 0, len(r.versions))
	for k := range r.versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Version
	for _, k := range keys {
		out = append(out, r.versions[k]...)
	}
	return out
}

// Definitions returns every registered version, ordered by key then version.
func (r *Registry) Definitions() []Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// WatchDefinitions calls fn with the current definition list and again
// after every registration. fn must not call Register.
func (r *Registry) WatchDefinitions(fn func([]Version)) stream.Subscription {
	return r.defs.Subscribe(fn)
}

// Versions returns the versions of key, oldest first.
func (r *Registry) Versions(key string) []Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Version(nil), r.versions[key]...)
}

// Get returns a registered version. A version <= 0 selects the latest.
func (r *Registry) Get(key string, version int) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.versions[key]
	if version <= 0 {
		version = len(versions)
	}
	if version < 1 || version > len(versions) {
		return Version{}, &NotFoundError{Key: key, Version: version}
	}
	return versions[version-1], nil
}

// Resolve returns the compiled module for (key, version), compiling it on
// first use. A version <= 0 selects the latest.
func (r *Registry) Resolve(ctx context.Context, key string, version int) (*Module, error) {
	v, err := r.Get(key, version)
	if err != nil {
		return nil, err
	}
	return r.module(ctx, v)
}

// ResolveRef is Resolve for a pinned reference. When ref.Hash is set it
// must match the registered source.
func (r *Registry) ResolveRef(ctx context.Context, ref nodeflow.Ref) (*Module, error) {
	v, err := r.Get(ref.Key, ref.Version)
	if err != nil {
		return nil, err
	}
	if ref.Hash != "" && ref.Hash != v.Hash {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, v.Ref())
	}
	return r.module(ctx, v)
}

// Resolver resolves node specs carrying a Ref. Specs without one report
// nodeflow.ErrUnknownKind so the registry can follow built-in kinds in
// nodeflow.ChainResolvers.
func (r *Registry) Resolver() nodeflow.Resolver {
	return nodeflow.ResolverFunc(func(ctx context.Context, spec nodeflow.NodeSpec) (nodeflow.Definition, error) {
		if spec.Ref == nil {
			return nodeflow.Definition{}, fmt.Errorf("%w: %s", nodeflow.ErrUnknownKind, spec.Kind)
		}
		m, err := r.ResolveRef(ctx, *spec.Ref)
		if err != nil {
			return nodeflow.Definition{}, err
		}
		return m.Definition(), nil
	})
}

// Compiled returns the number of compiled modules.
func (r *Registry) Compiled() int {
	return r.modules.Len()
}

func (r *Registry) module(ctx context.Context, v Version) (*Module, error) {
	id := v.Ref().String()
	if m, ok := r.modules.Get(id); ok {
		return m, nil
	}
	if err, ok := r.failures.Get(id); ok {
		return nil, err
	}

	res, err, _ := r.flight.Do(id, func() (any, error) {
		if m, ok := r.modules.Get(id); ok {
			return m, nil
		}
		m, err := r.compile(ctx, v)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			stored, _ := r.failures.Insert(id, err)
			return nil, stored
		}
		m, _ = r.modules.Insert(id, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Module), nil
}

func (r *Registry) compile(ctx context.Context, v Version) (m *Module, err error) {
	ctx, span := r.spans.StartCompileSpan(ctx, v.Key, v.Version)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			m, err = nil, fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			var cerr *CompileError
			if !errors.As(err, &cerr) && ctx.Err() == nil {
				err = &CompileError{Key: v.Key, Version: v.Version, Err: err}
			}
		}
		elapsed := time.Since(start)
		r.metrics.RecordCompile(ctx, v.Key, elapsed, err)
		observability.LogCompile(r.logger, v.Key, v.Version, float64(elapsed.Microseconds())/1000, err)
		r.spans.EndSpanWithError(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.loader.Load(ctx, v)
}

// Close stops definition list emissions.
func (r *Registry) Close() {
	r.defs.Close()
}
