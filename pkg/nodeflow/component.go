package nodeflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/observability"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/stream"
)

// Component is a live node: a processor plus its input, config, keys and
// output ports.
//
// Whenever input, config or keys change (once all three hold a value) the
// component processes again on its own goroutine. At most one process
// call runs at a time; changes that arrive meanwhile collapse into one
// follow-up run over the latest values.
type Component struct {
	id     string
	def    Definition
	proc   Processor
	graph  *Graph
	cfg    *graphConfig
	logger *slog.Logger

	input  *Port
	config *Port
	keys   *Port
	output *Port

	sup   *Supervisor
	cache *Cache

	watch    []stream.Subscription
	watching atomic.Bool

	mu      sync.RWMutex
	err     error
	lastKey uint64
	hasKey  bool

	processing atomic.Bool
	closed     atomic.Bool
	emits      atomic.Uint64
}

// newComponent builds a component and publishes its initial port values.
// Persisted values are read under seedID, which differs from id for
// subflow shadows.
func newComponent(g *Graph, spec NodeSpec, seedID string, def Definition, proc Processor) *Component {
	cfg := &g.cfg
	c := &Component{
		id:     spec.ID,
		def:    def,
		proc:   proc,
		graph:  g,
		cfg:    cfg,
		logger: observability.EnrichLogger(cfg.logger, cfg.id, spec.ID),
		input:  newPort(spec.ID, PortInput, def.Schemas.Input),
		config: newPort(spec.ID, PortConfig, def.Schemas.Config),
		keys:   newPort(spec.ID, PortKeys, def.Schemas.Keys),
		output: newPort(spec.ID, PortOutput, def.Schemas.Output),
		cache:  NewCache(cfg.cacheSize),
	}
	c.sup = NewSupervisor(c.run, Supersede(cfg.supersede))

	if cfg.persist && cfg.store != nil {
		c.config.saver = c.newSaver(store.CollectionPorts, PortConfig)
		c.keys.saver = c.newSaver(store.CollectionKeys, PortKeys)
		c.output.saver = c.newSaver(store.CollectionPorts, PortOutput)
	}

	c.input.initialize(Input{}, 0, nil)
	c.config.initialize(c.initialMap(c.config, store.CollectionPorts, seedID, spec.Config), cfg.debounce, c.defaultMap(c.config))
	c.keys.initialize(c.initialMap(c.keys, store.CollectionKeys, seedID, nil), cfg.debounce, c.defaultMap(c.keys))
	c.output.initialize(c.load(store.CollectionPorts, store.PortID(seedID, string(PortOutput))), cfg.debounce, func() any {
		return c.output.Schema().Default()
	})

	if b, ok := proc.(Binder); ok {
		b.Bind(&componentHost{c: c})
	}
	return c
}

func (c *Component) newSaver(collection string, kind PortKind) *saver {
	return &saver{
		store:      c.cfg.store,
		collection: collection,
		id:         store.PortID(c.id, string(kind)),
		delay:      c.cfg.persistDebounce,
		logger:     c.logger,
		metrics:    c.cfg.metrics,
	}
}

// start begins reacting to port changes.
func (c *Component) start() {
	for _, p := range []*Port{c.input, c.config, c.keys} {
		c.watch = append(c.watch, p.Subscribe(func(any) { c.changed() }))
	}
	c.watching.Store(true)
	c.changed()
}

func (c *Component) changed() {
	if !c.watching.Load() || !c.ready() {
		return
	}
	c.sup.Trigger(false)
}

func (c *Component) ready() bool {
	_, in := c.input.Value()
	_, cfg := c.config.Value()
	_, keys := c.keys.Value()
	return in && cfg && keys
}

// load reads a persisted port value. Missing values and read failures
// both yield nil; failures are logged.
func (c *Component) load(collection, id string) any {
	if c.cfg.store == nil {
		return nil
	}
	var v any
	if err := store.GetJSON(c.cfg.store, collection, id, &v); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("load persisted value failed",
				slog.String("collection", collection),
				slog.String("id", id),
				slog.String("error", err.Error()))
		}
		return nil
	}
	return v
}

// initialMap computes the value of a config or keys port: the schema
// default overlaid with the spec's initial value and then the persisted
// one. Returns nil when neither exists so the default is debounced.
func (c *Component) initialMap(p *Port, collection, seedID string, initial map[string]any) any {
	var value any
	if len(initial) > 0 {
		value = schema.Clone(initial)
	}
	if persisted := c.load(collection, store.PortID(seedID, string(p.Kind()))); persisted != nil {
		value = schema.MergeDefaults(value, persisted)
	}
	if value == nil {
		return nil
	}

	merged := schema.MergeDefaults(c.defaultMap(p)(), value)
	if err := p.Schema().Validate(merged); err != nil {
		c.logger.Warn("ignoring invalid initial value",
			slog.String("port", p.Ref().String()),
			slog.String("error", err.Error()))
		return nil
	}
	return merged
}

// defaultMap returns the port's object default, or an empty map.
func (c *Component) defaultMap(p *Port) func() any {
	return func() any {
		if m, ok := p.Schema().Default().(map[string]any); ok {
			return m
		}
		return map[string]any{}
	}
}

// run is the supervisor task: one pass of the process protocol.
func (c *Component) run(ctx context.Context, force bool) {
	inV, okIn := c.input.Value()
	cfgV, okCfg := c.config.Value()
	keysV, okKeys := c.keys.Value()
	if !okIn || !okCfg || !okKeys {
		return
	}
	in, _ := AsInput(inV)
	config := toMap(cfgV)
	keys := toMap(keysV)

	c.processing.Store(true)
	defer c.processing.Store(false)

	observability.LogProcessStart(c.logger, force)
	elapsed := observability.TimedOperation()
	start := time.Now()

	ctx, span := c.cfg.spans.StartProcessSpan(ctx, c.id, c.def.Kind)

	var fp map[string]any
	if c.cfg.keysInCacheKey {
		fp = keys
	}
	key, keyErr := CacheKey(in, config, fp)
	if keyErr != nil {
		c.logger.Debug("cache disabled for run", slog.String("error", keyErr.Error()))
	}
	useCache := c.cache != nil && !c.def.NoCache && keyErr == nil

	if useCache && !force {
		if out, ok := c.cache.Get(key); ok {
			c.cfg.metrics.RecordCache(ctx, c.id, true)
			observability.LogCacheHit(c.logger, key)
			c.cfg.spans.EndSpanWithError(span, nil)
			c.setError(nil)
			if !c.publishedKey(key) {
				c.publish(key, out)
			}
			return
		}
		c.cfg.metrics.RecordCache(ctx, c.id, false)
	}

	pctx := NewContext(ctx,
		WithContextLogger(c.cfg.logger),
		WithContextLLM(c.cfg.llm),
		WithContextStore(c.cfg.store),
		WithContextGraphID(c.cfg.id),
		WithContextNodeID(c.id),
	)
	snap := c.snapshot()
	out, err := c.invoke(pctx, in, config, keys)
	if err == nil && out != nil && out != Unchanged {
		err = c.validateOutput(out)
	}
	c.cfg.metrics.RecordProcess(ctx, c.id, c.def.Kind, time.Since(start), err)
	c.cfg.spans.EndSpanWithError(span, err)

	if ctx.Err() != nil {
		// Superseded or closed: a newer run owns the output.
		return
	}
	if err != nil {
		perr := &ProcessingError{NodeID: c.id, Kind: c.def.Kind, Err: err}
		c.setError(perr)
		c.restore(snap)
		observability.LogProcessError(c.logger, perr)
		return
	}
	c.setError(nil)
	observability.LogProcessComplete(c.logger, elapsed(), false)

	if out == Unchanged {
		return
	}
	if useCache {
		c.cache.Add(key, out)
	}
	c.publish(key, out)
}

func (c *Component) invoke(ctx Context, in Input, config, keys map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{
				NodeID: c.id,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()
	return c.proc.Process(ctx, in, config, keys)
}

func (c *Component) publish(key uint64, out any) {
	c.mu.Lock()
	c.lastKey, c.hasKey = key, true
	c.mu.Unlock()
	c.output.Write(out)
}

// validateOutput checks v against the output schema. Pass-through
// outputs are spliced downstream, so each of their values is checked.
func (c *Component) validateOutput(v any) error {
	s := c.output.Schema()
	in, ok := v.(Input)
	if !ok {
		return s.Validate(v)
	}
	for _, t := range in {
		if err := s.Validate(t.Value); err != nil {
			return err
		}
	}
	return nil
}

// outputSnapshot is the output state before a run, restored when the run
// fails after emitting.
type outputSnapshot struct {
	value  any
	ok     bool
	key    uint64
	hasKey bool
	emits  uint64
}

func (c *Component) snapshot() outputSnapshot {
	v, ok := c.output.Value()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return outputSnapshot{value: v, ok: ok, key: c.lastKey, hasKey: c.hasKey, emits: c.emits.Load()}
}

// restore republishes the pre-run output if the run emitted anything.
func (c *Component) restore(s outputSnapshot) {
	if c.emits.Load() == s.emits || !s.ok {
		return
	}
	c.mu.Lock()
	c.lastKey, c.hasKey = s.key, s.hasKey
	c.mu.Unlock()
	c.output.Write(s.value)
}

// emit publishes an out-of-band value. The output no longer matches any
// cache key once emitted.
func (c *Component) emit(v any) {
	if c.closed.Load() || v == nil {
		return
	}
	if err := c.validateOutput(v); err != nil {
		c.logger.Warn("dropped emitted output", slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	c.hasKey = false
	c.emits.Add(1)
	c.mu.Unlock()
	c.output.Write(v)
}

// publishedKey reports whether the current output came from key.
func (c *Component) publishedKey(key uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasKey && c.lastKey == key
}

func (c *Component) setError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Process runs the processor now, on the calling goroutine.
//
// With force false a cached output for the current input, config and keys
// is used instead of calling the processor. If a run is already in
// progress, a follow-up run is scheduled and the current output is
// returned at once. The returned error is the component's processing
// error, if the run failed.
func (c *Component) Process(ctx context.Context, force bool) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	ran := c.sup.Run(ctx, force)
	out, _ := c.output.Value()
	if !ran {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return out, nil
	}
	return out, c.Error()
}

// SetConfig validates cfg against the config schema and publishes it.
// Returns a *schema.ValidationError if cfg does not conform.
func (c *Component) SetConfig(cfg map[string]any) error {
	return c.set(c.config, cfg)
}

// UpdateConfig merges patch into the current config and publishes the result.
func (c *Component) UpdateConfig(patch map[string]any) error {
	return c.set(c.config, toMap(schema.MergeDefaults(c.Config(), patch)))
}

// SetKeys validates keys against the keys schema and publishes them.
// Keys are persisted apart from config.
func (c *Component) SetKeys(keys map[string]any) error {
	return c.set(c.keys, keys)
}

func (c *Component) set(p *Port, v map[string]any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if v == nil {
		v = map[string]any{}
	}
	if err := p.Schema().Validate(v); err != nil {
		return err
	}
	p.Write(schema.Clone(v))
	return nil
}

// ID returns the component id.
func (c *Component) ID() string { return c.id }

// Kind returns the component's kind.
func (c *Component) Kind() string { return c.def.Kind }

// Ref returns the pinned plugin definition, or nil for built-in kinds.
func (c *Component) Ref() *Ref { return c.def.Ref }

// Definition returns the definition the component was built from.
func (c *Component) Definition() Definition { return c.def }

// Port returns one of the component's ports.
func (c *Component) Port(kind PortKind) *Port {
	switch kind {
	case PortInput:
		return c.input
	case PortConfig:
		return c.config
	case PortKeys:
		return c.keys
	case PortOutput:
		return c.output
	}
	return nil
}

// Input returns the current combined input.
func (c *Component) Input() Input {
	v, _ := c.input.Value()
	in, _ := AsInput(v)
	return in
}

// Config returns the current config.
func (c *Component) Config() map[string]any {
	v, _ := c.config.Value()
	return toMap(v)
}

// Keys returns the current keys.
func (c *Component) Keys() map[string]any {
	v, _ := c.keys.Value()
	return toMap(v)
}

// Output returns the current output, or nil if none was published.
func (c *Component) Output() any {
	v, _ := c.output.Value()
	return v
}

// Error returns the last processing error, or nil after a successful run.
func (c *Component) Error() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Processing reports whether the processor is running.
func (c *Component) Processing() bool {
	return c.processing.Load()
}

// State returns the component's supervisor state.
func (c *Component) State() SupervisorState {
	return c.sup.State()
}

// Runs returns how many process passes have started, cache hits included.
func (c *Component) Runs() int64 {
	return c.sup.Runs()
}

// Cache returns the component's execution cache (nil when disabled).
func (c *Component) Cache() *Cache {
	return c.cache
}

// Wait blocks until the component is not processing.
func (c *Component) Wait(ctx context.Context) error {
	return c.sup.Wait(ctx)
}

// applySchemas installs negotiated schemas. Returns true if the output
// schema changed.
func (c *Component) applySchemas(s Schemas) bool {
	if s.Input != nil {
		c.input.SetSchema(s.Input)
	}
	if s.Config != nil {
		c.config.SetSchema(s.Config)
	}
	if s.Keys != nil {
		c.keys.SetSchema(s.Keys)
	}
	if s.Output != nil && !s.Output.Equal(c.output.Schema()) {
		c.output.SetSchema(s.Output)
		return true
	}
	return false
}

// close stops processing and releases the component. Safe to call more
// than once.
func (c *Component) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.watching.Store(false)
	for _, s := range c.watch {
		s.Unsubscribe()
	}
	c.sup.Close()

	var err error
	if closer, ok := c.proc.(io.Closer); ok {
		err = closer.Close()
	}
	for _, p := range []*Port{c.input, c.config, c.keys, c.output} {
		p.close()
	}
	return err
}

type componentHost struct {
	c *Component
}

func (h *componentHost) NodeID() string { return h.c.id }

func (h *componentHost) Emit(v any) { h.c.emit(v) }

func (h *componentHost) Subgraph(id string) (*Graph, error) {
	return h.c.graph.subgraph(id)
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
