package nodeflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/stream"
)

// Graph owns a set of live components and the edges between them.
//
// A target's input is the concatenation, in edge order, of the latest
// output of every connected source. It is recomputed each time any source
// publishes or the edge set changes. Graph is safe for concurrent use.
//
// Example:
//
//	g := nodeflow.New(nodeflow.WithResolver(nodes.Resolver(nil)))
//	defer g.Close()
//
//	g.AddNode(ctx, nodeflow.NodeSpec{ID: "prompt", Kind: "prompt"})
//	g.AddNode(ctx, nodeflow.NodeSpec{ID: "gpt", Kind: "llm"})
//	g.Connect("prompt", "gpt")
type Graph struct {
	cfg graphConfig

	mu        sync.RWMutex
	nodes     map[string]*Component
	order     []string
	pipes     map[string]*pipe
	joins     map[string]*stream.Join[string, Tagged]
	nextIndex int64
	closed    bool
}

// pipe forwards one source's output into its target's join.
type pipe struct {
	edge   Edge
	tagged *stream.Subject[Tagged]
	sub    stream.Subscription
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	cfg := defaultGraphConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newGraph(cfg)
}

func newGraph(cfg graphConfig) *Graph {
	return &Graph{
		cfg:   cfg,
		nodes: make(map[string]*Component),
		pipes: make(map[string]*pipe),
		joins: make(map[string]*stream.Join[string, Tagged]),
	}
}

// ID returns the graph id.
func (g *Graph) ID() string {
	return g.cfg.id
}

// Depth returns how deeply the graph is nested inside subflows (0 for a root graph).
func (g *Graph) Depth() int {
	return g.cfg.depth
}

// AddNode resolves spec.Kind and starts a component.
//
// The component's config is its schema default overlaid with spec.Config
// and then any persisted config. Returns ErrDuplicateNode if the id is in
// use and a *ResolveError if the kind cannot be resolved.
func (g *Graph) AddNode(ctx context.Context, spec NodeSpec) (*Component, error) {
	return g.addNode(ctx, spec, spec.ID)
}

func (g *Graph) addNode(ctx context.Context, spec NodeSpec, seedID string) (*Component, error) {
	if spec.ID == "" {
		return nil, ErrEmptyNodeID
	}
	if err := g.checkNewNode(spec.ID); err != nil {
		return nil, err
	}

	// Resolution may compile a plugin, so it runs without the lock.
	def, proc, err := g.resolve(ctx, spec)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkNewNodeLocked(spec.ID); err != nil {
		return nil, err
	}

	c := newComponent(g, spec, seedID, def, proc)
	g.nodes[spec.ID] = c
	g.order = append(g.order, spec.ID)
	g.negotiateLocked(spec.ID)
	c.start()
	return c, nil
}

func (g *Graph) resolve(ctx context.Context, spec NodeSpec) (Definition, Processor, error) {
	if g.cfg.resolver == nil {
		return Definition{}, nil, &ResolveError{NodeID: spec.ID, Kind: spec.Kind, Err: ErrUnknownKind}
	}
	def, err := g.cfg.resolver.Resolve(ctx, spec)
	if err != nil {
		return Definition{}, nil, &ResolveError{NodeID: spec.ID, Kind: spec.Kind, Err: err}
	}
	if def.Kind == "" {
		def.Kind = spec.Kind
	}
	if def.Ref == nil && spec.Ref != nil {
		ref := *spec.Ref
		def.Ref = &ref
	}
	if def.New == nil {
		return Definition{}, nil, &ResolveError{NodeID: spec.ID, Kind: spec.Kind, Err: fmt.Errorf("definition has no constructor")}
	}
	proc, err := def.New()
	if err != nil {
		return Definition{}, nil, &ResolveError{NodeID: spec.ID, Kind: spec.Kind, Err: err}
	}
	return def, proc, nil
}

func (g *Graph) checkNewNode(id string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkNewNodeLocked(id)
}

func (g *Graph) checkNewNodeLocked(id string) error {
	if g.closed {
		return ErrClosed
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	return nil
}

// Node returns a component by id.
func (g *Graph) Node(id string) (*Component, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.nodes[id]
	return c, ok
}

// Nodes returns every component in insertion order.
func (g *Graph) Nodes() []*Component {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Component, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Connect pipes source's output into target's input.
func (g *Graph) Connect(source, target string) (Edge, error) {
	return g.ConnectPorts(Edge{Source: source, Target: target})
}

// ConnectPorts adds an edge. Empty port names default to "output" and
// "input"; an empty ID is generated. The edge's Index is assigned by the
// graph and orders its contribution within the target's input.
func (g *Graph) ConnectPorts(e Edge) (Edge, error) {
	if e.SourcePort == "" {
		e.SourcePort = string(PortOutput)
	}
	if e.TargetPort == "" {
		e.TargetPort = string(PortInput)
	}
	if e.SourcePort != string(PortOutput) || e.TargetPort != string(PortInput) {
		return Edge{}, fmt.Errorf("%w: %s -> %s", ErrInvalidPort, e.SourcePort, e.TargetPort)
	}
	if e.Source == e.Target {
		return Edge{}, fmt.Errorf("%w: %s", ErrSelfLoop, e.Source)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return Edge{}, ErrClosed
	}
	src, ok := g.nodes[e.Source]
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrNodeNotFound, e.Source)
	}
	dst, ok := g.nodes[e.Target]
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrNodeNotFound, e.Target)
	}
	for _, p := range g.pipes {
		if p.edge.Source == e.Source && p.edge.Target == e.Target &&
			p.edge.SourcePort == e.SourcePort && p.edge.TargetPort == e.TargetPort {
			return Edge{}, fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, e.Source, e.Target)
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	} else if _, exists := g.pipes[e.ID]; exists {
		return Edge{}, fmt.Errorf("%w: id %s", ErrDuplicateEdge, e.ID)
	}
	g.nextIndex++
	e.Index = g.nextIndex

	g.wireLocked(e, src, dst)
	g.negotiateLocked(e.Source, e.Target)
	return e, nil
}

// wireLocked subscribes the target's join to the source's output.
// g.mu must be held.
func (g *Graph) wireLocked(e Edge, src, dst *Component) {
	join, ok := g.joins[dst.id]
	if !ok {
		join = stream.NewJoin[string, Tagged](func(parts []Tagged) {
			dst.input.Write(flatten(parts))
		})
		g.joins[dst.id] = join
	}

	p := &pipe{edge: e, tagged: stream.NewSubject[Tagged]()}
	g.pipes[e.ID] = p
	join.Add(e.ID, e.Index, p.tagged)
	p.sub = src.output.Subscribe(func(v any) {
		p.tagged.Next(Tagged{
			SourceID: src.id,
			Port:     e.SourcePort,
			Schema:   src.output.Schema(),
			Value:    v,
		})
	})
}

// flatten splices upstream values that are themselves inputs.
func flatten(parts []Tagged) Input {
	out := make(Input, 0, len(parts))
	for _, t := range parts {
		if nested, ok := t.Value.(Input); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, t)
	}
	return out
}

// Disconnect removes an edge. The source subscription is released and
// the target's input is recomputed without the source.
func (g *Graph) Disconnect(edgeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	p, ok := g.pipes[edgeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	g.unwireLocked(p)
	g.negotiateLocked(p.edge.Source, p.edge.Target)
	return nil
}

// DisconnectNodes removes every edge from source to target.
func (g *Graph) DisconnectNodes(source, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	found := false
	for _, p := range g.sortedPipesLocked() {
		if p.edge.Source == source && p.edge.Target == target {
			g.unwireLocked(p)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, source, target)
	}
	g.negotiateLocked(source, target)
	return nil
}

// unwireLocked tears down a pipe. g.mu must be held.
func (g *Graph) unwireLocked(p *pipe) {
	delete(g.pipes, p.edge.ID)
	p.sub.Unsubscribe()
	if join, ok := g.joins[p.edge.Target]; ok {
		join.Remove(p.edge.ID)
		if join.Len() == 0 {
			join.Close()
			delete(g.joins, p.edge.Target)
		}
	}
	p.tagged.Close()
}

// RemoveNode disconnects every edge touching id and closes the component.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	c, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	var neighbours []string
	for _, p := range g.sortedPipesLocked() {
		switch id {
		case p.edge.Source:
			neighbours = append(neighbours, p.edge.Target)
		case p.edge.Target:
			neighbours = append(neighbours, p.edge.Source)
		default:
			continue
		}
		g.unwireLocked(p)
	}
	delete(g.nodes, id)
	for i, nid := range g.order {
		if nid == id {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	g.negotiateLocked(neighbours...)
	g.mu.Unlock()

	return c.close()
}

// Edges returns every edge in index order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pipes := g.sortedPipesLocked()
	out := make([]Edge, len(pipes))
	for i, p := range pipes {
		out[i] = p.edge
	}
	return out
}

// Upstream returns the ids of the nodes piped into id, in edge order.
func (g *Graph) Upstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.upstreamLocked(id)
}

// Downstream returns the ids of the nodes id pipes into, in edge order.
func (g *Graph) Downstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.downstreamLocked(id)
}

func (g *Graph) upstreamLocked(id string) []string {
	var out []string
	for _, p := range g.sortedPipesLocked() {
		if p.edge.Target == id {
			out = append(out, p.edge.Source)
		}
	}
	return out
}

func (g *Graph) downstreamLocked(id string) []string {
	var out []string
	for _, p := range g.sortedPipesLocked() {
		if p.edge.Source == id {
			out = append(out, p.edge.Target)
		}
	}
	return out
}

func (g *Graph) sortedPipesLocked() []*pipe {
	out := make([]*pipe, 0, len(g.pipes))
	for _, p := range g.pipes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].edge.Index < out[j].edge.Index })
	return out
}

// Wait blocks until no component is processing.
func (g *Graph) Wait(ctx context.Context) error {
	for {
		busy := false
		for _, c := range g.Nodes() {
			if c.State() == StateIdle || c.State() == StateClosed {
				continue
			}
			busy = true
			if err := c.Wait(ctx); err != nil {
				return err
			}
		}
		if !busy {
			return nil
		}
	}
}

// Close tears down every edge and component. Pending persistence is
// flushed. Errors from closing components are aggregated. Safe to call
// more than once.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	pipes := g.sortedPipesLocked()
	joins := g.joins
	comps := make([]*Component, 0, len(g.order))
	for _, id := range g.order {
		comps = append(comps, g.nodes[id])
	}
	g.pipes = make(map[string]*pipe)
	g.joins = make(map[string]*stream.Join[string, Tagged])
	g.nodes = make(map[string]*Component)
	g.order = nil
	g.mu.Unlock()

	for _, p := range pipes {
		p.sub.Unsubscribe()
		p.tagged.Close()
	}
	for _, j := range joins {
		j.Close()
	}

	var result *multierror.Error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", comps[i].id, err))
		}
	}
	return result.ErrorOrNil()
}

// Closed reports whether Close was called.
func (g *Graph) Closed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

// subgraph creates a non-persisting child graph for a subflow shadow.
func (g *Graph) subgraph(id string) (*Graph, error) {
	if g.cfg.depth+1 > g.cfg.maxDepth {
		return nil, fmt.Errorf("%w (%d)", ErrMaxDepth, g.cfg.maxDepth)
	}
	cfg := g.cfg
	cfg.id = id
	cfg.persist = false
	cfg.depth = g.cfg.depth + 1
	return newGraph(cfg), nil
}
