package nodeflow

import "github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"

// negotiateLocked re-runs schema negotiation for the given nodes. When a
// node's output schema changes, its downstream nodes are negotiated too.
// Each pass is bounded so cycles settle. g.mu must be held.
func (g *Graph) negotiateLocked(ids ...string) {
	queue := append([]string(nil), ids...)
	budget := len(ids) + 2*len(g.nodes)

	for len(queue) > 0 && budget > 0 {
		id := queue[0]
		queue = queue[1:]
		budget--

		c, ok := g.nodes[id]
		if !ok {
			continue
		}
		neg, ok := c.proc.(Negotiator)
		if !ok {
			continue
		}

		n := Negotiation{NodeID: id, Config: c.Config()}
		for _, up := range g.upstreamLocked(id) {
			if src, ok := g.nodes[up]; ok {
				n.Upstream = append(n.Upstream, src.output.Schema())
			}
		}
		for _, down := range g.downstreamLocked(id) {
			if dst, ok := g.nodes[down]; ok {
				n.Downstream = append(n.Downstream, dst.input.Schema())
			}
		}

		if c.applySchemas(neg.Negotiate(n)) {
			queue = append(queue, g.downstreamLocked(id)...)
		}
	}
}

// UnionNegotiator gives a node an output schema accepting anything its
// upstream nodes can produce. Embed it in pass-through processors.
type UnionNegotiator struct{}

// Negotiate implements Negotiator.
func (UnionNegotiator) Negotiate(n Negotiation) Schemas {
	return Schemas{Output: schema.Union(n.Upstream...)}
}
