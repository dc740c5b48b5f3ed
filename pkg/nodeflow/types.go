package nodeflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
)

// Built-in kinds the engine itself knows about.
const (
	// KindSubflow is the composition node. See NewSubflow.
	KindSubflow = "subflow"
	// KindFlowInput marks the node that receives a subflow's input.
	KindFlowInput = "flow.input"
	// KindFlowOutput marks the node whose output becomes the subflow's output.
	KindFlowOutput = "flow.output"
)

// PortKind names one of a component's four ports.
type PortKind string

// Port kinds.
const (
	PortInput  PortKind = "input"
	PortConfig PortKind = "config"
	PortKeys   PortKind = "keys"
	PortOutput PortKind = "output"
)

// PortRef identifies a port.
type PortRef struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
}

// String returns "node.port".
func (r PortRef) String() string {
	return r.NodeID + "." + r.Name
}

// Tagged is one upstream contribution to a component's input.
type Tagged struct {
	SourceID string         `json:"source_id"`
	Port     string         `json:"port"`
	Schema   *schema.Schema `json:"schema,omitempty"`
	Value    any            `json:"value"`
}

// Input is the combined upstream value seen by a component: the latest
// output of every connected source, in connection order.
type Input []Tagged

// Values returns the bare values in order.
func (in Input) Values() []any {
	out := make([]any, len(in))
	for i, t := range in {
		out[i] = t.Value
	}
	return out
}

// From returns the contributions of one source node.
func (in Input) From(sourceID string) []any {
	var out []any
	for _, t := range in {
		if t.SourceID == sourceID {
			out = append(out, t.Value)
		}
	}
	return out
}

// AsInput converts v to an Input. Besides Input itself it accepts the
// decoded JSON form ([]any of objects with "source_id" and "value"), so
// values reloaded from a store keep their shape.
func AsInput(v any) (Input, bool) {
	switch in := v.(type) {
	case Input:
		return in, true
	case []Tagged:
		return Input(in), true
	case []any:
		out := make(Input, 0, len(in))
		for _, item := range in {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			src, ok := m["source_id"].(string)
			if !ok {
				return nil, false
			}
			t := Tagged{SourceID: src, Value: m["value"]}
			t.Port, _ = m["port"].(string)
			if raw, ok := m["schema"].(map[string]any); ok {
				t.Schema = schema.New(raw)
			}
			out = append(out, t)
		}
		return out, true
	}
	return nil, false
}

// Ref pins a dynamically registered component definition.
type Ref struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	// Hash is the sha256 of the source. When set, resolution fails if the
	// registered source for Key/Version has a different hash.
	Hash string `json:"hash,omitempty"`
}

// String returns "key@version".
func (r Ref) String() string {
	return fmt.Sprintf("%s@%d", r.Key, r.Version)
}

// NodeSpec describes a node to instantiate.
type NodeSpec struct {
	ID   string `json:"id" yaml:"id"`
	Kind string `json:"kind" yaml:"kind"`
	// Ref pins a plugin definition. Nil for built-in kinds.
	Ref *Ref `json:"ref,omitempty" yaml:"ref,omitempty"`
	// Config is the initial config. Persisted config takes precedence.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects a source output port to a target input port.
type Edge struct {
	ID         string `json:"id" yaml:"id"`
	Source     string `json:"source" yaml:"source"`
	SourcePort string `json:"source_port" yaml:"source_port"`
	Target     string `json:"target" yaml:"target"`
	TargetPort string `json:"target_port" yaml:"target_port"`
	// Index orders the edge's contribution within the target's input.
	Index int64 `json:"index" yaml:"index"`
}

// Schemas are the port descriptors of a component. Nil accepts anything.
type Schemas struct {
	Input  *schema.Schema `json:"input,omitempty"`
	Config *schema.Schema `json:"config,omitempty"`
	Keys   *schema.Schema `json:"keys,omitempty"`
	Output *schema.Schema `json:"output,omitempty"`
}

// Definition describes a node kind.
type Definition struct {
	Kind    string
	Ref     *Ref
	Schemas Schemas
	// NoCache disables the execution cache for nondeterministic kinds.
	NoCache bool
	// New creates the processor for one component instance.
	New func() (Processor, error)
}

// Processor computes a component's output.
//
// Process is never called concurrently for the same component. Returning
// Unchanged leaves the output as is; returning an error stores a
// *ProcessingError on the component and keeps the previous output.
type Processor interface {
	Process(ctx Context, in Input, config, keys map[string]any) (any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx Context, in Input, config, keys map[string]any) (any, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx Context, in Input, config, keys map[string]any) (any, error) {
	return f(ctx, in, config, keys)
}

type unchanged struct{}

// Unchanged is returned by processors that publish asynchronously
// through Host.Emit, or that have nothing new to say.
var Unchanged any = unchanged{}

// Negotiation is the wiring seen by a component when its connections change.
type Negotiation struct {
	NodeID string
	Config map[string]any
	// Upstream holds the output schemas of connected sources, in edge order.
	Upstream []*schema.Schema
	// Downstream holds the input schemas of connected targets, in edge order.
	Downstream []*schema.Schema
}

// Negotiator is implemented by processors whose port schemas depend on
// what they are connected to. Negotiate must be a pure function; nil
// fields in the result leave the corresponding port untouched.
type Negotiator interface {
	Negotiate(n Negotiation) Schemas
}

// Host is given to Binder processors.
type Host interface {
	// NodeID returns the component id.
	NodeID() string
	// Emit publishes v on the component's output port.
	Emit(v any)
	// Subgraph creates a non-persisting graph one level deeper than the
	// component's own, sharing its resolver and store.
	// Returns ErrMaxDepth when the depth limit is reached.
	Subgraph(id string) (*Graph, error)
}

// Binder is implemented by processors that need their Host.
// Bind is called once, before the first Process.
type Binder interface {
	Bind(h Host)
}

// Resolver turns a NodeSpec into a Definition.
// Unknown kinds return an error wrapping ErrUnknownKind.
type Resolver interface {
	Resolve(ctx context.Context, spec NodeSpec) (Definition, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, spec NodeSpec) (Definition, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, spec NodeSpec) (Definition, error) {
	return f(ctx, spec)
}

// ChainResolvers tries each resolver in turn, moving on when one reports
// ErrUnknownKind.
func ChainResolvers(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, spec NodeSpec) (Definition, error) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			def, err := r.Resolve(ctx, spec)
			if err == nil {
				return def, nil
			}
			if !errors.Is(err, ErrUnknownKind) {
				return Definition{}, err
			}
		}
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownKind, spec.Kind)
	})
}
