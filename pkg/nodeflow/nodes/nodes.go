// Package nodes provides nodeflow's built-in node kinds.
//
//	prompt       builds chat threads from a ${var} template
//	llm          completes chat threads with the context's llm.Client
//	gate         forwards input while an expr condition holds
//	merge        forwards its flattened input
//	json         decodes JSON text
//	flow.input   subflow entry
//	flow.output  subflow exit
//	subflow      runs a saved workspace
//
// Resolver resolves these kinds and falls through to other resolvers,
// typically a plugin registry:
//
//	g := nodeflow.New(nodeflow.WithResolver(nodes.Resolver(reg.Resolver())))
package nodes

import (
	"context"
	"fmt"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/registry"
)

// Kind names.
const (
	KindPrompt = "prompt"
	KindLLM    = "llm"
	KindGate   = "gate"
	KindMerge  = "merge"
	KindJSON   = "json"
)

var builtins = newTable()

func newTable() *registry.Registry[string, nodeflow.Definition] {
	r := registry.New[string, nodeflow.Definition]()
	for _, def := range []nodeflow.Definition{
		Prompt(),
		LLM(),
		Gate(),
		Merge(),
		JSON(),
		FlowInput(),
		FlowOutput(),
		nodeflow.SubflowDefinition(),
	} {
		r.Insert(def.Kind, def)
	}
	return r
}

// Kinds returns the built-in kind names.
func Kinds() []string {
	return builtins.Keys()
}

// Definition returns a built-in kind's definition.
func Definition(kind string) (nodeflow.Definition, bool) {
	return builtins.Get(kind)
}

// Resolver resolves built-in kinds, then tries next in order. Specs
// carrying a plugin Ref are never resolved as built-ins.
func Resolver(next ...nodeflow.Resolver) nodeflow.Resolver {
	builtin := nodeflow.ResolverFunc(func(_ context.Context, spec nodeflow.NodeSpec) (nodeflow.Definition, error) {
		if spec.Ref == nil {
			if def, ok := builtins.Get(spec.Kind); ok {
				return def, nil
			}
		}
		return nodeflow.Definition{}, fmt.Errorf("%w: %s", nodeflow.ErrUnknownKind, spec.Kind)
	})
	return nodeflow.ChainResolvers(append([]nodeflow.Resolver{builtin}, next...)...)
}
