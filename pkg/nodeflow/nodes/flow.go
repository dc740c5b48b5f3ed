package nodes

import "github.com/randalmurphal/nodeflow/pkg/nodeflow"

// passThrough forwards its input so downstream nodes see it spliced.
type passThrough struct {
	nodeflow.UnionNegotiator
	skipEmpty bool
}

func (p passThrough) Process(_ nodeflow.Context, in nodeflow.Input, _, _ map[string]any) (any, error) {
	if p.skipEmpty && len(in) == 0 {
		return nodeflow.Unchanged, nil
	}
	return in, nil
}

func passDefinition(kind string, skipEmpty bool) nodeflow.Definition {
	return nodeflow.Definition{
		Kind: kind,
		New: func() (nodeflow.Processor, error) {
			return passThrough{skipEmpty: skipEmpty}, nil
		},
	}
}

// Merge forwards its flattened input. Its output schema is the union of
// its upstream output schemas.
func Merge() nodeflow.Definition {
	return passDefinition(KindMerge, false)
}

// FlowInput is the entry of a subflow workspace. It holds its value until
// the subflow feeds it a non-empty input.
func FlowInput() nodeflow.Definition {
	return passDefinition(nodeflow.KindFlowInput, true)
}

// FlowOutput is the exit of a subflow workspace.
func FlowOutput() nodeflow.Definition {
	return passDefinition(nodeflow.KindFlowOutput, false)
}
