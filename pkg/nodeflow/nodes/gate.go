package nodes

import (
	"strings"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/config"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/expr"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
)

var gateConfigSchema = schema.MustParse(`{
	"type": "object",
	"properties": {
		"condition": {"type": "string", "default": ""}
	}
}`)

// Gate forwards its input while the expr condition holds.
//
// The condition sees the first input object's keys, plus "input" (all
// input values) and "value" (the first one). An empty condition always
// passes. While the condition fails the previous output is kept.
func Gate() nodeflow.Definition {
	return nodeflow.Definition{
		Kind:    KindGate,
		Schemas: nodeflow.Schemas{Config: gateConfigSchema},
		New: func() (nodeflow.Processor, error) {
			return &gate{eval: expr.New()}, nil
		},
	}
}

type gate struct {
	nodeflow.UnionNegotiator
	eval *expr.Evaluator
}

func (g *gate) Process(_ nodeflow.Context, in nodeflow.Input, cfg, _ map[string]any) (any, error) {
	if len(in) == 0 {
		return nodeflow.Unchanged, nil
	}
	cond := strings.TrimSpace(config.NewValues(cfg).String("condition", ""))
	if cond == "" {
		return in, nil
	}

	values := in.Values()
	vars := map[string]any{}
	if obj, ok := values[0].(map[string]any); ok {
		for k, v := range obj {
			vars[k] = v
		}
	}
	vars["input"] = values
	vars["value"] = values[0]

	ok, err := g.eval.Evaluate(cond, vars)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nodeflow.Unchanged, nil
	}
	return in, nil
}
