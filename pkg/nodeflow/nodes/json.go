package nodes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
)

// JSON decodes JSON text. A single input yields its decoded value;
// several yield an array in edge order. Non-string inputs pass through.
func JSON() nodeflow.Definition {
	return nodeflow.Definition{
		Kind: KindJSON,
		New: func() (nodeflow.Processor, error) {
			return nodeflow.ProcessorFunc(decodeJSON), nil
		},
	}
}

func decodeJSON(_ nodeflow.Context, in nodeflow.Input, _, _ map[string]any) (any, error) {
	if len(in) == 0 {
		return nodeflow.Unchanged, nil
	}
	out := make([]any, len(in))
	for i, t := range in {
		text, ok := t.Value.(string)
		if !ok {
			out[i] = t.Value
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
			return nil, fmt.Errorf("decode input from %s: %w", t.SourceID, err)
		}
		out[i] = v
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}
