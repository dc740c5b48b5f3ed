package nodes

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/config"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/llm"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/template"
)

var (
	promptConfigSchema = schema.MustParse(`{
		"type": "object",
		"properties": {
			"template": {"type": "string", "default": ""},
			"role": {"type": "string", "enum": ["user", "system", "assistant"]}
		}
	}`)

	threadsSchema = schema.MustParse(`{
		"type": "object",
		"properties": {
			"threads": {"type": "array", "items": {"type": "array"}},
			"messages": {"type": "array"},
			"content": {"type": "string"}
		},
		"required": ["threads"]
	}`)
)

// Prompt builds chat threads.
//
// The template is expanded with the keys of every object input merged in
// edge order, plus ${input} for the text inputs joined by newlines. An
// empty template uses ${input} as is. Upstream threads are continued with
// the new message; without any, the output holds one new thread.
func Prompt() nodeflow.Definition {
	return nodeflow.Definition{
		Kind: KindPrompt,
		Schemas: nodeflow.Schemas{
			Config: promptConfigSchema,
			Output: threadsSchema,
		},
		New: func() (nodeflow.Processor, error) {
			return &prompt{expander: template.NewExpander()}, nil
		},
	}
}

type prompt struct {
	expander *template.Expander
}

func (p *prompt) Process(_ nodeflow.Context, in nodeflow.Input, cfg, _ map[string]any) (any, error) {
	values := config.NewValues(cfg)

	vars := map[string]any{}
	var (
		texts    []string
		upstream [][]llm.Message
	)
	for _, v := range in.Values() {
		threads, ok, err := threadsOf(v)
		if err != nil {
			return nil, err
		}
		if ok {
			upstream = append(upstream, threads...)
		}
		switch val := v.(type) {
		case map[string]any:
			for k, x := range val {
				vars[k] = x
			}
		case string:
			texts = append(texts, val)
		case nil:
		default:
			texts = append(texts, fmt.Sprint(val))
		}
	}
	input := strings.Join(texts, "\n")
	vars["input"] = input

	content := input
	if tmpl := values.String("template", ""); tmpl != "" {
		expanded, err := p.expander.Expand(tmpl, vars)
		if err != nil {
			return nil, err
		}
		content = expanded
	}
	msg := llm.Message{Role: llm.Role(values.String("role", string(llm.RoleUser))), Content: content}

	if len(upstream) == 0 {
		upstream = [][]llm.Message{nil}
	}
	threads := make([][]llm.Message, len(upstream))
	for i, t := range upstream {
		threads[i] = append(t[:len(t):len(t)], msg)
	}
	return map[string]any{"threads": threadsJSON(threads)}, nil
}
