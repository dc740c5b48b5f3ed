package nodes

import (
	"fmt"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/llm"
)

// Threads travel between nodes in their JSON form,
//
//	{"threads": [[{"role": "user", "content": "..."}], ...]}
//
// so persisted and live values look the same.

// threadsOf extracts the threads carried by v.
func threadsOf(v any) ([][]llm.Message, bool, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false, nil
	}
	raw, ok := obj["threads"]
	if !ok {
		return nil, false, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, true, fmt.Errorf("threads: expected array, got %T", raw)
	}

	out := make([][]llm.Message, 0, len(list))
	for i, t := range list {
		msgs, ok := t.([]any)
		if !ok {
			return nil, true, fmt.Errorf("threads[%d]: expected array, got %T", i, t)
		}
		thread := make([]llm.Message, 0, len(msgs))
		for j, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				return nil, true, fmt.Errorf("threads[%d][%d]: expected object, got %T", i, j, m)
			}
			role, _ := msg["role"].(string)
			content, _ := msg["content"].(string)
			thread = append(thread, llm.Message{Role: llm.Role(role), Content: content})
		}
		out = append(out, thread)
	}
	return out, true, nil
}

func threadJSON(thread []llm.Message) []any {
	out := make([]any, len(thread))
	for i, m := range thread {
		out[i] = map[string]any{"role": string(m.Role), "content": m.Content}
	}
	return out
}

func threadsJSON(threads [][]llm.Message) []any {
	out := make([]any, len(threads))
	for i, t := range threads {
		out[i] = threadJSON(t)
	}
	return out
}
