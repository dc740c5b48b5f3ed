package nodes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/llm"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost records emitted values.
type fakeHost struct {
	mu      sync.Mutex
	emitted []any
}

func (h *fakeHost) NodeID() string { return "host" }

func (h *fakeHost) Emit(v any) {
	h.mu.Lock()
	h.emitted = append(h.emitted, v)
	h.mu.Unlock()
}

func (h *fakeHost) Subgraph(string) (*nodeflow.Graph, error) {
	return nil, errors.New("not supported")
}

func tagged(values ...any) nodeflow.Input {
	in := make(nodeflow.Input, len(values))
	for i, v := range values {
		in[i] = nodeflow.Tagged{SourceID: "src", Port: "output", Value: v}
	}
	return in
}

// withDefaults merges cfg over the schema default, as a component would.
func withDefaults(s *schema.Schema, cfg map[string]any) map[string]any {
	return schema.MergeDefaults(s.Default(), cfg).(map[string]any)
}

func thread(msgs ...string) []any {
	out := make([]any, 0, len(msgs)/2)
	for i := 0; i+1 < len(msgs); i += 2 {
		out = append(out, map[string]any{"role": msgs[i], "content": msgs[i+1]})
	}
	return out
}

func TestPromptToLLM(t *testing.T) {
	mock := llm.NewMockClient("Gophers dig in / concurrency blooms / channels carry spring")
	g := nodeflow.New(
		nodeflow.WithResolver(Resolver()),
		nodeflow.WithLLM(mock),
		nodeflow.WithDebounce(0),
	)
	t.Cleanup(func() { _ = g.Close() })
	ctx := context.Background()

	_, err := g.AddNode(ctx, nodeflow.NodeSpec{ID: "prompt", Kind: KindPrompt, Config: map[string]any{"template": "Write a haiku about Go"}})
	require.NoError(t, err)
	gpt, err := g.AddNode(ctx, nodeflow.NodeSpec{ID: "gpt", Kind: KindLLM, Config: map[string]any{"model": "gpt-4"}})
	require.NoError(t, err)
	_, err = g.Connect("prompt", "gpt")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, ok := gpt.Output().(map[string]any)
		return ok && out["content"] == "Gophers dig in / concurrency blooms / channels carry spring"
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, 1, mock.CallCount(), "the model is invoked exactly once")

	req := mock.LastCall()
	assert.Equal(t, "gpt-4", req.Model)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "Write a haiku about Go"}}, req.Messages)

	// Identical input and config is served from the cache.
	first := gpt.Output()
	out, err := gpt.Process(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, first, out)
	assert.Equal(t, 1, mock.CallCount())

	require.NoError(t, gpt.UpdateConfig(map[string]any{"temperature": 0.2}))
	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, 2, mock.CallCount())

	require.NoError(t, gpt.UpdateConfig(map[string]any{"temperature": 0.7}))
	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, 2, mock.CallCount(), "reverting the config hits the cache")
	assert.Equal(t, first, gpt.Output())

	msgs := first.(map[string]any)["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestPrompt_Template(t *testing.T) {
	proc, err := Prompt().New()
	require.NoError(t, err)

	cfg := withDefaults(promptConfigSchema, map[string]any{"template": "Hello ${name}: ${input}"})
	out, err := proc.Process(nil, tagged(map[string]any{"name": "Ada"}, "first", "second"), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"threads": []any{thread("user", "Hello Ada: first\nsecond")},
	}, out)
}

func TestPrompt_EmptyTemplateUsesInput(t *testing.T) {
	proc, _ := Prompt().New()
	cfg := withDefaults(promptConfigSchema, map[string]any{"role": "system"})
	out, err := proc.Process(nil, tagged("be brief"), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"threads": []any{thread("system", "be brief")}}, out)
}

func TestPrompt_ContinuesThreads(t *testing.T) {
	proc, _ := Prompt().New()
	upstream := map[string]any{
		"threads": []any{
			thread("user", "hi", "assistant", "hello"),
			thread("user", "hey", "assistant", "yo"),
		},
		"content": "hello",
	}
	cfg := withDefaults(promptConfigSchema, map[string]any{"template": "you said ${content}"})
	out, err := proc.Process(nil, tagged(upstream), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"threads": []any{
		thread("user", "hi", "assistant", "hello", "user", "you said hello"),
		thread("user", "hey", "assistant", "yo", "user", "you said hello"),
	}}, out)

	_, err = proc.Process(nil, tagged(map[string]any{"threads": "nope"}), cfg, nil)
	assert.Error(t, err)
}

func llmContext(client llm.Client) nodeflow.Context {
	return nodeflow.NewContext(context.Background(), nodeflow.WithContextLLM(client))
}

func TestLLM_TextInput(t *testing.T) {
	mock := llm.NewMockClient("4")
	proc, _ := LLM().New()
	cfg := withDefaults(llmConfigSchema, map[string]any{"system": "math tutor", "max_tokens": 10})

	out, err := proc.Process(llmContext(mock), tagged("2+2?"), cfg, map[string]any{"api_key": "sk-test"})
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, "4", res["content"])
	assert.Equal(t, []any{thread("user", "2+2?", "assistant", "4")}, res["threads"])

	req := mock.LastCall()
	assert.Equal(t, "math tutor", req.SystemPrompt)
	assert.Equal(t, 10, req.MaxTokens)
	assert.Equal(t, "sk-test", req.APIKey)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.7, *req.Temperature, 1e-9)
}

func TestLLM_EveryThread(t *testing.T) {
	mock := llm.NewMockClient("").WithResponses("one", "two")
	proc, _ := LLM().New()
	in := tagged(map[string]any{"threads": []any{thread("user", "a"), thread("user", "b")}})

	out, err := proc.Process(llmContext(mock), in, withDefaults(llmConfigSchema, nil), nil)
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, []any{
		thread("user", "a", "assistant", "one"),
		thread("user", "b", "assistant", "two"),
	}, res["threads"])
	assert.Equal(t, "one", res["content"])
	assert.Equal(t, 2, mock.CallCount())
}

func TestLLM_NothingToDo(t *testing.T) {
	proc, _ := LLM().New()
	out, err := proc.Process(llmContext(nil), nil, withDefaults(llmConfigSchema, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, nodeflow.Unchanged, out)

	_, err = proc.Process(llmContext(nil), tagged("hi"), withDefaults(llmConfigSchema, nil), nil)
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestLLM_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	overloaded := errors.New("overloaded")
	mock := llm.NewMockClient("").WithCompleteFunc(func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if calls.Add(1) == 1 {
			return nil, &llm.Error{Op: "complete", Err: overloaded, Status: 529}
		}
		return &llm.CompletionResponse{Content: "ok", Model: req.Model}, nil
	})
	proc, _ := LLM().New()
	cfg := withDefaults(llmConfigSchema, map[string]any{"backoff": "1ms"})

	out, err := proc.Process(llmContext(mock), tagged("hi"), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.(map[string]any)["content"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestLLM_PermanentErrorNotRetried(t *testing.T) {
	denied := errors.New("invalid api key")
	mock := llm.NewMockClient("").WithError(llm.NewError("complete", denied, false))
	proc, _ := LLM().New()
	cfg := withDefaults(llmConfigSchema, map[string]any{"backoff": "1ms"})

	_, err := proc.Process(llmContext(mock), tagged("hi"), cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, mock.CallCount())
}

func TestLLM_StreamEmitsPartials(t *testing.T) {
	mock := llm.NewMockClient("streamed reply")
	proc, _ := LLM().New()
	host := &fakeHost{}
	proc.(nodeflow.Binder).Bind(host)

	cfg := withDefaults(llmConfigSchema, map[string]any{"stream": true})
	out, err := proc.Process(llmContext(mock), tagged("hi"), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "streamed reply", out.(map[string]any)["content"])

	host.mu.Lock()
	defer host.mu.Unlock()
	require.NotEmpty(t, host.emitted)
	last := host.emitted[len(host.emitted)-1]
	assert.Equal(t, map[string]any{
		"threads": []any{[]any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "streamed reply"},
		}},
		"content": "streamed reply",
		"partial": true,
	}, last)
	for _, v := range host.emitted {
		assert.NoError(t, threadsSchema.Validate(v), "partial output matches the output schema")
	}
}

func TestGate(t *testing.T) {
	proc, _ := Gate().New()
	cfg := map[string]any{"condition": "score > 5 and status == 'ok'"}

	tests := []struct {
		name string
		in   nodeflow.Input
		want any
	}{
		{"passes", tagged(map[string]any{"score": 7, "status": "ok"}), tagged(map[string]any{"score": 7, "status": "ok"})},
		{"blocked", tagged(map[string]any{"score": 3, "status": "ok"}), nodeflow.Unchanged},
		{"empty", nil, nodeflow.Unchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := proc.Process(nil, tt.in, cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	out, err := proc.Process(nil, tagged("x"), map[string]any{"condition": ""}, nil)
	require.NoError(t, err)
	assert.Equal(t, tagged("x"), out, "empty condition passes")

	out, err = proc.Process(nil, tagged("go"), map[string]any{"condition": "value == 'go'"}, nil)
	require.NoError(t, err)
	assert.Equal(t, tagged("go"), out)
}

func TestJSON(t *testing.T) {
	proc, _ := JSON().New()

	out, err := proc.Process(nil, tagged(`{"a": [1, 2]}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{1.0, 2.0}}, out)

	out, err = proc.Process(nil, tagged(" true ", 5), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{true, 5}, out)

	_, err = proc.Process(nil, tagged("{oops"), nil, nil)
	assert.Error(t, err)

	out, err = proc.Process(nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, nodeflow.Unchanged, out)
}

func TestMergeAndFlowBoundaries(t *testing.T) {
	merge, _ := Merge().New()
	out, err := merge.Process(nil, tagged("a", "b"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, tagged("a", "b"), out)

	_, ok := merge.(nodeflow.Negotiator)
	assert.True(t, ok, "merge negotiates its output schema")

	in, _ := FlowInput().New()
	out, err = in.Process(nil, nodeflow.Input{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, nodeflow.Unchanged, out)

	exit, _ := FlowOutput().New()
	out, err = exit.Process(nil, nodeflow.Input{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, nodeflow.Input{}, out)
}

func TestResolver(t *testing.T) {
	assert.ElementsMatch(t, []string{
		KindPrompt, KindLLM, KindGate, KindMerge, KindJSON,
		nodeflow.KindFlowInput, nodeflow.KindFlowOutput, nodeflow.KindSubflow,
	}, Kinds())

	ctx := context.Background()
	def, err := Resolver().Resolve(ctx, nodeflow.NodeSpec{Kind: KindGate})
	require.NoError(t, err)
	assert.Equal(t, KindGate, def.Kind)

	_, err = Resolver().Resolve(ctx, nodeflow.NodeSpec{Kind: "nope"})
	assert.ErrorIs(t, err, nodeflow.ErrUnknownKind)

	var seen nodeflow.NodeSpec
	plugins := nodeflow.ResolverFunc(func(_ context.Context, spec nodeflow.NodeSpec) (nodeflow.Definition, error) {
		seen = spec
		return nodeflow.Definition{Kind: spec.Kind}, nil
	})
	ref := &nodeflow.Ref{Key: KindGate, Version: 1}
	def, err = Resolver(plugins).Resolve(ctx, nodeflow.NodeSpec{Kind: KindGate, Ref: ref})
	require.NoError(t, err)
	assert.Equal(t, ref, seen.Ref, "pinned specs go to the next resolver")
	assert.Nil(t, def.New)
}
