package nodeflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/stretchr/testify/require"
)

// call is one recorded Process invocation.
type call struct {
	in     Input
	config map[string]any
	keys   map[string]any
}

// recorder is a processor that records its calls.
// With gate set, the first call blocks until gate is closed.
type recorder struct {
	mu      sync.Mutex
	calls   []call
	fn      func(in Input, config, keys map[string]any) (any, error)
	gate    chan struct{}
	started chan struct{}
}

func (r *recorder) Process(_ Context, in Input, config, keys map[string]any) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{in: in, config: config, keys: keys})
	n := len(r.calls)
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if n == 1 && r.gate != nil {
		<-r.gate
	}
	if r.fn != nil {
		return r.fn(in, config, keys)
	}
	return map[string]any{"config": config, "inputs": in.Values()}, nil
}

func (r *recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) Last() call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return call{}
	}
	return r.calls[len(r.calls)-1]
}

// definition returns a kind backed by r. Use it for a single node.
func (r *recorder) definition(kind string) Definition {
	return Definition{
		Kind: kind,
		New:  func() (Processor, error) { return r, nil },
	}
}

// constDefinition outputs config.value, or nothing while it is unset.
func constDefinition(kind string, output *schema.Schema) Definition {
	return Definition{
		Kind: kind,
		Schemas: Schemas{
			Config: schema.MustParse(`{"type":"object","properties":{"value":{}}}`),
			Output: output,
		},
		New: func() (Processor, error) {
			return ProcessorFunc(func(_ Context, _ Input, config, _ map[string]any) (any, error) {
				v, ok := config["value"]
				if !ok || v == nil {
					return Unchanged, nil
				}
				return v, nil
			}), nil
		},
	}
}

type passProcessor struct {
	UnionNegotiator
	skipEmpty bool
}

func (p passProcessor) Process(_ Context, in Input, _, _ map[string]any) (any, error) {
	if p.skipEmpty && len(in) == 0 {
		return Unchanged, nil
	}
	return in, nil
}

// passDefinition forwards its input; downstream nodes see it spliced.
func passDefinition(kind string, skipEmpty bool) Definition {
	return Definition{
		Kind: kind,
		New:  func() (Processor, error) { return passProcessor{skipEmpty: skipEmpty}, nil },
	}
}

// suffixDefinition joins its string inputs and appends config.suffix.
func suffixDefinition() Definition {
	return Definition{
		Kind: "suffix",
		Schemas: Schemas{
			Config: schema.MustParse(`{"type":"object","properties":{"suffix":{"type":"string"}}}`),
		},
		New: func() (Processor, error) {
			return ProcessorFunc(func(_ Context, in Input, config, _ map[string]any) (any, error) {
				if len(in) == 0 {
					return Unchanged, nil
				}
				parts := make([]string, len(in))
				for i, v := range in.Values() {
					parts[i] = fmt.Sprint(v)
				}
				suffix, _ := config["suffix"].(string)
				return strings.Join(parts, "+") + suffix, nil
			}), nil
		},
	}
}

func resolverOf(defs ...Definition) Resolver {
	byKind := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byKind[d.Kind] = d
	}
	return ResolverFunc(func(_ context.Context, spec NodeSpec) (Definition, error) {
		d, ok := byKind[spec.Kind]
		if !ok {
			return Definition{}, fmt.Errorf("%w: %s", ErrUnknownKind, spec.Kind)
		}
		return d, nil
	})
}

// newTestGraph creates a graph with synchronous defaults and persistence.
func newTestGraph(t *testing.T, defs []Definition, opts ...Option) *Graph {
	t.Helper()
	base := []Option{
		WithDebounce(0),
		WithPersistDebounce(0),
		WithResolver(resolverOf(defs...)),
	}
	g := New(append(base, opts...)...)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func addNode(t *testing.T, g *Graph, id, kind string, config map[string]any) *Component {
	t.Helper()
	c, err := g.AddNode(context.Background(), NodeSpec{ID: id, Kind: kind, Config: config})
	require.NoError(t, err)
	return c
}

func connect(t *testing.T, g *Graph, source, target string) Edge {
	t.Helper()
	e, err := g.Connect(source, target)
	require.NoError(t, err)
	return e
}

func settle(t *testing.T, g *Graph) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

func inputValues(c *Component) []any {
	return c.Input().Values()
}
