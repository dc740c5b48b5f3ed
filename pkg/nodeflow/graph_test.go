package nodeflow

import (
	"context"
	"errors"
	"testing"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wiringDefs(sink *recorder) []Definition {
	return []Definition{
		constDefinition("const", nil),
		passDefinition("pass", false),
		sink.definition("sink"),
	}
}

func TestGraph_PropagationFlattening(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))

	a := addNode(t, g, "a", "const", map[string]any{"value": "A1"})
	addNode(t, g, "b", "const", map[string]any{"value": "B1"})
	target := addNode(t, g, "t", "sink", nil)

	assert.Equal(t, 0, a.Port(PortOutput).Len())
	edgeA := connect(t, g, "a", "t")
	connect(t, g, "b", "t")
	assert.Equal(t, 1, a.Port(PortOutput).Len())

	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]any{"A1", "B1"}, inputValues(target))
	}, "target sees both sources")
	in := target.Input()
	assert.Equal(t, "a", in[0].SourceID)
	assert.Equal(t, "b", in[1].SourceID)
	assert.Equal(t, "output", in[0].Port)

	require.NoError(t, g.Disconnect(edgeA.ID))
	assert.Equal(t, []any{"B1"}, inputValues(target), "only B remains")
	assert.Equal(t, 0, a.Port(PortOutput).Len(), "no leaked subscription")

	// Emissions from A no longer reach T.
	require.NoError(t, a.SetConfig(map[string]any{"value": "A2"}))
	settle(t, g)
	assert.Equal(t, "A2", a.Output())
	assert.Equal(t, []any{"B1"}, inputValues(target))
	assert.Equal(t, []any{"B1"}, sink.Last().in.Values())
}

func TestGraph_InputFollowsEdgeOrder(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))

	addNode(t, g, "a", "const", map[string]any{"value": "A"})
	addNode(t, g, "b", "const", map[string]any{"value": "B"})
	target := addNode(t, g, "t", "sink", nil)

	connect(t, g, "b", "t")
	connect(t, g, "a", "t")

	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]any{"B", "A"}, inputValues(target))
	}, "connection order, not node order")
	assert.Equal(t, []string{"b", "a"}, g.Upstream("t"))
}

func TestGraph_ReFiresPerUpstreamEmission(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))

	a := addNode(t, g, "a", "const", map[string]any{"value": 1})
	addNode(t, g, "t", "sink", nil)
	connect(t, g, "a", "t")
	settle(t, g)
	before := sink.Calls()

	for i := 2; i <= 4; i++ {
		require.NoError(t, a.SetConfig(map[string]any{"value": i}))
		settle(t, g)
	}
	assert.Equal(t, before+3, sink.Calls())
	assert.Equal(t, []any{4}, sink.Last().in.Values())
}

func TestGraph_SplicesPassThroughInput(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))

	addNode(t, g, "a", "const", map[string]any{"value": "A"})
	addNode(t, g, "b", "const", map[string]any{"value": "B"})
	addNode(t, g, "p", "pass", nil)
	target := addNode(t, g, "t", "sink", nil)
	connect(t, g, "a", "p")
	connect(t, g, "b", "p")
	connect(t, g, "p", "t")

	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]any{"A", "B"}, inputValues(target))
	}, "pass-through output is flattened")
	in := target.Input()
	assert.Equal(t, "a", in[0].SourceID, "original source ids survive splicing")
	assert.Equal(t, "b", in[1].SourceID)
}

func TestGraph_EmptyInputAfterLastDisconnect(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))

	addNode(t, g, "a", "const", map[string]any{"value": "A"})
	target := addNode(t, g, "t", "sink", nil)
	e := connect(t, g, "a", "t")
	eventually(t, func() bool { return len(target.Input()) == 1 }, "connected")

	require.NoError(t, g.Disconnect(e.ID))
	assert.Empty(t, target.Input())
	assert.Empty(t, g.Edges())
}

func TestGraph_AddNodeErrors(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))
	ctx := context.Background()

	_, err := g.AddNode(ctx, NodeSpec{Kind: "const"})
	assert.ErrorIs(t, err, ErrEmptyNodeID)

	addNode(t, g, "a", "const", nil)
	_, err = g.AddNode(ctx, NodeSpec{ID: "a", Kind: "const"})
	assert.ErrorIs(t, err, ErrDuplicateNode)

	_, err = g.AddNode(ctx, NodeSpec{ID: "x", Kind: "nope"})
	assert.ErrorIs(t, err, ErrUnknownKind)
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "x", rerr.NodeID)

	failing := Definition{Kind: "broken", New: func() (Processor, error) { return nil, errors.New("no") }}
	g2 := newTestGraph(t, []Definition{failing})
	_, err = g2.AddNode(ctx, NodeSpec{ID: "b", Kind: "broken"})
	assert.ErrorAs(t, err, &rerr)

	g3 := New()
	_, err = g3.AddNode(ctx, NodeSpec{ID: "c", Kind: "const"})
	assert.ErrorIs(t, err, ErrUnknownKind, "no resolver configured")
}

func TestGraph_ConnectErrors(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))
	addNode(t, g, "a", "const", nil)
	addNode(t, g, "t", "sink", nil)

	_, err := g.Connect("a", "missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = g.Connect("missing", "t")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = g.Connect("a", "a")
	assert.ErrorIs(t, err, ErrSelfLoop)
	_, err = g.ConnectPorts(Edge{Source: "a", SourcePort: "config", Target: "t"})
	assert.ErrorIs(t, err, ErrInvalidPort)

	first := connect(t, g, "a", "t")
	_, err = g.Connect("a", "t")
	assert.ErrorIs(t, err, ErrDuplicateEdge)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int64(1), first.Index)

	assert.ErrorIs(t, g.Disconnect("missing"), ErrEdgeNotFound)
	assert.ErrorIs(t, g.DisconnectNodes("t", "a"), ErrEdgeNotFound)
	require.NoError(t, g.DisconnectNodes("a", "t"))
	assert.Empty(t, g.Downstream("a"))
}

func TestGraph_RemoveNode(t *testing.T) {
	sink := &recorder{}
	g := newTestGraph(t, wiringDefs(sink))

	a := addNode(t, g, "a", "const", map[string]any{"value": "A"})
	addNode(t, g, "b", "const", map[string]any{"value": "B"})
	target := addNode(t, g, "t", "sink", nil)
	connect(t, g, "a", "t")
	connect(t, g, "b", "t")
	eventually(t, func() bool { return len(target.Input()) == 2 }, "connected")

	require.NoError(t, g.RemoveNode("a"))

	_, ok := g.Node("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, g.Upstream("t"))
	assert.Equal(t, []any{"B"}, inputValues(target))
	assert.Equal(t, 0, a.Port(PortOutput).Len())
	assert.ErrorIs(t, g.RemoveNode("a"), ErrNodeNotFound)
	assert.Len(t, g.Nodes(), 2)
}

func TestGraph_Close(t *testing.T) {
	sink := &recorder{}
	g := New(WithDebounce(0), WithResolver(resolverOf(wiringDefs(sink)...)))

	a := addNode(t, g, "a", "const", map[string]any{"value": "A"})
	addNode(t, g, "t", "sink", nil)
	connect(t, g, "a", "t")

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.True(t, g.Closed())
	assert.Equal(t, StateClosed, a.State())
	assert.Empty(t, g.Nodes())

	_, err := g.AddNode(context.Background(), NodeSpec{ID: "x", Kind: "const"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = g.Connect("a", "t")
	assert.ErrorIs(t, err, ErrClosed)
}

type closingProcessor struct {
	passProcessor
	err error
}

func (c closingProcessor) Close() error { return c.err }

func TestGraph_CloseAggregatesErrors(t *testing.T) {
	def := func(kind string, err error) Definition {
		return Definition{Kind: kind, New: func() (Processor, error) { return closingProcessor{err: err}, nil }}
	}
	errA, errB := errors.New("a failed"), errors.New("b failed")
	g := New(WithDebounce(0), WithResolver(resolverOf(def("ka", errA), def("kb", errB))))
	addNode(t, g, "a", "ka", nil)
	addNode(t, g, "b", "kb", nil)

	err := g.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestGraph_Negotiation(t *testing.T) {
	str := schema.MustParse(`{"type":"string"}`)
	num := schema.MustParse(`{"type":"number"}`)
	g := newTestGraph(t, []Definition{
		constDefinition("str", str),
		constDefinition("num", num),
		passDefinition("merge", false),
	})

	addNode(t, g, "s", "str", nil)
	addNode(t, g, "n", "num", nil)
	m := addNode(t, g, "m", "merge", nil)
	m2 := addNode(t, g, "m2", "merge", nil)
	connect(t, g, "m", "m2")

	es := connect(t, g, "s", "m")
	assert.True(t, str.Equal(m.Port(PortOutput).Schema()))
	assert.True(t, str.Equal(m2.Port(PortOutput).Schema()), "negotiation cascades downstream")

	connect(t, g, "n", "m")
	union := m.Port(PortOutput).Schema()
	assert.NoError(t, union.Validate("x"))
	assert.NoError(t, union.Validate(1.5))
	assert.Error(t, union.Validate(true))
	assert.True(t, union.Equal(m2.Port(PortOutput).Schema()))

	require.NoError(t, g.Disconnect(es.ID))
	assert.True(t, num.Equal(m.Port(PortOutput).Schema()))
}

func TestGraph_TaggedSchema(t *testing.T) {
	sink := &recorder{}
	str := schema.MustParse(`{"type":"string"}`)
	g := newTestGraph(t, []Definition{constDefinition("str", str), sink.definition("sink")})

	addNode(t, g, "s", "str", map[string]any{"value": "hello"})
	target := addNode(t, g, "t", "sink", nil)
	connect(t, g, "s", "t")

	eventually(t, func() bool {
		in := target.Input()
		return len(in) == 1 && in[0].Value == "hello"
	}, "value arrives")
	assert.True(t, str.Equal(target.Input()[0].Schema))
}

func TestAsInput(t *testing.T) {
	in, ok := AsInput(Input{{SourceID: "a", Value: 1}})
	require.True(t, ok)
	assert.Len(t, in, 1)

	decoded := []any{
		map[string]any{"source_id": "a", "port": "output", "value": "x", "schema": map[string]any{"type": "string"}},
	}
	in, ok = AsInput(decoded)
	require.True(t, ok)
	assert.Equal(t, "a", in[0].SourceID)
	assert.Equal(t, "x", in[0].Value)
	assert.Equal(t, "string", in[0].Schema.Type())

	_, ok = AsInput([]any{"not tagged"})
	assert.False(t, ok)
	_, ok = AsInput("nope")
	assert.False(t, ok)
}

func TestChainResolvers(t *testing.T) {
	first := resolverOf(constDefinition("a", nil))
	second := resolverOf(constDefinition("b", nil))
	boom := errors.New("boom")
	failing := ResolverFunc(func(context.Context, NodeSpec) (Definition, error) { return Definition{}, boom })

	r := ChainResolvers(first, nil, second)
	def, err := r.Resolve(context.Background(), NodeSpec{Kind: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", def.Kind)

	_, err = r.Resolve(context.Background(), NodeSpec{Kind: "c"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = ChainResolvers(failing, second).Resolve(context.Background(), NodeSpec{Kind: "b"})
	assert.ErrorIs(t, err, boom, "non-lookup errors stop the chain")
}
