package nodeflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gptConfigSchema = `{
	"type": "object",
	"properties": {
		"model": {"type": "string", "enum": ["gpt-4", "gpt-3.5-turbo"]},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2, "default": 0.7}
	},
	"required": ["model"]
}`

func TestComponent_AtMostOneConcurrentRun(t *testing.T) {
	rec := &recorder{gate: make(chan struct{}), started: make(chan struct{}, 16)}
	g := newTestGraph(t, []Definition{rec.definition("slow")})

	c := addNode(t, g, "n", "slow", nil)
	waitSignal(t, rec.started)
	assert.True(t, c.Processing())

	for i := 1; i <= 5; i++ {
		require.NoError(t, c.SetConfig(map[string]any{"value": i}))
	}
	assert.Equal(t, StateRunningPendingRerun, c.State())

	// Process while running returns at once with the current output.
	out, err := c.Process(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, out)

	close(rec.gate)
	settle(t, g)

	assert.Equal(t, 2, rec.Calls(), "exactly one follow-up run")
	assert.Equal(t, 5, rec.Last().config["value"], "follow-up uses the latest config")
	assert.Equal(t, int64(2), c.Runs())
	assert.False(t, c.Processing())
}

func TestComponent_CacheHitSkipsProcessor(t *testing.T) {
	rec := &recorder{}
	g := newTestGraph(t, []Definition{rec.definition("echo")})

	c := addNode(t, g, "n", "echo", map[string]any{"model": "gpt-4"})
	settle(t, g)
	require.Equal(t, 1, rec.Calls())
	first := c.Output()
	require.NotNil(t, first)

	out, err := c.Process(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first, out)
	assert.Equal(t, 1, rec.Calls(), "identical input and config served from cache")
	assert.Equal(t, 1, c.Cache().Len())

	_, err = c.Process(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Calls(), "force bypasses the cache")

	require.NoError(t, c.SetConfig(map[string]any{"model": "gpt-3.5-turbo"}))
	settle(t, g)
	assert.Equal(t, 3, rec.Calls())

	require.NoError(t, c.SetConfig(map[string]any{"model": "gpt-4"}))
	settle(t, g)
	assert.Equal(t, 3, rec.Calls(), "returning to a cached config reuses its output")
	assert.Equal(t, first, c.Output())
}

func TestComponent_KeysInCacheKey(t *testing.T) {
	t.Run("included by default", func(t *testing.T) {
		rec := &recorder{}
		g := newTestGraph(t, []Definition{rec.definition("echo")})
		c := addNode(t, g, "n", "echo", nil)
		settle(t, g)

		require.NoError(t, c.SetKeys(map[string]any{"api_key": "rotated"}))
		settle(t, g)
		assert.Equal(t, 2, rec.Calls())
		assert.Equal(t, "rotated", rec.Last().keys["api_key"])
	})

	t.Run("excluded", func(t *testing.T) {
		rec := &recorder{}
		g := newTestGraph(t, []Definition{rec.definition("echo")}, WithKeysInCacheKey(false))
		c := addNode(t, g, "n", "echo", nil)
		settle(t, g)

		require.NoError(t, c.SetKeys(map[string]any{"api_key": "rotated"}))
		settle(t, g)
		assert.Equal(t, 1, rec.Calls(), "cached output reused across a key change")
	})
}

func TestComponent_NoCache(t *testing.T) {
	rec := &recorder{}
	def := rec.definition("random")
	def.NoCache = true
	g := newTestGraph(t, []Definition{def})

	c := addNode(t, g, "n", "random", nil)
	settle(t, g)

	_, err := c.Process(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Calls())
	assert.Equal(t, 0, c.Cache().Len())
}

func TestComponent_CacheDisabled(t *testing.T) {
	rec := &recorder{}
	g := newTestGraph(t, []Definition{rec.definition("echo")}, WithCacheSize(0))

	c := addNode(t, g, "n", "echo", nil)
	settle(t, g)
	_, err := c.Process(context.Background(), false)
	require.NoError(t, err)

	assert.Nil(t, c.Cache())
	assert.Equal(t, 2, rec.Calls())
}

func TestComponent_ErrorKeepsPreviousOutput(t *testing.T) {
	var fail atomic.Bool
	boom := errors.New("boom")
	src := &recorder{fn: func(_ Input, config, _ map[string]any) (any, error) {
		if fail.Load() {
			return nil, boom
		}
		return config["value"], nil
	}}
	sink := &recorder{}
	g := newTestGraph(t, []Definition{src.definition("src"), sink.definition("sink")})

	c := addNode(t, g, "src", "src", map[string]any{"value": 1})
	addNode(t, g, "sink", "sink", nil)
	connect(t, g, "src", "sink")
	settle(t, g)
	require.Equal(t, 1, c.Output())
	sinkCalls := sink.Calls()

	fail.Store(true)
	require.NoError(t, c.SetConfig(map[string]any{"value": 2}))
	settle(t, g)

	var perr *ProcessingError
	require.ErrorAs(t, c.Error(), &perr)
	assert.Equal(t, "src", perr.NodeID)
	assert.ErrorIs(t, c.Error(), boom)
	assert.Equal(t, 1, c.Output(), "previous output retained")
	assert.Equal(t, sinkCalls, sink.Calls(), "nothing propagates downstream")

	fail.Store(false)
	require.NoError(t, c.SetConfig(map[string]any{"value": 3}))
	settle(t, g)
	assert.NoError(t, c.Error(), "success clears the error")
	assert.Equal(t, 3, c.Output())
}

func TestComponent_PanicBecomesProcessingError(t *testing.T) {
	rec := &recorder{fn: func(Input, map[string]any, map[string]any) (any, error) {
		panic("kaboom")
	}}
	g := newTestGraph(t, []Definition{rec.definition("bad")})

	c := addNode(t, g, "n", "bad", nil)
	settle(t, g)

	var pe *PanicError
	require.ErrorAs(t, c.Error(), &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.Equal(t, "n", pe.NodeID)
	assert.NotEmpty(t, pe.Stack)

	_, err := c.Process(context.Background(), true)
	assert.ErrorAs(t, err, &pe, "Process surfaces the processing error")
}

func TestComponent_UnchangedLeavesOutput(t *testing.T) {
	var calls atomic.Int32
	rec := &recorder{fn: func(Input, map[string]any, map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			return "first", nil
		}
		return Unchanged, nil
	}}
	g := newTestGraph(t, []Definition{rec.definition("once")})

	c := addNode(t, g, "n", "once", nil)
	settle(t, g)
	published := c.Port(PortOutput).Published()

	require.NoError(t, c.SetConfig(map[string]any{"x": 1}))
	settle(t, g)

	assert.Equal(t, "first", c.Output())
	assert.Equal(t, published, c.Port(PortOutput).Published())
}

func TestComponent_ConfigValidation(t *testing.T) {
	rec := &recorder{}
	def := rec.definition("gpt")
	def.Schemas.Config = schema.MustParse(gptConfigSchema)
	g := newTestGraph(t, []Definition{def})

	c := addNode(t, g, "n", "gpt", map[string]any{"model": "gpt-4"})
	settle(t, g)
	assert.Equal(t, map[string]any{"model": "gpt-4", "temperature": 0.7}, c.Config())

	err := c.SetConfig(map[string]any{"model": "gpt-4", "temperature": 9})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "/temperature", verr.Path)
	assert.Equal(t, 0.7, c.Config()["temperature"], "invalid config not published")

	require.NoError(t, c.UpdateConfig(map[string]any{"temperature": 0.3}))
	assert.Equal(t, map[string]any{"model": "gpt-4", "temperature": 0.3}, c.Config())
}

func TestComponent_InitialConfigFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, store.PutJSON(st, store.CollectionPorts, "n.config", map[string]any{"temperature": 0.3}))
	require.NoError(t, store.PutJSON(st, store.CollectionPorts, "n.output", "persisted output"))
	require.NoError(t, store.PutJSON(st, store.CollectionKeys, "n.keys", map[string]any{"api_key": "k"}))

	rec := &recorder{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	def := rec.definition("gpt")
	def.Schemas.Config = schema.MustParse(gptConfigSchema)
	g := newTestGraph(t, []Definition{def}, WithStore(st))

	c := addNode(t, g, "n", "gpt", map[string]any{"model": "gpt-3.5-turbo", "temperature": 1.0})
	waitSignal(t, rec.started)

	// Schema default, then spec config, then persisted config.
	assert.Equal(t, map[string]any{"model": "gpt-3.5-turbo", "temperature": 0.3}, c.Config())
	assert.Equal(t, map[string]any{"api_key": "k"}, c.Keys())
	assert.Equal(t, "persisted output", c.Output())
	close(rec.gate)
}

func TestComponent_InvalidPersistedConfigFallsBack(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, store.PutJSON(st, store.CollectionPorts, "n.config", map[string]any{"model": "llama"}))

	rec := &recorder{}
	def := rec.definition("gpt")
	def.Schemas.Config = schema.MustParse(`{"type":"object","properties":{"model":{"type":"string","enum":["gpt-4"]}}}`)
	g := newTestGraph(t, []Definition{def}, WithStore(st))

	c := addNode(t, g, "n", "gpt", nil)
	settle(t, g)
	assert.Equal(t, map[string]any{"model": "gpt-4"}, c.Config())
}

func TestComponent_PersistsConfigKeysAndOutput(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recorder{fn: func(_ Input, config, _ map[string]any) (any, error) {
		return config["value"], nil
	}}
	g := newTestGraph(t, []Definition{rec.definition("echo")}, WithStore(st))

	c := addNode(t, g, "n", "echo", nil)
	require.NoError(t, c.SetConfig(map[string]any{"value": "saved"}))
	require.NoError(t, c.SetKeys(map[string]any{"api_key": "secret"}))
	settle(t, g)

	var cfg map[string]any
	require.NoError(t, store.GetJSON(st, store.CollectionPorts, "n.config", &cfg))
	assert.Equal(t, "saved", cfg["value"])

	var out string
	require.NoError(t, store.GetJSON(st, store.CollectionPorts, "n.output", &out))
	assert.Equal(t, "saved", out)

	var keys map[string]any
	require.NoError(t, store.GetJSON(st, store.CollectionKeys, "n.keys", &keys))
	assert.Equal(t, "secret", keys["api_key"])
	_, err := st.Get(store.CollectionPorts, "n.keys")
	assert.ErrorIs(t, err, store.ErrNotFound, "keys are stored apart from config")
}

func TestComponent_ClosedRejectsCalls(t *testing.T) {
	rec := &recorder{}
	g := newTestGraph(t, []Definition{rec.definition("echo")})
	c := addNode(t, g, "n", "echo", nil)
	settle(t, g)

	require.NoError(t, g.RemoveNode("n"))

	_, err := c.Process(context.Background(), true)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.SetConfig(map[string]any{}), ErrClosed)
	assert.Equal(t, StateClosed, c.State())
}

func TestComponent_BinderEmits(t *testing.T) {
	var host Host
	def := Definition{
		Kind: "async",
		New: func() (Processor, error) {
			return &binderProcessor{bind: func(h Host) { host = h }}, nil
		},
	}
	g := newTestGraph(t, []Definition{def})
	c := addNode(t, g, "n", "async", nil)
	settle(t, g)

	require.NotNil(t, host)
	assert.Equal(t, "n", host.NodeID())
	host.Emit("pushed")
	assert.Equal(t, "pushed", c.Output())
}

type binderProcessor struct {
	bind func(Host)
}

func (b *binderProcessor) Bind(h Host) { b.bind(h) }

func (b *binderProcessor) Process(Context, Input, map[string]any, map[string]any) (any, error) {
	return Unchanged, nil
}

// hostProcessor is a Binder whose runs can emit through the host.
type hostProcessor struct {
	host Host
	fn   func(h Host, config map[string]any) (any, error)
}

func (p *hostProcessor) Bind(h Host) { p.host = h }

func (p *hostProcessor) Process(_ Context, _ Input, config, _ map[string]any) (any, error) {
	return p.fn(p.host, config)
}

func hostDefinition(kind string, output *schema.Schema, p *hostProcessor) Definition {
	return Definition{
		Kind:    kind,
		Schemas: Schemas{Output: output},
		New:     func() (Processor, error) { return p, nil },
	}
}

func TestComponent_FailedRunRevertsEmittedOutput(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	proc := &hostProcessor{fn: func(h Host, config map[string]any) (any, error) {
		calls.Add(1)
		v := config["value"]
		if v == "bad" {
			h.Emit("partial-from-failed-run")
			return nil, boom
		}
		return "good:" + v.(string), nil
	}}
	g := newTestGraph(t, []Definition{hostDefinition("stream", nil, proc)})

	c := addNode(t, g, "n", "stream", map[string]any{"value": "a"})
	settle(t, g)
	require.Equal(t, "good:a", c.Output())

	require.NoError(t, c.SetConfig(map[string]any{"value": "bad"}))
	settle(t, g)
	assert.ErrorIs(t, c.Error(), boom)
	assert.Equal(t, "good:a", c.Output(), "partial output from the failed run is withdrawn")

	require.NoError(t, c.SetConfig(map[string]any{"value": "a"}))
	settle(t, g)
	assert.NoError(t, c.Error())
	assert.Equal(t, "good:a", c.Output())
	assert.Equal(t, int32(2), calls.Load(), "served from cache")
}

func TestComponent_EmitInvalidatesCachedKey(t *testing.T) {
	var calls atomic.Int32
	proc := &hostProcessor{fn: func(_ Host, config map[string]any) (any, error) {
		calls.Add(1)
		return "good:" + config["value"].(string), nil
	}}
	g := newTestGraph(t, []Definition{hostDefinition("stream", nil, proc)})

	c := addNode(t, g, "n", "stream", map[string]any{"value": "a"})
	settle(t, g)
	require.Equal(t, "good:a", c.Output())

	proc.host.Emit("pushed")
	require.Equal(t, "pushed", c.Output())

	_, err := c.Process(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "good:a", c.Output(), "cache hit republishes over an emitted value")
	assert.Equal(t, int32(1), calls.Load())
}

func TestComponent_OutputSchemaValidation(t *testing.T) {
	output := schema.MustParse(`{"type":"object","required":["threads"]}`)
	proc := &hostProcessor{fn: func(_ Host, config map[string]any) (any, error) {
		if config["value"] == "bad" {
			return map[string]any{"content": "x", "partial": true}, nil
		}
		return map[string]any{"threads": []any{}}, nil
	}}
	sink := &recorder{}
	g := newTestGraph(t, []Definition{hostDefinition("typed", output, proc), sink.definition("sink")})

	c := addNode(t, g, "n", "typed", map[string]any{"value": "ok"})
	addNode(t, g, "sink", "sink", nil)
	connect(t, g, "n", "sink")
	settle(t, g)
	want := map[string]any{"threads": []any{}}
	require.Equal(t, want, c.Output())
	sinkCalls := sink.Calls()

	require.NoError(t, c.SetConfig(map[string]any{"value": "bad"}))
	settle(t, g)

	var perr *ProcessingError
	require.ErrorAs(t, c.Error(), &perr)
	assert.Equal(t, "n", perr.NodeID)
	var verr *schema.ValidationError
	assert.ErrorAs(t, c.Error(), &verr)
	assert.Equal(t, want, c.Output(), "previous output retained")
	assert.Equal(t, sinkCalls, sink.Calls(), "invalid output does not propagate")

	proc.host.Emit(map[string]any{"content": "y"})
	assert.Equal(t, want, c.Output(), "invalid emit dropped")
}
