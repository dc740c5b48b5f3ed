/*
Package nodeflow provides a reactive dataflow engine for node graphs.

# Overview

A graph holds components. Each component wraps a Processor and owns four
ports: input, config, keys and output. Connecting a source to a target
pipes the source's output into the target's input; whenever an input,
config or keys value changes, the component processes again and
publishes a new output, which cascades downstream.

	g := nodeflow.New(
	    nodeflow.WithResolver(resolver),
	    nodeflow.WithStore(store.NewMemoryStore()),
	)
	defer g.Close()

	g.AddNode(ctx, nodeflow.NodeSpec{ID: "prompt", Kind: "prompt",
	    Config: map[string]any{"template": "Summarize: ${input}"}})
	g.AddNode(ctx, nodeflow.NodeSpec{ID: "gpt", Kind: "llm"})
	g.Connect("prompt", "gpt")

# Ports

Ports replay their latest value to new subscribers. A port with a
persisted value publishes it immediately; otherwise its schema default is
published after a short debounce, unless a real value arrives first, so
consumers do not see a default flicker on cold start.

# Processing

Components never run their processor concurrently. Changes that arrive
while a run is in flight collapse into exactly one follow-up run over the
latest values (see Supervisor). Outputs are memoized in a bounded
per-component LRU keyed by a hash of input, config and a keys fingerprint.

A failing or panicking processor stores a *ProcessingError on its
component and keeps the previous output. Nothing propagates downstream.

# Input

A target's Input lists the latest output of every connected source in
connection order, each tagged with its source id and schema. Outputs that
are themselves an Input are spliced in, so pass-through nodes flatten.

# Subflows

The subflow kind runs a saved Workspace as a private shadow graph. See
SubflowDefinition.

# Observability

Logging uses log/slog; metrics and spans use OpenTelemetry via the
observability package. Both are disabled unless configured with
WithMetrics and WithTracing.
*/
package nodeflow
