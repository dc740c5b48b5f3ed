package nodeflow

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/observability"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/stream"
)

var subflowConfigSchema = schema.MustParse(`{
	"type": "object",
	"properties": {
		"workspace": {"type": "string", "default": ""}
	}
}`)

// SubflowDefinition returns the definition of the subflow kind.
//
// A subflow instantiates the saved workspace named by its "workspace"
// config as a private shadow graph. Shadow node ids are
// "<subflowID>/<originalID>"; their config and output are seeded from the
// originals' persisted values and never written back. The subflow's
// input is fed to the shadow's flow.input node, and the flow.output
// node's output becomes the subflow's output.
//
// Changing the workspace tears the previous shadow graph down completely
// before the new one is built.
func SubflowDefinition() Definition {
	return Definition{
		Kind:    KindSubflow,
		Schemas: Schemas{Config: subflowConfigSchema},
		NoCache: true,
		New: func() (Processor, error) {
			return &subflow{}, nil
		},
	}
}

type subflow struct {
	host Host

	mu        sync.Mutex
	workspace string
	shadow    *Graph
	in        *Component
	outSub    stream.Subscription

	// gen advances on every teardown; forwarders from older shadows drop
	// their values.
	gen atomic.Uint64
}

func (s *subflow) Bind(h Host) {
	s.host = h
}

func (s *subflow) Process(ctx Context, in Input, config, _ map[string]any) (any, error) {
	wsID, _ := config["workspace"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()

	if wsID != s.workspace || (s.shadow == nil && wsID != "") {
		prev := s.workspace
		if err := s.teardownLocked(); err != nil {
			ctx.Logger().Warn("subflow teardown failed", slog.String("error", err.Error()))
		}
		if wsID != "" {
			if err := s.buildLocked(ctx, wsID); err != nil {
				return nil, err
			}
		}
		shadowNodes := 0
		if s.shadow != nil {
			shadowNodes = len(s.shadow.Nodes())
		}
		observability.LogSubflowRebuild(ctx.Logger(), s.host.NodeID(), prev, wsID, shadowNodes)
	}

	if s.in != nil {
		s.in.input.Write(in)
	}
	return Unchanged, nil
}

func (s *subflow) buildLocked(ctx Context, wsID string) error {
	ws, err := LoadWorkspace(ctx.Store(), wsID)
	if err != nil {
		return err
	}
	shadow, err := s.host.Subgraph(s.host.NodeID())
	if err != nil {
		return err
	}
	if err := shadow.load(ctx, ws, s.host.NodeID()); err != nil {
		_ = shadow.Close()
		return err
	}

	var in, out *Component
	for _, c := range shadow.Nodes() {
		switch c.Kind() {
		case KindFlowInput:
			if in == nil {
				in = c
			}
		case KindFlowOutput:
			if out == nil {
				out = c
			}
		}
	}
	if out != nil {
		s.outSub = out.output.Subscribe(s.forwarder())
	}

	s.workspace = wsID
	s.shadow = shadow
	s.in = in
	return nil
}

// forwarder returns the callback relaying the current shadow's output to
// the subflow's output.
func (s *subflow) forwarder() func(any) {
	gen := s.gen.Load()
	host := s.host
	return func(v any) {
		if s.gen.Load() != gen {
			return
		}
		host.Emit(v)
	}
}

// teardownLocked unbinds the output, then closes every shadow component
// and pipe. No shadow value reaches the subflow's output afterwards.
func (s *subflow) teardownLocked() error {
	s.gen.Add(1)
	if s.outSub != nil {
		s.outSub.Unsubscribe()
		s.outSub = nil
	}
	var err error
	if s.shadow != nil {
		err = s.shadow.Close()
	}
	s.workspace = ""
	s.shadow = nil
	s.in = nil
	return err
}

// Close releases the shadow graph.
func (s *subflow) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked()
}

// Shadow returns the current shadow graph, or nil.
func (s *subflow) Shadow() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shadow
}
