package nodeflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/llm"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/observability"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
)

// Context is passed to processors.
// It extends context.Context with nodeflow-specific services and metadata.
//
// The component creates a derived Context for every run, with its node id
// set and an enriched logger.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with graph and node ids.
	// Never returns nil.
	Logger() *slog.Logger

	// LLM returns the model client, or nil if not configured.
	LLM() llm.Client

	// Store returns the graph's store, or nil if not configured.
	Store() store.Store

	// GraphID returns the owning graph's id.
	GraphID() string

	// NodeID returns the component being processed.
	NodeID() string
}

type processContext struct {
	context.Context

	logger    *slog.Logger
	llmClient llm.Client
	store     store.Store
	graphID   string
	nodeID    string
}

func (c *processContext) Logger() *slog.Logger { return c.logger }
func (c *processContext) LLM() llm.Client      { return c.llmClient }
func (c *processContext) Store() store.Store   { return c.store }
func (c *processContext) GraphID() string      { return c.graphID }
func (c *processContext) NodeID() string       { return c.nodeID }

// ContextOption configures a Context.
type ContextOption func(*processContext)

// WithContextLogger sets the logger.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *processContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithContextLLM sets the model client.
func WithContextLLM(client llm.Client) ContextOption {
	return func(c *processContext) {
		c.llmClient = client
	}
}

// WithContextStore sets the store.
func WithContextStore(s store.Store) ContextOption {
	return func(c *processContext) {
		c.store = s
	}
}

// WithContextGraphID sets the graph id. A UUID is generated if not set.
func WithContextGraphID(id string) ContextOption {
	return func(c *processContext) {
		c.graphID = id
	}
}

// WithContextNodeID sets the node id and enriches the logger with it.
func WithContextNodeID(id string) ContextOption {
	return func(c *processContext) {
		c.nodeID = id
	}
}

// NewContext creates a processor context from a standard context.
// Useful for calling a Processor directly in tests.
//
// Example:
//
//	ctx := nodeflow.NewContext(context.Background(),
//	    nodeflow.WithContextLLM(llm.NewMockClient("hi")))
//	out, err := proc.Process(ctx, nil, cfg, nil)
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	pc := &processContext{
		Context: ctx,
		logger:  slog.Default(),
		graphID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(pc)
	}
	if pc.nodeID != "" {
		pc.logger = observability.EnrichLogger(pc.logger, pc.graphID, pc.nodeID)
	}
	return pc
}
