package plugin

import (
	"sync"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
)

// ProcessFunc is the signature a plugin exports as Process.
type ProcessFunc func(input []interface{}, config, keys map[string]interface{}) (interface{}, error)

// Module is a compiled plugin version. It is shared by every node pinned
// to the same (key, version); calls into it are serialized.
type Module struct {
	version Version
	schemas nodeflow.Schemas

	mu      sync.Mutex
	process ProcessFunc
}

// NewModule wraps a process function as the module for v.
func NewModule(v Version, process ProcessFunc, schemas nodeflow.Schemas) *Module {
	v.Source = ""
	return &Module{version: v, process: process, schemas: schemas}
}

// Key returns the plugin key.
func (m *Module) Key() string { return m.version.Key }

// Version returns the plugin version.
func (m *Module) Version() int { return m.version.Version }

// Hash returns the sha256 of the compiled source.
func (m *Module) Hash() string { return m.version.Hash }

// Schemas returns the port schemas the plugin declared.
func (m *Module) Schemas() nodeflow.Schemas { return m.schemas }

// Call invokes the plugin's Process.
func (m *Module) Call(input []any, config, keys map[string]any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.process(input, config, keys)
}

// Definition returns a node definition pinned to this module.
func (m *Module) Definition() nodeflow.Definition {
	ref := m.version.Ref()
	return nodeflow.Definition{
		Kind:    m.version.Key,
		Ref:     &ref,
		Schemas: m.schemas,
		New: func() (nodeflow.Processor, error) {
			return &moduleProcessor{module: m}, nil
		},
	}
}

type moduleProcessor struct {
	module *Module
}

func (p *moduleProcessor) Process(ctx nodeflow.Context, in nodeflow.Input, config, keys map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.module.Call(in.Values(), config, keys)
}
