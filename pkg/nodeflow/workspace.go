package nodeflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
	"gopkg.in/yaml.v3"
)

// Workspace is a saved graph: its nodes and edges.
type Workspace struct {
	ID    string     `json:"id" yaml:"id"`
	Name  string     `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges []Edge     `json:"edges" yaml:"edges"`
}

// ParseWorkspace decodes a workspace written as YAML or JSON.
func ParseWorkspace(data []byte) (Workspace, error) {
	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return Workspace{}, fmt.Errorf("parse workspace: %w", err)
	}
	if ws.ID == "" {
		return Workspace{}, fmt.Errorf("parse workspace: id is required")
	}
	return ws, nil
}

// SaveWorkspace stores ws under its ID.
func SaveWorkspace(s store.Store, ws Workspace) error {
	if s == nil {
		return ErrNoStore
	}
	return store.PutJSON(s, store.CollectionWorkspaces, ws.ID, ws)
}

// LoadWorkspace reads a saved workspace.
// Returns an error wrapping store.ErrNotFound if it doesn't exist.
func LoadWorkspace(s store.Store, id string) (Workspace, error) {
	if s == nil {
		return Workspace{}, ErrNoStore
	}
	var ws Workspace
	if err := store.GetJSON(s, store.CollectionWorkspaces, id, &ws); err != nil {
		return Workspace{}, fmt.Errorf("load workspace %s: %w", id, err)
	}
	return ws, nil
}

// ListWorkspaces returns every saved workspace ordered by ID.
func ListWorkspaces(s store.Store) ([]Workspace, error) {
	if s == nil {
		return nil, ErrNoStore
	}
	docs, err := s.List(store.CollectionWorkspaces)
	if err != nil {
		return nil, err
	}
	out := make([]Workspace, 0, len(docs))
	for _, doc := range docs {
		var ws Workspace
		if err := json.Unmarshal(doc.Data, &ws); err != nil {
			return nil, fmt.Errorf("decode workspace %s: %w", doc.ID, err)
		}
		out = append(out, ws)
	}
	return out, nil
}

// Snapshot captures the graph's nodes, with their current config, and edges.
func (g *Graph) Snapshot(id, name string) Workspace {
	ws := Workspace{ID: id, Name: name}
	for _, c := range g.Nodes() {
		spec := NodeSpec{ID: c.id, Kind: c.def.Kind}
		if c.def.Ref != nil {
			ref := *c.def.Ref
			spec.Ref = &ref
		}
		if cfg := c.Config(); len(cfg) > 0 {
			spec.Config = schema.Clone(cfg).(map[string]any)
		}
		ws.Nodes = append(ws.Nodes, spec)
	}
	ws.Edges = g.Edges()
	return ws
}

// Save snapshots the graph and stores it as a workspace.
func (g *Graph) Save(id, name string) error {
	return SaveWorkspace(g.cfg.store, g.Snapshot(id, name))
}

// Load adds a workspace's nodes and edges to the graph. Edges are
// connected in their saved order, so input ordering is preserved.
func (g *Graph) Load(ctx context.Context, ws Workspace) error {
	return g.load(ctx, ws, "")
}

// load instantiates ws. With a prefix, node ids become "<prefix>/<id>"
// and persisted values are read under the original ids.
func (g *Graph) load(ctx context.Context, ws Workspace, prefix string) error {
	mapID := func(id string) string {
		if prefix == "" {
			return id
		}
		return prefix + "/" + id
	}

	for _, spec := range ws.Nodes {
		shadow := spec
		shadow.ID = mapID(spec.ID)
		if spec.Config != nil {
			shadow.Config = schema.Clone(spec.Config).(map[string]any)
		}
		if _, err := g.addNode(ctx, shadow, spec.ID); err != nil {
			return fmt.Errorf("load workspace %s: %w", ws.ID, err)
		}
	}

	edges := append([]Edge(nil), ws.Edges...)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Index < edges[j].Index })
	for _, e := range edges {
		mapped := Edge{
			Source:     mapID(e.Source),
			SourcePort: e.SourcePort,
			Target:     mapID(e.Target),
			TargetPort: e.TargetPort,
		}
		if prefix == "" {
			mapped.ID = e.ID
		}
		if _, err := g.ConnectPorts(mapped); err != nil {
			return fmt.Errorf("load workspace %s: %w", ws.ID, err)
		}
	}
	return nil
}
