package schema

import (
	"sort"

	"github.com/mitchellh/copystructure"
)

// Default produces a value that satisfies the descriptor.
//
// Resolution order: "default", "const", first "enum" entry, first
// "anyOf"/"oneOf" branch, then the zero value for "type". Objects include
// every property that has a derivable default. A descriptor without any
// of these keywords yields nil.
func (s *Schema) Default() any {
	if s == nil {
		return nil
	}
	return defaultFor(s.raw)
}

func defaultFor(raw map[string]any) any {
	if raw == nil {
		return nil
	}
	if v, ok := raw["default"]; ok {
		return deepCopy(v)
	}
	if v, ok := raw["const"]; ok {
		return deepCopy(v)
	}
	if enum, ok := raw["enum"].([]any); ok && len(enum) > 0 {
		return deepCopy(enum[0])
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		if branches, ok := raw[key].([]any); ok && len(branches) > 0 {
			if first, ok := branches[0].(map[string]any); ok {
				return defaultFor(first)
			}
		}
	}

	switch primaryType(raw) {
	case "object":
		out := map[string]any{}
		props, _ := raw["properties"].(map[string]any)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sub, ok := props[name].(map[string]any)
			if !ok {
				continue
			}
			if v := defaultFor(sub); v != nil {
				out[name] = v
			}
		}
		return out
	case "array":
		return []any{}
	case "string":
		return ""
	case "number":
		return float64(0)
	case "integer":
		return 0
	case "boolean":
		return false
	}
	return nil
}

// MergeDefaults overlays value onto defaults. Objects are merged key by
// key recursively; any other value in value replaces the default. Neither
// input is modified.
func MergeDefaults(defaults, value any) any {
	if value == nil {
		return deepCopy(defaults)
	}
	dm, dok := defaults.(map[string]any)
	vm, vok := value.(map[string]any)
	if !dok || !vok {
		return deepCopy(value)
	}

	out := make(map[string]any, len(dm)+len(vm))
	for k, v := range dm {
		out[k] = deepCopy(v)
	}
	for k, v := range vm {
		out[k] = MergeDefaults(dm[k], v)
	}
	return out
}

// Union returns a schema accepting any value accepted by one of the
// inputs. Nil inputs and duplicates are skipped; a single distinct input
// is returned as is, and no inputs yields Any().
func Union(schemas ...*Schema) *Schema {
	var distinct []*Schema
	for _, s := range schemas {
		if s == nil || len(s.raw) == 0 {
			continue
		}
		dup := false
		for _, d := range distinct {
			if d.Equal(s) {
				dup = true
				break
			}
		}
		if !dup {
			distinct = append(distinct, s)
		}
	}

	switch len(distinct) {
	case 0:
		return Any()
	case 1:
		return distinct[0]
	}
	branches := make([]any, len(distinct))
	for i, s := range distinct {
		branches[i] = s.raw
	}
	return New(map[string]any{"anyOf": branches})
}

func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	out, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	return out
}

// Clone returns a deep copy of a JSON-like value.
func Clone(v any) any {
	return deepCopy(v)
}
