package plugin

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"strconv"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Loader compiles a registered version into a module.
type Loader interface {
	Load(ctx context.Context, v Version) (*Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, v Version) (*Module, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, v Version) (*Module, error) {
	return f(ctx, v)
}

// DefaultImports is the standard library allowlist of NewGoLoader.
var DefaultImports = []string{
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

// GoLoader interprets plugin sources written in Go. Each module gets its
// own interpreter, and only allowlisted standard library packages can be
// imported.
//
// A plugin is a single file exporting
//
//	func Process(input []interface{}, config, keys map[string]interface{}) (interface{}, error)
//
// and optionally
//
//	func Schemas() map[string]interface{}
//
// whose "input", "config", "keys" and "output" entries are JSON schema
// objects.
type GoLoader struct {
	allow   map[string]bool
	symbols interp.Exports
}

// NewGoLoader creates a loader allowing the given import paths, or
// DefaultImports when none are given.
func NewGoLoader(allow ...string) *GoLoader {
	if len(allow) == 0 {
		allow = DefaultImports
	}
	l := &GoLoader{
		allow:   make(map[string]bool, len(allow)),
		symbols: make(interp.Exports),
	}
	for _, p := range allow {
		l.allow[p] = true
	}
	// stdlib keys are "<import path>/<package name>".
	for key, syms := range stdlib.Symbols {
		if l.allow[path.Dir(key)] {
			l.symbols[key] = syms
		}
	}
	return l
}

// Load implements Loader.
func (l *GoLoader) Load(ctx context.Context, v Version) (*Module, error) {
	file, err := parser.ParseFile(token.NewFileSet(), v.Key+".go", v.Source, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return nil, err
		}
		if !l.allow[p] {
			return nil, fmt.Errorf("%w: %q", ErrImportNotAllowed, p)
		}
	}

	i := interp.New(interp.Options{})
	if err := i.Use(l.symbols); err != nil {
		return nil, err
	}
	if _, err := i.EvalWithContext(ctx, v.Source); err != nil {
		return nil, err
	}

	pkg := file.Name.Name
	pv, err := i.EvalWithContext(ctx, pkg+".Process")
	if err != nil {
		return nil, fmt.Errorf("lookup Process: %w", err)
	}
	process, ok := pv.Interface().(func([]interface{}, map[string]interface{}, map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("Process has type %s", pv.Type())
	}

	var schemas nodeflow.Schemas
	if declaresFunc(file, "Schemas") {
		sv, err := i.EvalWithContext(ctx, pkg+".Schemas")
		if err != nil {
			return nil, fmt.Errorf("lookup Schemas: %w", err)
		}
		fn, ok := sv.Interface().(func() map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("Schemas has type %s", sv.Type())
		}
		if schemas, err = parseSchemas(fn()); err != nil {
			return nil, err
		}
	}
	return NewModule(v, process, schemas), nil
}

func declaresFunc(file *ast.File, name string) bool {
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == name {
			return true
		}
	}
	return false
}

func parseSchemas(raw map[string]interface{}) (nodeflow.Schemas, error) {
	var out nodeflow.Schemas
	for name, v := range raw {
		m, ok := schema.Clone(v).(map[string]any)
		if !ok {
			return nodeflow.Schemas{}, fmt.Errorf("schema %q is not an object", name)
		}
		s := schema.New(m)
		switch name {
		case "input":
			out.Input = s
		case "config":
			out.Config = s
		case "keys":
			out.Keys = s
		case "output":
			out.Output = s
		default:
			return nodeflow.Schemas{}, errors.New("unknown schema " + strconv.Quote(name))
		}
	}
	return out, nil
}
