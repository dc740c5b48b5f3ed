// Package expr evaluates the boolean conditions used by gate nodes.
//
// Grammar, lowest precedence first:
//
//	cond   := and ("or" and)*
//	and    := unary ("and" unary)*
//	unary  := ("not" | "!") unary | "(" cond ")" | compare
//	compare:= value (op value)?
//	op     := == != >= <= > < contains
//
// Values are quoted strings, numbers, true/false/null, or dotted variable
// paths resolved against the variables map (user.age, items.0).
package expr

import (
	"fmt"
	"strings"
)

// BinaryOp compares two resolved values.
type BinaryOp func(left, right any) bool

// Evaluator evaluates boolean expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a word operator, used as "a name b".
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eval evaluates expr with the default evaluator.
func Eval(expr string, vars map[string]any) (bool, error) {
	return New().Evaluate(expr, vars)
}

// Evaluate evaluates expr against vars. An empty expression is false.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	if parts, ok := splitTopLevel(expr, " or "); ok {
		for _, p := range parts {
			v, err := e.Evaluate(p, vars)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	}

	if parts, ok := splitTopLevel(expr, " and "); ok {
		for _, p := range parts {
			v, err := e.Evaluate(p, vars)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil
	}

	if inner, ok := negated(expr); ok {
		v, err := e.Evaluate(inner, vars)
		return !v, err
	}

	if strings.HasPrefix(expr, "(") {
		if end := matchingParen(expr); end == len(expr)-1 {
			return e.Evaluate(expr[1:end], vars)
		} else if end < 0 {
			return false, fmt.Errorf("unbalanced parentheses in %q", expr)
		}
	}

	return e.compare(expr, vars)
}

var builtinOps = []struct {
	op      string
	compare BinaryOp
}{
	{"==", equals},
	{"!=", func(l, r any) bool { return !equals(l, r) }},
	{">=", func(l, r any) bool { return ToFloat64(l) >= ToFloat64(r) }},
	{"<=", func(l, r any) bool { return ToFloat64(l) <= ToFloat64(r) }},
	{">", func(l, r any) bool { return ToFloat64(l) > ToFloat64(r) }},
	{"<", func(l, r any) bool { return ToFloat64(l) < ToFloat64(r) }},
	{" contains ", contains},
}

func (e *Evaluator) compare(expr string, vars map[string]any) (bool, error) {
	for _, op := range builtinOps {
		if parts, ok := splitTopLevel(expr, op.op); ok {
			if len(parts) != 2 {
				return false, fmt.Errorf("chained %q in %q", strings.TrimSpace(op.op), expr)
			}
			return op.compare(Resolve(parts[0], vars), Resolve(parts[1], vars)), nil
		}
	}

	for name, fn := range e.customOps {
		if parts, ok := splitTopLevel(expr, " "+name+" "); ok && len(parts) == 2 {
			return fn(Resolve(parts[0], vars), Resolve(parts[1], vars)), nil
		}
	}

	return IsTruthy(Resolve(expr, vars)), nil
}

func negated(expr string) (string, bool) {
	if strings.HasPrefix(expr, "not ") {
		return expr[len("not "):], true
	}
	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		return expr[1:], true
	}
	return "", false
}

// splitTopLevel splits s on sep outside quotes and parentheses.
func splitTopLevel(s, sep string) ([]string, bool) {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, strings.TrimSpace(s[start:i]))
			i += len(sep) - 1
			start = i + 1
		}
	}
	if parts == nil {
		return nil, false
	}
	return append(parts, strings.TrimSpace(s[start:])), true
}

func matchingParen(s string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
