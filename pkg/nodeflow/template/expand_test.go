package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	vars := map[string]any{
		"name":  "Ada",
		"count": 3,
		"user":  map[string]any{"email": "ada@example.com"},
		"tags":  []any{"x", "y"},
		"empty": nil,
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Hello ${name}", "Hello Ada"},
		{"number", "n=${count}", "n=3"},
		{"dotted", "to ${user.email}", "to ada@example.com"},
		{"index", "first ${tags.0}", "first x"},
		{"json", "tags ${tags}", `tags ["x","y"]`},
		{"object", "${user}", `{"email":"ada@example.com"}`},
		{"nil", "[${empty}]", "[]"},
		{"spaces", "${ name }", "Ada"},
		{"missing kept", "${nope}", "${nope}"},
		{"dollar untouched", "costs $5 for $name", "costs $5 for $name"},
		{"repeated", "${name}${name}", "AdaAda"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.in, vars))
		})
	}
}

func TestExpand_MissingActions(t *testing.T) {
	out, err := NewExpander(WithMissingAction(MissingEmpty)).Expand("a${x}b", nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", out)

	_, err = NewExpander(WithMissingAction(MissingError)).Expand("${x} ${y.z}", map[string]any{})
	var undef *UndefinedVariableError
	require.ErrorAs(t, err, &undef)
	assert.Equal(t, []string{"x", "y.z"}, undef.Names)
	assert.Equal(t, "undefined variables: x, y.z", err.Error())
}

func TestVariables(t *testing.T) {
	assert.Equal(t, []string{"a", "b.c"}, Variables("${a} ${b.c} ${a}"))
	assert.Empty(t, Variables("plain"))
}

func TestLookup(t *testing.T) {
	vars := map[string]any{"a": map[string]any{"b": []any{map[string]any{"c": 1}}}}

	v, ok := Lookup(vars, "a.b.0.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Lookup(vars, "a.b.5")
	assert.False(t, ok)
	_, ok = Lookup(vars, "a.b.0.c.d")
	assert.False(t, ok)
}
