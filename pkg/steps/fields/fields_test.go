package fields

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	data := map[string]any{
		"title":  "hello",
		"author": map[string]any{"name": "ada"},
		"rows":   []any{map[string]any{"n": 1.0}, map[string]any{"n": 2.0}},
	}

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"title", "hello", true},
		{"author.name", "ada", true},
		{"rows.1.n", 2.0, true},
		{"rows.#", 2.0, true},
		{"missing", nil, false},
		{"author.missing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Get(data, tt.path)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetNested(t *testing.T) {
	data := map[string]any{"title": "x"}

	out, err := Set(data, "meta.lang", "en")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "x", "meta": map[string]any{"lang": "en"}}, out)
	assert.NotContains(t, data, "meta")

	out, err = Set(out, "title", "y")
	require.NoError(t, err)
	assert.Equal(t, "y", out["title"])
}

func TestDelete(t *testing.T) {
	data := map[string]any{"a": 1.0, "b": map[string]any{"c": 2.0, "d": 3.0}}

	out, err := Delete(data, "b.c")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": map[string]any{"d": 3.0}}, out)

	out, err = Delete(out, "a")
	require.NoError(t, err)
	assert.NotContains(t, out, "a")
}
