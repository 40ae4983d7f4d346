package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

func run(t *testing.T, source string, data map[string]any) step.Output {
	t.Helper()
	s, err := New(step.Config{NodeID: "js", Type: Type, Settings: map[string]any{"source": source, "timeoutMs": 200}})
	require.NoError(t, err)
	return s.Process(context.Background(), step.Input{
		Item: item.New("doc", data),
		Run:  step.RunInfo{RunID: "r1", GraphID: "g", NodeID: "js", Mode: "full"},
	})
}

func TestScriptReturnValues(t *testing.T) {
	t.Run("object replaces payload", func(t *testing.T) {
		out := run(t, `return {title: item.data.title.toUpperCase(), run: run.runId}`, map[string]any{"title": "abc"})
		require.NoError(t, out.Error)
		require.Len(t, out.Items, 1)
		assert.Equal(t, "ABC", out.Items[0].Data["title"])
		assert.Equal(t, "r1", out.Items[0].Data["run"])
		assert.Equal(t, "doc", out.Items[0].ID.CanonicalID)
	})

	t.Run("in place mutation", func(t *testing.T) {
		out := run(t, `item.data.seen = true`, map[string]any{})
		require.NoError(t, out.Error)
		require.Len(t, out.Items, 1)
		assert.Equal(t, true, out.Items[0].Data["seen"])
	})

	t.Run("array splits", func(t *testing.T) {
		out := run(t, `return item.data.words.map(function(w) { return {word: w}; })`,
			map[string]any{"words": []any{"a", "b"}})
		require.NoError(t, out.Error)
		require.Len(t, out.Items, 2)
		assert.Equal(t, "b", out.Items[1].Data["word"])
		assert.NotEqual(t, out.Items[0].Key(), out.Items[1].Key())
	})

	t.Run("false skips", func(t *testing.T) {
		out := run(t, `return item.data.score > 5`, map[string]any{"score": 1})
		assert.True(t, out.Skipped)
		assert.Empty(t, out.Items)
	})

	t.Run("true forwards", func(t *testing.T) {
		out := run(t, `return item.data.score > 5`, map[string]any{"score": 9})
		assert.False(t, out.Skipped)
		assert.Len(t, out.Items, 1)
	})
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"throws", `throw new Error("boom")`, "boom"},
		{"timeout", `while (true) {}`, "timed out"},
		{"sandboxed require", `return require("fs")`, "script failed"},
		{"bad element", `return [1, 2]`, "want an object"},
		{"unsupported", `return "text"`, "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, tt.source, map[string]any{})
			require.Error(t, out.Error)
			assert.Contains(t, out.Error.Error(), tt.want)
		})
	}
}

func TestScriptCancelled(t *testing.T) {
	s, err := New(step.Config{NodeID: "js", Type: Type, Settings: map[string]any{"source": `return true`}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := s.Process(ctx, step.Input{Item: item.New("x", nil)})
	assert.ErrorIs(t, out.Error, context.Canceled)
}

func TestScriptInvalid(t *testing.T) {
	_, err := New(step.Config{NodeID: "js", Type: Type})
	assert.ErrorIs(t, err, perrors.ErrInvalidSettings)

	_, err = New(step.Config{NodeID: "js", Type: Type, Settings: map[string]any{"source": "return {"}})
	assert.Error(t, err)
}
