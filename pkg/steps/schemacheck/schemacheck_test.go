package schemacheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

var articleSchema = map[string]any{
	"type":     "object",
	"required": []any{"title"},
	"properties": map[string]any{
		"title": map[string]any{"type": "string", "minLength": 1},
		"lang":  map[string]any{"type": "string", "default": "en"},
		"stats": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"views": map[string]any{"type": "integer", "default": 0},
			},
		},
	},
}

func newStep(t *testing.T, settings map[string]any) *Step {
	t.Helper()
	settings["schema"] = articleSchema
	s, err := New(step.Config{NodeID: "check", Type: Type, Settings: settings})
	require.NoError(t, err)
	return s.(*Step)
}

func TestValidItemPasses(t *testing.T) {
	s := newStep(t, map[string]any{})

	it := item.New("a", map[string]any{"title": "Go", "stats": map[string]any{"views": 3}})
	out := s.Process(context.Background(), step.Input{Item: it})

	require.NoError(t, out.Error)
	require.Len(t, out.Items, 1)
	assert.NotContains(t, out.Items[0].Data, "lang")
}

func TestOnInvalid(t *testing.T) {
	bad := func() *item.Item { return item.New("b", map[string]any{"title": 7}) }

	t.Run("fail", func(t *testing.T) {
		out := newStep(t, map[string]any{}).Process(context.Background(), step.Input{Item: bad()})
		require.Error(t, out.Error)
		assert.ErrorIs(t, out.Error, perrors.ErrValidation)
		assert.Contains(t, out.Error.Error(), "/title")
	})

	t.Run("skip", func(t *testing.T) {
		out := newStep(t, map[string]any{"onInvalid": "skip"}).Process(context.Background(), step.Input{Item: bad()})
		require.NoError(t, out.Error)
		assert.True(t, out.Skipped)
		assert.Contains(t, out.SkipReason, "/title")
	})

	t.Run("tag", func(t *testing.T) {
		out := newStep(t, map[string]any{"onInvalid": "tag"}).Process(context.Background(), step.Input{Item: bad()})
		require.NoError(t, out.Error)
		require.Len(t, out.Items, 1)
		assert.Equal(t, "false", out.Items[0].Metadata["schema_valid"])
		problems, ok := out.Items[0].Summary["schema_errors"].([]string)
		require.True(t, ok)
		require.Len(t, problems, 1)
		assert.Contains(t, problems[0], "/title")
	})
}

func TestMissingRequired(t *testing.T) {
	out := newStep(t, map[string]any{}).Process(context.Background(), step.Input{Item: item.New("c", nil)})
	require.Error(t, out.Error)
	assert.Contains(t, out.Error.Error(), "title")
}

func TestApplyDefaults(t *testing.T) {
	s := newStep(t, map[string]any{"applyDefaults": true})

	it := item.New("a", map[string]any{"title": "Go", "stats": map[string]any{}})
	out := s.Process(context.Background(), step.Input{Item: it})

	require.NoError(t, out.Error)
	got := out.Items[0].Data
	assert.Equal(t, "en", got["lang"])
	assert.Equal(t, map[string]any{"views": 0}, got["stats"])
}

func TestFieldSubDocument(t *testing.T) {
	s := newStep(t, map[string]any{"field": "doc", "applyDefaults": true})

	it := item.New("a", map[string]any{"doc": map[string]any{"title": "Go"}, "other": true})
	out := s.Process(context.Background(), step.Input{Item: it})

	require.NoError(t, out.Error)
	assert.Equal(t, map[string]any{"title": "Go", "lang": "en"}, out.Items[0].Data["doc"])
	assert.Equal(t, true, out.Items[0].Data["other"])
}

func TestInvalidSettings(t *testing.T) {
	for _, settings := range []map[string]any{
		{},
		{"schema": map[string]any{"type": "object"}, "onInvalid": "ignore"},
		{"schema": map[string]any{"type": 12}},
	} {
		_, err := New(step.Config{NodeID: "check", Type: Type, Settings: settings})
		assert.ErrorIs(t, err, perrors.ErrInvalidSettings, "%v", settings)
	}
}
