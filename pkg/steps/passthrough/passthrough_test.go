package passthrough

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

func TestPassthrough(t *testing.T) {
	s, err := New(step.Config{NodeID: "p", Type: Type, Settings: map[string]any{
		"set":      map[string]any{"meta.stage": "ingest", "flag": true},
		"delete":   []any{"secret"},
		"metadata": map[string]any{"origin": "crawler"},
	}})
	require.NoError(t, err)

	it := item.New("doc-1", map[string]any{"title": "t", "secret": "x"})
	out := s.Process(context.Background(), step.Input{Item: it})

	require.NoError(t, out.Error)
	require.Len(t, out.Items, 1)
	got := out.Items[0]
	assert.Equal(t, "doc-1", got.ID.CanonicalID)
	assert.Equal(t, map[string]any{
		"title": "t",
		"flag":  true,
		"meta":  map[string]any{"stage": "ingest"},
	}, got.Data)
	assert.Equal(t, "crawler", got.Metadata["origin"])
}

func TestPassthroughNoSettings(t *testing.T) {
	s, err := New(step.Config{NodeID: "p", Type: Type})
	require.NoError(t, err)

	it := item.New("doc-1", map[string]any{"a": 1})
	out := s.Process(context.Background(), step.Input{Item: it})
	require.Len(t, out.Items, 1)
	assert.Same(t, it, out.Items[0])
}

func TestPassthroughInvalidSettings(t *testing.T) {
	_, err := New(step.Config{NodeID: "p", Type: Type, Settings: map[string]any{"delete": []any{""}}})
	assert.ErrorIs(t, err, perrors.ErrInvalidSettings)
}
