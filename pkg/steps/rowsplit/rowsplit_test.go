package rowsplit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

func newStep(t *testing.T, settings map[string]any) step.Step {
	t.Helper()
	s, err := New(step.Config{NodeID: "split", Type: Type, Settings: settings})
	require.NoError(t, err)
	return s
}

func TestSplitRows(t *testing.T) {
	s := newStep(t, map[string]any{"field": "rows", "target": "row"})

	it := item.New("sheet-1", map[string]any{
		"name": "q3",
		"rows": []any{"a", "b", "c"},
	})
	it.ID.SourceID = "drive"
	out := s.Process(context.Background(), step.Input{Item: it})

	require.NoError(t, out.Error)
	require.Len(t, out.Items, 3)
	seen := map[string]bool{}
	for i, d := range out.Items {
		assert.Equal(t, "sheet-1", d.ID.CanonicalID)
		assert.Equal(t, "drive", d.ID.SourceID)
		assert.NotEmpty(t, d.ID.UniqueID)
		assert.False(t, seen[d.Key()], "derived keys must be distinct")
		seen[d.Key()] = true
		assert.Equal(t, map[string]any{"name": "q3", "row": []any{"a", "b", "c"}[i]}, d.Data)
		assert.Equal(t, "3", d.Metadata["row_count"])
	}
	assert.Equal(t, "0", out.Items[0].Metadata["row_index"])
	assert.Contains(t, it.Data, "rows", "parent payload is untouched")
}

func TestSplitNestedKeepSource(t *testing.T) {
	s := newStep(t, map[string]any{"field": "table.rows", "target": "cell.value", "keepSource": true})

	it := item.New("t", map[string]any{"table": map[string]any{"rows": []any{1.0, 2.0}}})
	out := s.Process(context.Background(), step.Input{Item: it})

	require.NoError(t, out.Error)
	require.Len(t, out.Items, 2)
	assert.Equal(t, map[string]any{"value": 2.0}, out.Items[1].Data["cell"])
	assert.Contains(t, out.Items[1].Data, "table")
}

func TestSplitErrors(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		data     map[string]any
		wantErr  bool
		wantLen  int
	}{
		{"missing field", map[string]any{"field": "rows"}, map[string]any{}, true, 0},
		{"missing allowed", map[string]any{"field": "rows", "allowMissing": true}, map[string]any{}, false, 1},
		{"not an array", map[string]any{"field": "rows"}, map[string]any{"rows": "x"}, true, 0},
		{"empty array drops", map[string]any{"field": "rows"}, map[string]any{"rows": []any{}}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStep(t, tt.settings)
			out := s.Process(context.Background(), step.Input{Item: item.New("x", tt.data)})
			if tt.wantErr {
				assert.Error(t, out.Error)
				return
			}
			assert.NoError(t, out.Error)
			assert.Len(t, out.Items, tt.wantLen)
		})
	}
}

func TestSplitRequiresField(t *testing.T) {
	_, err := New(step.Config{NodeID: "split", Type: Type})
	assert.ErrorIs(t, err, perrors.ErrInvalidSettings)
}
