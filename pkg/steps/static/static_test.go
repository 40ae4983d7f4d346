package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

func TestFetchPages(t *testing.T) {
	s, err := New(step.Config{NodeID: "src", Type: Type, Settings: map[string]any{
		"records": []any{
			map[string]any{"id": "a", "n": 1},
			map[string]any{"id": "b", "n": 2},
			map[string]any{"n": 3},
		},
	}})
	require.NoError(t, err)
	src := s.(step.PageSource)

	p1, err := src.FetchPage(context.Background(), step.PageRequest{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, item.Keys(p1.Items))
	assert.False(t, p1.Done)
	assert.Equal(t, "2", p1.NextToken)
	assert.Equal(t, Type, p1.Items[0].ID.SourceID)

	p2, err := src.FetchPage(context.Background(), step.PageRequest{PageSize: 2, Token: p1.NextToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"src-2"}, item.Keys(p2.Items))
	assert.True(t, p2.Done)

	_, err = src.FetchPage(context.Background(), step.PageRequest{Token: "x"})
	assert.Error(t, err)
}

func TestFetchCopiesRecords(t *testing.T) {
	s, err := New(step.Config{NodeID: "src", Type: Type, Settings: map[string]any{
		"records": []any{map[string]any{"id": "a"}},
	}})
	require.NoError(t, err)
	src := s.(step.PageSource)

	p, err := src.FetchPage(context.Background(), step.PageRequest{})
	require.NoError(t, err)
	p.Items[0].Data["id"] = "mutated"

	p, err = src.FetchPage(context.Background(), step.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, "a", p.Items[0].Data["id"])
}
