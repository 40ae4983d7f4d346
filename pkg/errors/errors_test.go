package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineErrorMessage(t *testing.T) {
	err := NewItemError("B", "doc-1", fmt.Errorf("boom"))
	assert.Equal(t, "[item_error] node B item doc-1: boom", err.Error())

	step := NewStepError("C", nil)
	assert.Equal(t, "[step_error] node C", step.Error())
}

func TestIsKindThroughWrapping(t *testing.T) {
	inner := NewTimeoutError("B", "doc-1", time.Second)
	wrapped := fmt.Errorf("runner: %w", NewItemError("B", "doc-1", inner))

	assert.True(t, IsKind(wrapped, KindItem))
	assert.True(t, IsKind(wrapped, KindTimeout))
	assert.False(t, IsKind(wrapped, KindStep))
	assert.Equal(t, KindItem, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrDeadlineExceeded))
}

func TestIsMatchesNodeWhenSet(t *testing.T) {
	err := NewStepError("B", errors.New("x"))
	assert.True(t, errors.Is(err, &PipelineError{Kind: KindStep, NodeID: "B"}))
	assert.False(t, errors.Is(err, &PipelineError{Kind: KindStep, NodeID: "C"}))
}

func TestCycleOrDeadlockListsNodes(t *testing.T) {
	err := NewCycleOrDeadlockError("cycle detected", "A", "B")
	assert.Contains(t, err.Error(), "cycle detected (A, B)")
	assert.Equal(t, KindCycleOrDeadlock, err.Kind)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"item", NewItemError("n", "i", errors.New("bad")), ErrorCodeItem},
		{"timeout wins over item", NewItemError("n", "i", NewTimeoutError("n", "i", time.Second)), ErrorCodeTimeout},
		{"aggregation timeout", NewAggregationTimeoutError("agg", "i", "c1", time.Second), ErrorCodeAggregationTimeout},
		{"context deadline", context.DeadlineExceeded, ErrorCodeTimeout},
		{"cancelled", fmt.Errorf("x: %w", ErrCancelled), ErrorCodeCancelled},
		{"settings", fmt.Errorf("decode: %w", ErrInvalidSettings), ErrorCodeConfiguration},
		{"cycle", NewCycleOrDeadlockError("cycle"), ErrorCodeCycleOrDeadlock},
		{"validation wins over item", NewItemError("n", "i", fmt.Errorf("%w: /a: missing", ErrValidation)), ErrorCodeValidation},
		{"pattern", errors.New("resource not found"), ErrorCodeNotFound},
		{"unknown", errors.New("weird"), ErrorCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestPermanentAndRetryable(t *testing.T) {
	base := errors.New("upstream 503")
	require.True(t, IsRetryable(base))

	perm := Permanent(base)
	assert.True(t, IsPermanentError(perm))
	assert.False(t, IsRetryable(perm))
	assert.True(t, errors.Is(perm, base))

	assert.False(t, IsRetryable(fmt.Errorf("x: %w", ErrInvalidSettings)))
	assert.False(t, IsRetryable(fmt.Errorf("x: %w", ErrValidation)))
	assert.True(t, IsRetryable(NewTimeoutError("n", "", time.Second)))
	assert.Nil(t, Permanent(nil))
}
