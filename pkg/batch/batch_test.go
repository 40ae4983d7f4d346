package batch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
)

func makeItems(n int) []*item.Item {
	items := make([]*item.Item, n)
	for i := range items {
		items[i] = item.New(fmt.Sprintf("doc-%02d", i), nil)
	}
	return items
}

func TestSplitSizes(t *testing.T) {
	c, err := Split(makeItems(10), 4)
	require.NoError(t, err)

	sizes := make([]int, len(c.Envelopes))
	for i, env := range c.Envelopes {
		sizes[i] = len(env.Items)
		assert.Equal(t, i, env.Index)
		assert.Equal(t, 3, env.Count)
		assert.Equal(t, c.ID, env.CollectionID)
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, 10, c.Total)

	_, err = Split(makeItems(3), 0)
	assert.Error(t, err)

	empty, err := Split(nil, 5)
	require.NoError(t, err)
	assert.Empty(t, empty.Envelopes)
}

func TestFrameIDRoundTrip(t *testing.T) {
	env := Envelope{CollectionID: "c0ffee", Index: 7}
	id, idx, ok := ParseFrameID(env.FrameID())
	require.True(t, ok)
	assert.Equal(t, "c0ffee", id)
	assert.Equal(t, 7, idx)

	f := env.Frame("split")
	assert.Equal(t, item.FrameBatch, f.Kind)
	assert.Equal(t, "split", f.Node)

	_, _, ok = ParseFrameID("no-index")
	assert.False(t, ok)
}

// For every n and b, split then aggregate with no failures yields the
// input identities, whatever order envelopes arrive in.
func TestSplitAggregatePreservesIdentity(t *testing.T) {
	for n := 1; n <= 23; n++ {
		for b := 1; b <= 7; b++ {
			items := makeItems(n)
			c, err := Split(items, b)
			require.NoError(t, err)

			agg := NewAggregator("agg")
			agg.Expect(c)

			var res Result
			var done bool
			for i := len(c.Envelopes) - 1; i >= 0; i-- {
				require.False(t, done, "n=%d b=%d completed early", n, b)
				res, done = agg.Arrive(c.ID, i, c.Envelopes[i].Items)
			}
			require.True(t, done, "n=%d b=%d", n, b)

			got := item.Keys(res.Items)
			sort.Strings(got)
			assert.Equal(t, item.Keys(items), got, "n=%d b=%d", n, b)
			assert.Equal(t, n, res.Summary.Succeeded)
			assert.Empty(t, res.Failures)
			assert.Empty(t, agg.Pending())
		}
	}
}

func TestAggregateAttributesFailures(t *testing.T) {
	items := makeItems(10)
	c, err := Split(items, 4)
	require.NoError(t, err)

	agg := NewAggregator("agg")
	agg.Expect(c)

	middle := c.Envelopes[1]
	bad := middle.Items[2].Key()
	agg.Fail(c.ID, 1, bad, perrors.NewItemError("work", bad, errors.New("corrupt")))

	survivors := make([]*item.Item, 0, 3)
	for _, it := range middle.Items {
		if it.Key() != bad {
			survivors = append(survivors, it)
		}
	}

	_, done := agg.Arrive(c.ID, 0, c.Envelopes[0].Items)
	assert.False(t, done)
	_, done = agg.Arrive(c.ID, 1, survivors)
	assert.False(t, done)
	res, done := agg.Arrive(c.ID, 2, c.Envelopes[2].Items)
	require.True(t, done)

	assert.Len(t, res.Items, 9)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, bad, res.Failures[0].ItemID)
	assert.Equal(t, Summary{
		CollectionID: c.ID, Expected: 3, Arrived: 3, Items: 10, Succeeded: 9, Failed: 1,
		Waited: res.Summary.Waited,
	}, res.Summary)
	// original order
	assert.Equal(t, "doc-00", res.Items[0].Key())
	assert.Equal(t, "doc-09", res.Items[8].Key())
}

func TestExpireConvertsMissingEnvelopes(t *testing.T) {
	c, err := Split(makeItems(5), 2)
	require.NoError(t, err)

	agg := NewAggregator("agg")
	agg.Expect(c)
	_, done := agg.Arrive(c.ID, 0, c.Envelopes[0].Items)
	require.False(t, done)
	_, done = agg.Arrive(c.ID, 2, c.Envelopes[2].Items)
	require.False(t, done)

	res, ok := agg.Expire(c.ID, 50*time.Millisecond)
	require.True(t, ok)
	assert.Len(t, res.Items, 3)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.True(t, perrors.IsKind(f.Err, perrors.KindAggregationTimeout))
	}
	assert.Equal(t, 2, res.Summary.TimedOut)
	assert.Equal(t, 2, res.Summary.Arrived)

	// closed collections ignore stragglers
	_, done = agg.Arrive(c.ID, 1, c.Envelopes[1].Items)
	assert.False(t, done)
	assert.Equal(t, 1, agg.Late())
	_, ok = agg.Expire(c.ID, time.Millisecond)
	assert.False(t, ok)
}

func TestExpireKeepsRecordedFailure(t *testing.T) {
	c, err := Split(makeItems(2), 2)
	require.NoError(t, err)

	agg := NewAggregator("agg")
	agg.Expect(c)
	cause := errors.New("boom")
	agg.Fail(c.ID, 0, "doc-00", cause)

	res, ok := agg.Expire(c.ID, 50*time.Millisecond)
	require.True(t, ok)
	require.Len(t, res.Failures, 2)
	byItem := map[string]error{}
	for _, f := range res.Failures {
		byItem[f.ItemID] = f.Err
	}
	assert.Same(t, cause, byItem["doc-00"])
	assert.True(t, perrors.IsKind(byItem["doc-01"], perrors.KindAggregationTimeout))
	assert.Equal(t, 2, res.Summary.Failed)
	assert.Equal(t, 1, res.Summary.TimedOut)

	// closed collections ignore failures reported afterwards
	agg.Fail(c.ID, 0, "doc-01", cause)
	_, ok = agg.Expire(c.ID, time.Millisecond)
	assert.False(t, ok)
}

func TestDuplicateArrivalIgnored(t *testing.T) {
	c, err := Split(makeItems(4), 2)
	require.NoError(t, err)
	agg := NewAggregator("agg")
	agg.Expect(c)

	_, done := agg.Arrive(c.ID, 0, c.Envelopes[0].Items)
	assert.False(t, done)
	_, done = agg.Arrive(c.ID, 0, c.Envelopes[0].Items)
	assert.False(t, done)
	agg.Drop(c.ID, 1, "doc-03")
	res, done := agg.Arrive(c.ID, 1, c.Envelopes[1].Items[:1])
	require.True(t, done)
	assert.Len(t, res.Items, 3)
	assert.Equal(t, 1, res.Summary.Dropped)
}

func TestConcurrentArrivals(t *testing.T) {
	c, err := Split(makeItems(64), 1)
	require.NoError(t, err)
	agg := NewAggregator("agg")
	agg.Expect(c)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for _, env := range c.Envelopes {
		wg.Add(1)
		go func(env Envelope) {
			defer wg.Done()
			if _, done := agg.Arrive(c.ID, env.Index, env.Items); done {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(env)
	}
	wg.Wait()
	assert.Equal(t, 1, completions)
}
