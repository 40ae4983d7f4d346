package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// mockStep is a test step that can be configured to simulate different behaviors
type mockStep struct {
	id        string
	delay     time.Duration
	failOn    map[string]bool
	dropOn    map[string]bool
	ignoreCtx bool
	processed []string
	active    int64
	peak      int64
	mu        sync.Mutex
}

func newMockStep(id string) *mockStep {
	return &mockStep{id: id, failOn: map[string]bool{}, dropOn: map[string]bool{}}
}

func (m *mockStep) NodeID() string   { return m.id }
func (m *mockStep) StepType() string { return "mock" }

func (m *mockStep) Process(ctx context.Context, in step.Input) step.Output {
	cur := atomic.AddInt64(&m.active, 1)
	defer atomic.AddInt64(&m.active, -1)
	for {
		p := atomic.LoadInt64(&m.peak)
		if cur <= p || atomic.CompareAndSwapInt64(&m.peak, p, cur) {
			break
		}
	}

	if m.delay > 0 {
		if m.ignoreCtx {
			time.Sleep(m.delay)
		} else {
			select {
			case <-ctx.Done():
				return step.Failure(ctx.Err())
			case <-time.After(m.delay):
			}
		}
	}

	key := in.Item.Key()
	m.mu.Lock()
	m.processed = append(m.processed, key)
	m.mu.Unlock()

	if m.failOn[key] {
		return step.Failure(fmt.Errorf("cannot process %s", key))
	}
	if m.dropOn[key] {
		return step.Skip("filtered")
	}
	in.Item.Data["seen_by"] = m.id
	return step.Success(in.Item)
}

func (m *mockStep) getProcessed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.processed))
	copy(out, m.processed)
	return out
}

func makeItems(n int) []*item.Item {
	items := make([]*item.Item, n)
	for i := range items {
		items[i] = item.New(fmt.Sprintf("doc-%03d", i), map[string]any{"n": i})
	}
	return items
}

func TestNewRunnerValidatesPolicy(t *testing.T) {
	_, err := New(nil, DefaultPolicy())
	assert.Error(t, err)

	_, err = New(newMockStep("a"), DefaultPolicy().WithRetry(retry.Policy{Strategy: "linear"}))
	assert.Error(t, err)

	r, err := New(newMockStep("a"), Policy{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Policy().Parallelism)
}

func TestSequentialPreservesOrder(t *testing.T) {
	s := newMockStep("seq")
	r, err := New(s, DefaultPolicy())
	require.NoError(t, err)

	items := makeItems(5)
	out := r.Run(context.Background(), Request{Items: items})

	require.NoError(t, out.Err)
	assert.Equal(t, item.Keys(items), item.Keys(out.Items))
	assert.Equal(t, item.Keys(items), s.getProcessed())
	assert.Equal(t, 5, out.Stats.Succeeded)
	for _, o := range out.Items {
		assert.Equal(t, []string{"seq"}, o.Trail)
	}
	// inputs are not mutated
	_, touched := items[0].Data["seen_by"]
	assert.False(t, touched)
}

func TestParallelismIsBounded(t *testing.T) {
	s := newMockStep("par")
	s.delay = 10 * time.Millisecond
	r, err := New(s, DefaultPolicy().WithParallelism(4))
	require.NoError(t, err)

	out := r.Run(context.Background(), Request{Items: makeItems(20)})
	require.NoError(t, out.Err)
	assert.Len(t, out.Items, 20)
	assert.LessOrEqual(t, atomic.LoadInt64(&s.peak), int64(4))
	assert.Greater(t, atomic.LoadInt64(&s.peak), int64(1))
}

func TestUnorderedOutputsKeepIdentity(t *testing.T) {
	s := newMockStep("par")
	s.delay = time.Millisecond
	r, err := New(s, DefaultPolicy().WithParallelism(3).WithPreserveOrder(false))
	require.NoError(t, err)

	items := makeItems(9)
	out := r.Run(context.Background(), Request{Items: items})
	got := item.Keys(out.Items)
	sort.Strings(got)
	assert.Equal(t, item.Keys(items), got)
}

func TestContinueOnErrorExcludesFailedItem(t *testing.T) {
	s := newMockStep("b")
	s.failOn["doc-002"] = true
	s.dropOn["doc-003"] = true
	r, err := New(s, DefaultPolicy().WithParallelism(2).WithContinueOnError(true))
	require.NoError(t, err)

	var seen []Result
	out := r.Run(context.Background(), Request{Items: makeItems(5), OnResult: func(res Result) {
		seen = append(seen, res)
	}})

	require.NoError(t, out.Err)
	assert.Len(t, seen, 5)
	assert.Equal(t, []string{"doc-000", "doc-001", "doc-004"}, item.Keys(out.Items))

	failures := out.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "doc-002", failures[0].Input.Key())
	assert.True(t, perrors.IsKind(failures[0].Err, perrors.KindItem))
	assert.True(t, out.Results[3].Dropped())
	assert.Equal(t, "filtered", out.Results[3].SkipReason)

	assert.Equal(t, 3, out.Stats.Succeeded)
	assert.Equal(t, 1, out.Stats.Failed)
	assert.Equal(t, 1, out.Stats.Skipped)
	assert.Equal(t, 5, out.Stats.Processed)
}

func TestFailFastStopsDispatch(t *testing.T) {
	s := newMockStep("b")
	s.failOn["doc-001"] = true
	r, err := New(s, DefaultPolicy())
	require.NoError(t, err)

	out := r.Run(context.Background(), Request{Items: makeItems(10)})

	require.Error(t, out.Err)
	assert.True(t, perrors.IsKind(out.Err, perrors.KindStep))
	assert.Equal(t, []string{"doc-000", "doc-001"}, s.getProcessed())
	assert.Equal(t, 8, out.Stats.Cancelled)
}

func TestItemTimeoutAbandonsStep(t *testing.T) {
	s := newMockStep("slow")
	s.delay = 200 * time.Millisecond
	s.ignoreCtx = true
	r, err := New(s, DefaultPolicy().WithItemTimeout(20*time.Millisecond).WithContinueOnError(true))
	require.NoError(t, err)

	start := time.Now()
	out := r.Run(context.Background(), Request{Items: makeItems(1)})
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	require.Len(t, out.Failures(), 1)
	ferr := out.Failures()[0].Err
	assert.True(t, perrors.IsKind(ferr, perrors.KindItem))
	assert.True(t, perrors.IsKind(ferr, perrors.KindTimeout))
}

type flakyStep struct {
	calls atomic.Int32
	until int32
}

func (f *flakyStep) NodeID() string   { return "flaky" }
func (f *flakyStep) StepType() string { return "flaky" }
func (f *flakyStep) Process(_ context.Context, in step.Input) step.Output {
	if f.calls.Add(1) < f.until {
		in.Item.Data["partial"] = true
		return step.Failure(errors.New("temporarily unavailable"))
	}
	return step.Success(in.Item)
}

func TestRetryWrapsItemInvocation(t *testing.T) {
	s := &flakyStep{until: 3}
	r, err := New(s, DefaultPolicy().WithRetry(retry.Policy{MaxAttempts: 3, Interval: time.Millisecond}))
	require.NoError(t, err)

	out := r.Run(context.Background(), Request{Items: makeItems(1)})
	require.NoError(t, out.Err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, 3, out.Results[0].Attempts)
	assert.Equal(t, 2, out.Stats.Retries)
	_, partial := out.Items[0].Data["partial"]
	assert.False(t, partial, "each attempt works on a fresh copy")
}

func TestStopSignalCancelsUndispatched(t *testing.T) {
	s := newMockStep("stop")
	s.delay = 20 * time.Millisecond
	r, err := New(s, DefaultPolicy().WithParallelism(5))
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(stop)
	}()

	out := r.Run(context.Background(), Request{Items: makeItems(100), Stop: stop})

	require.NoError(t, out.Err)
	assert.Greater(t, out.Stats.Cancelled, 50)
	assert.Equal(t, 100, out.Stats.Cancelled+out.Stats.Succeeded)
	assert.Len(t, out.CancelledItems(), out.Stats.Cancelled)
	assert.Len(t, out.Items, out.Stats.Succeeded)
}

func TestPanicBecomesItemError(t *testing.T) {
	r, err := New(&panicStep{}, DefaultPolicy().WithContinueOnError(true))
	require.NoError(t, err)

	out := r.Run(context.Background(), Request{Items: makeItems(2)})
	require.Len(t, out.Failures(), 2)
	assert.Contains(t, out.Failures()[0].Err.Error(), "step panicked")
}

type panicStep struct{}

func (p *panicStep) NodeID() string   { return "panic" }
func (p *panicStep) StepType() string { return "panic" }
func (p *panicStep) Process(context.Context, step.Input) step.Output {
	panic("nil map")
}

type dedupStep struct{ fail bool }

func (d *dedupStep) NodeID() string   { return "dedup" }
func (d *dedupStep) StepType() string { return "dedup" }
func (d *dedupStep) Process(_ context.Context, in step.Input) step.Output {
	return step.Success(in.Item)
}
func (d *dedupStep) ProcessBatch(_ context.Context, items []*item.Item, _ step.RunInfo) ([]*item.Item, error) {
	if d.fail {
		return nil, errors.New("index unavailable")
	}
	return items[:1], nil
}

func TestBatchStepGetsWholeCollection(t *testing.T) {
	r, err := New(&dedupStep{}, DefaultPolicy())
	require.NoError(t, err)
	items := makeItems(3)
	items[0].Push(item.Frame{ID: "f"})

	out := r.Run(context.Background(), Request{Items: items})
	require.NoError(t, out.Err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "doc-000", out.Items[0].Key())
	assert.Equal(t, []string{"dedup"}, out.Items[0].Trail)
	assert.True(t, out.Items[0].HasFrame("f"))

	r, err = New(&dedupStep{fail: true}, DefaultPolicy().WithContinueOnError(true))
	require.NoError(t, err)
	out = r.Run(context.Background(), Request{Items: makeItems(3)})
	assert.True(t, perrors.IsKind(out.Err, perrors.KindStep))
}

func TestLimiterIsShared(t *testing.T) {
	limiter := concurrency.NewLimiter(2)
	s := newMockStep("lim")
	s.delay = 5 * time.Millisecond
	r, err := New(s, DefaultPolicy().WithParallelism(8), WithLimiter(limiter))
	require.NoError(t, err)

	out := r.Run(context.Background(), Request{Items: makeItems(16)})
	require.NoError(t, out.Err)
	assert.LessOrEqual(t, limiter.Stats().Peak, int64(2))
	assert.Equal(t, int64(16), limiter.Stats().Acquired)
}

func TestEmptyInput(t *testing.T) {
	r, err := New(newMockStep("e"), DefaultPolicy())
	require.NoError(t, err)
	out := r.Run(context.Background(), Request{})
	assert.NoError(t, out.Err)
	assert.Empty(t, out.Items)
}
