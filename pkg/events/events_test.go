package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	delay  time.Duration
}

func (r *recordingSink) Handle(e Event) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.events))
	for i, e := range r.events {
		out[i] = e.Seq
	}
	return out
}

func TestConcurrentPublishNoLossNoDuplication(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(WithSink(sink))
	bus.Open("run-1")

	const writers, perWriter = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				bus.Publish(Event{RunID: "run-1", Type: ItemProduced})
			}
		}()
	}
	wg.Wait()

	log, err := bus.Events("run-1")
	require.NoError(t, err)
	require.Len(t, log, writers*perWriter)
	for i, e := range log {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	// sinks see emission order
	seqs := sink.seqs()
	require.Len(t, seqs, writers*perWriter)
	for i := 1; i < len(seqs); i++ {
		assert.Less(t, seqs[i-1], seqs[i])
	}
}

func TestSubscribeReplaysThenFollows(t *testing.T) {
	bus := NewBus()
	bus.Open("run-1")
	bus.Publish(Event{RunID: "run-1", Type: RunStarted})
	bus.Publish(Event{RunID: "run-1", Type: NodeStarted, NodeID: "A"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	go func() {
		bus.Publish(Event{RunID: "run-1", Type: NodeFinished, NodeID: "A"})
		bus.Publish(Event{RunID: "run-1", Type: RunCompleted})
		bus.Close("run-1")
	}()

	var types []Type
	for e := range ch {
		types = append(types, e.Type)
	}
	assert.Equal(t, []Type{RunStarted, NodeStarted, NodeFinished, RunCompleted}, types)

	// a finished run replays finitely
	ch, err = bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 4, n)
}

func TestSubscribeStopsOnContext(t *testing.T) {
	bus := NewBus()
	bus.Open("run-1")
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestUnknownRun(t *testing.T) {
	bus := NewBus()
	_, err := bus.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, perrors.ErrRunNotFound)
	_, err = bus.Events("nope")
	assert.ErrorIs(t, err, perrors.ErrRunNotFound)

	bus.Open("run-1")
	bus.Forget("run-1")
	_, err = bus.Events("run-1")
	assert.ErrorIs(t, err, perrors.ErrRunNotFound)
}

func TestAsyncSinkDropsOldest(t *testing.T) {
	block := make(chan struct{})
	var got []uint64
	var mu sync.Mutex
	inner := SinkFunc(func(e Event) error {
		<-block
		mu.Lock()
		got = append(got, e.Seq)
		mu.Unlock()
		return nil
	})

	s := NewAsyncSink(inner, 2, nil)
	start := time.Now()
	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Handle(Event{Seq: uint64(i)}))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Handle must not block")

	close(block)
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	// the worker may hold one event while the queue keeps the newest two
	assert.LessOrEqual(t, len(got), 3)
	assert.Equal(t, uint64(10), got[len(got)-1])
	assert.Equal(t, int64(10-len(got)), s.Dropped())
}

func TestLogSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewLogSink(zap.New(core))

	require.NoError(t, s.Handle(Event{RunID: "r", Type: ItemProduced, ItemID: "doc-1"}))
	require.NoError(t, s.Handle(Event{RunID: "r", Type: NodeFailed, NodeID: "B", Error: "boom"}))
	require.NoError(t, s.Handle(Event{RunID: "r", Type: RunCompleted}))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "B", entries[1].ContextMap()["node_id"])
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
}

type mockJetStream struct {
	mu        sync.Mutex
	failFirst int
	published []*nats.Msg
	streams   map[string]*nats.StreamConfig
}

func (m *mockJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFirst > 0 {
		m.failFirst--
		return nil, errors.New("nats: timeout")
	}
	m.published = append(m.published, &nats.Msg{Subject: subj, Data: data})
	return &nats.PubAck{Stream: "PIPELINE_EVENTS", Sequence: uint64(len(m.published))}, nil
}

func (m *mockJetStream) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (m *mockJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams == nil {
		m.streams = map[string]*nats.StreamConfig{}
	}
	m.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func TestNATSSinkPublishesWithRetry(t *testing.T) {
	js := &mockJetStream{failFirst: 2}
	s, err := NewNATSSink(js, NATSSinkConfig{RetryDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, s.EnsureStream())
	require.Contains(t, js.streams, "PIPELINE_EVENTS")
	assert.Equal(t, []string{"pipeline.events.>"}, js.streams["PIPELINE_EVENTS"].Subjects)
	require.NoError(t, s.EnsureStream())

	require.NoError(t, s.Handle(Event{RunID: "run-7", Seq: 3, Type: RunStarted}))
	require.Len(t, js.published, 1)
	assert.Equal(t, "pipeline.events.run-7", js.published[0].Subject)
	assert.Contains(t, string(js.published[0].Data), `"type":"run.started"`)

	js.failFirst = 5
	assert.Error(t, s.Handle(Event{RunID: "run-7", Seq: 4, Type: RunCompleted}))

	_, err = NewNATSSink(nil, NATSSinkConfig{}, nil)
	assert.Error(t, err)
}

type fakeHub struct {
	mu       sync.Mutex
	captured []error
}

func (f *fakeHub) WithScope(fn func(scope *sentry.Scope)) {
	scope := sentry.NewScope()
	fn(scope)
}

func (f *fakeHub) CaptureException(err error) *sentry.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, err)
	id := sentry.EventID("1")
	return &id
}

func (f *fakeHub) Flush(time.Duration) bool { return true }

func TestSentrySinkCapturesFailuresOnly(t *testing.T) {
	hub := &fakeHub{}
	s := NewSentrySink(hub)

	require.NoError(t, s.Handle(Event{RunID: "r", Type: ItemProduced}))
	require.NoError(t, s.Handle(Event{RunID: "r", Type: ItemFailed, NodeID: "C", ItemID: "doc-1", Error: "parse error"}))
	require.NoError(t, s.Handle(Event{RunID: "r", Type: RunFailed, Error: "step failed"}))

	require.Len(t, hub.captured, 2)
	assert.Contains(t, hub.captured[0].Error(), "item.failed: parse error")
	assert.True(t, s.Flush(time.Second))
}

func TestTerminalEvents(t *testing.T) {
	assert.True(t, Event{Type: RunCompleted}.IsTerminal())
	assert.False(t, Event{Type: RunCompleted, SubRunID: "nested"}.IsTerminal())
	assert.False(t, Event{Type: NodeFailed}.IsTerminal())
}
