package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Sink receives every published event once, in emission order. Handle is
// called synchronously by the publisher; slow sinks should be wrapped in
// an AsyncSink.
type Sink interface {
	Handle(e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event) error

// Handle implements Sink.
func (f SinkFunc) Handle(e Event) error { return f(e) }

type runLog struct {
	events []Event
	closed bool
	cond   *sync.Cond
}

// Bus keeps an append-only log per run. Publish is safe for concurrent use;
// sequence numbers are assigned under a single lock so the log never loses
// or duplicates an event.
type Bus struct {
	mu     sync.Mutex
	sinkMu sync.Mutex
	logs   map[string]*runLog
	seq    uint64
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sinks = append(b.sinks, s) }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logs:   make(map[string]*runLog),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddSink registers a sink for subsequent events.
func (b *Bus) AddSink(s Sink) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Open creates the log for runID. Opening an existing log is a no-op.
func (b *Bus) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[runID]; !ok {
		b.logs[runID] = &runLog{cond: sync.NewCond(&b.mu)}
	}
}

// Publish stamps e with the next sequence number and the current time,
// appends it to its run's log and hands it to every sink. Events for
// unknown or closed runs are still sent to sinks but not logged.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	if l, ok := b.logs[e.RunID]; ok && !l.closed {
		l.events = append(l.events, e)
		l.cond.Broadcast()
	}
	// taking sinkMu before releasing mu keeps sink order equal to seq order
	b.sinkMu.Lock()
	b.mu.Unlock()
	defer b.sinkMu.Unlock()

	for _, s := range b.sinks {
		if err := s.Handle(e); err != nil {
			b.logger.Warn("event sink failed",
				zap.String("run_id", e.RunID),
				zap.String("event_type", string(e.Type)),
				zap.Uint64("seq", e.Seq),
				zap.Error(err))
		}
	}
	return e
}

// Close marks runID's log as ended. Subscribers drain the remaining
// events and then see their channel closed.
func (b *Bus) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[runID]; ok {
		l.closed = true
		l.cond.Broadcast()
	}
}

// Forget drops runID's log.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[runID]; ok {
		l.closed = true
		l.cond.Broadcast()
		delete(b.logs, runID)
	}
}

// Events returns a copy of runID's log.
func (b *Bus) Events(runID string) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[runID]
	if !ok {
		return nil, perrors.ErrRunNotFound
	}
	return slices.Clone(l.events), nil
}

// Subscribe replays runID's log and then follows it live. The channel is
// closed after the last event of a closed log or when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan Event, error) {
	b.mu.Lock()
	l, ok := b.logs[runID]
	b.mu.Unlock()
	if !ok {
		return nil, perrors.ErrRunNotFound
	}

	out := make(chan Event, 16)
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		l.cond.Broadcast()
		b.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()

		cursor := 0
		for {
			b.mu.Lock()
			for cursor >= len(l.events) && !l.closed && ctx.Err() == nil {
				l.cond.Wait()
			}
			if ctx.Err() != nil || (cursor >= len(l.events) && l.closed) {
				b.mu.Unlock()
				return
			}
			batch := slices.Clone(l.events[cursor:])
			b.mu.Unlock()

			for _, e := range batch {
				select {
				case out <- e:
					cursor++
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
