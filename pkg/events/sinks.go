package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultQueueSize is the AsyncSink queue length when none is given.
const DefaultQueueSize = 1024

// AsyncSink decouples a slow sink from the publisher with a bounded queue.
// When the queue is full the oldest queued event is discarded, so Handle
// never blocks.
type AsyncSink struct {
	inner   Sink
	queue   chan Event
	logger  *zap.Logger
	dropped atomic.Int64
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewAsyncSink starts a worker delivering to inner.
func NewAsyncSink(inner Sink, size int, logger *zap.Logger) *AsyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		inner:  inner,
		queue:  make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Handle implements Sink.
func (s *AsyncSink) Handle(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	for {
		select {
		case s.queue <- e:
			return nil
		default:
		}
		select {
		case old := <-s.queue:
			s.dropped.Add(1)
			s.logger.Debug("event queue full, dropping oldest",
				zap.String("run_id", old.RunID),
				zap.Uint64("seq", old.Seq))
		default:
		}
	}
}

// Dropped returns how many events were discarded.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close delivers what is queued and stops the worker.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		if err := s.inner.Handle(e); err != nil {
			s.logger.Warn("async event sink failed",
				zap.String("run_id", e.RunID),
				zap.String("event_type", string(e.Type)),
				zap.Error(err))
		}
	}
}

// LogSink writes events to a zap logger: failures at Warn, run and node
// lifecycle at Info, item traffic at Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Handle implements Sink.
func (s *LogSink) Handle(e Event) error {
	fields := []zap.Field{
		zap.Uint64("seq", e.Seq),
		zap.String("run_id", e.RunID),
		zap.String("event_type", string(e.Type)),
	}
	if e.SubRunID != "" {
		fields = append(fields, zap.String("sub_run_id", e.SubRunID), zap.String("parent_node_id", e.ParentNodeID))
	}
	if e.NodeID != "" {
		fields = append(fields, zap.String("node_id", e.NodeID))
	}
	if e.ItemID != "" {
		fields = append(fields, zap.String("item_id", e.ItemID))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error), zap.String("error_code", e.ErrorCode))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}

	switch {
	case e.IsFailure() || e.Type == EdgeRoutingFailed:
		s.logger.Warn("pipeline event", fields...)
	case e.Type == ItemProduced:
		s.logger.Debug("pipeline event", fields...)
	default:
		s.logger.Info("pipeline event", fields...)
	}
	return nil
}
