// Package concurrency provides the process-wide limiter that caps
// simultaneous step invocations across all runs, together with the circuit
// breaker guarding it and environment-aware sizing.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Stats is a snapshot of limiter counters.
type Stats struct {
	Acquired int64
	Released int64
	// Rejected counts acquisitions refused by an open breaker.
	Rejected int64
	Peak     int64
	Waited   time.Duration
}

// MeanWait is the average time an acquisition waited for a slot.
func (s Stats) MeanWait() time.Duration {
	if s.Acquired == 0 {
		return 0
	}
	return s.Waited / time.Duration(s.Acquired)
}

// Limiter hands out invocation slots to every runner of the process.
type Limiter struct {
	slots    *semaphore.Weighted
	capacity int
	breaker  *CircuitBreaker

	held     atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	rejected atomic.Int64
	peak     atomic.Int64
	waitedNs atomic.Int64
}

// NewLimiter returns a limiter guarded by a lenient breaker that opens after
// 100 consecutive failures.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, nil)
}

func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	maxConcurrent = max(maxConcurrent, 1)
	if cb == nil {
		cb = NewCircuitBreaker(100, defaultCooldown)
	}
	return &Limiter{
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
		capacity: maxConcurrent,
		breaker:  cb,
	}
}

// Acquire waits for a slot. While the breaker is open it fails fast with
// ErrCircuitOpen.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker.IsOpen() {
		l.rejected.Add(1)
		return perrors.ErrCircuitOpen
	}
	start := time.Now()
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	l.waitedNs.Add(int64(time.Since(start)))
	l.acquired.Add(1)
	held := l.held.Add(1)
	for {
		p := l.peak.Load()
		if held <= p || l.peak.CompareAndSwap(p, held) {
			break
		}
	}
	return nil
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (l *Limiter) Release() {
	for {
		held := l.held.Load()
		if held <= 0 {
			return
		}
		if l.held.CompareAndSwap(held, held-1) {
			break
		}
	}
	l.slots.Release(1)
	l.released.Add(1)
}

// Record feeds an invocation result to the breaker.
func (l *Limiter) Record(err error) {
	if err != nil {
		l.breaker.RecordFailure()
	} else {
		l.breaker.RecordSuccess()
	}
}

// Do runs fn inside a slot and records its result.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	err := fn()
	l.Record(err)
	return err
}

func (l *Limiter) InUse() int64 { return l.held.Load() }

func (l *Limiter) Capacity() int { return l.capacity }

func (l *Limiter) CircuitBreaker() *CircuitBreaker { return l.breaker }

func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired: l.acquired.Load(),
		Released: l.released.Load(),
		Rejected: l.rejected.Load(),
		Peak:     l.peak.Load(),
		Waited:   time.Duration(l.waitedNs.Load()),
	}
}
