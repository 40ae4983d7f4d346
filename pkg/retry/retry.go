// Package retry wraps step invocations in an optional retry policy.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Strategy selects how the wait between attempts grows.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Default intervals used when a policy leaves them unset.
const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultMaxInterval = 30 * time.Second
)

// Policy configures retries. The zero value performs a single attempt.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
	// MaxElapsed bounds the total time spent retrying, 0 for no bound.
	MaxElapsed time.Duration
}

// Notify is called before sleeping ahead of the next attempt.
type Notify func(attempt int, err error, wait time.Duration)

// Enabled reports whether the policy retries at all.
func (p Policy) Enabled() bool {
	return p.MaxAttempts > 1
}

// Validate checks the policy for inconsistent values.
func (p Policy) Validate() error {
	switch p.Strategy {
	case "", StrategyFixed, StrategyExponential:
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must not be negative")
	}
	if p.Interval < 0 || p.MaxInterval < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}
	return nil
}

func (p Policy) backOff() backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	if p.Strategy == StrategyExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = interval
		b.MaxInterval = p.MaxInterval
		if b.MaxInterval <= 0 {
			b.MaxInterval = DefaultMaxInterval
		}
		return b
	}
	return backoff.NewConstantBackOff(interval)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. It returns the number of attempts made and the
// last error returned by op.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, notify Notify) (int, error) {
	if !p.Enabled() {
		return 1, op(1)
	}

	attempts := 0
	var lastErr error
	operation := func() (struct{}, error) {
		attempts++
		err := op(attempts)
		lastErr = err
		if err != nil && perrors.IsPermanentError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempts, err, wait)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return attempts, nil
	}
	if lastErr != nil {
		return attempts, lastErr
	}
	return attempts, err
}
