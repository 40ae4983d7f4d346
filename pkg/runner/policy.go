package runner

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/retry"
)

// Policy configures how a runner drives one step.
type Policy struct {
	// Parallelism is the number of items processed at once.
	// 1 processes items sequentially in input order.
	// Default: 1
	Parallelism int

	// ItemTimeout bounds each item invocation, 0 for no bound. A step that
	// ignores its context is abandoned when the deadline passes.
	ItemTimeout time.Duration

	// StepTimeout bounds the whole invocation, 0 for no bound.
	StepTimeout time.Duration

	// ContinueOnError marks a failing item as failed and keeps going.
	// When false the first failure fails the step.
	ContinueOnError bool

	// Retry wraps each item invocation. The zero value does not retry.
	Retry retry.Policy

	// PreserveOrder emits outputs in input order rather than completion order.
	// Default: true
	PreserveOrder bool
}

// DefaultPolicy returns sequential, fail-fast processing with no timeouts.
func DefaultPolicy() Policy {
	return Policy{
		Parallelism:   1,
		PreserveOrder: true,
	}
}

// Validate validates the policy and applies defaults.
func (p *Policy) Validate() error {
	if p.Parallelism <= 0 {
		p.Parallelism = 1
	}
	if p.ItemTimeout < 0 {
		p.ItemTimeout = 0
	}
	if p.StepTimeout < 0 {
		p.StepTimeout = 0
	}
	return p.Retry.Validate()
}

// WithParallelism sets the number of concurrent items.
func (p Policy) WithParallelism(n int) Policy {
	p.Parallelism = n
	return p
}

// WithItemTimeout sets the per-item deadline.
func (p Policy) WithItemTimeout(d time.Duration) Policy {
	p.ItemTimeout = d
	return p
}

// WithStepTimeout sets the per-invocation deadline.
func (p Policy) WithStepTimeout(d time.Duration) Policy {
	p.StepTimeout = d
	return p
}

// WithContinueOnError sets whether failing items are excluded instead of failing the step.
func (p Policy) WithContinueOnError(v bool) Policy {
	p.ContinueOnError = v
	return p
}

// WithRetry sets the retry policy.
func (p Policy) WithRetry(r retry.Policy) Policy {
	p.Retry = r
	return p
}

// WithPreserveOrder sets whether outputs keep input order.
func (p Policy) WithPreserveOrder(v bool) Policy {
	p.PreserveOrder = v
	return p
}
