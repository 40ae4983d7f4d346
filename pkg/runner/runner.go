// Package runner drives a single step over a finite collection of items
// with bounded parallelism, per-item deadlines, optional retries and
// continue-on-error semantics.
package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// Request is one invocation of a runner.
type Request struct {
	Items []*item.Item
	Run   step.RunInfo
	// Stop, when closed, prevents further items from being dispatched.
	// Items already handed to a worker finish normally.
	Stop <-chan struct{}
	// OnResult is called for every finished item from a single goroutine,
	// before Run returns. Batch steps have no per-item results and never
	// call it.
	OnResult func(Result)
}

// Runner wraps one step instance.
type Runner struct {
	step    step.Step
	policy  Policy
	limiter *concurrency.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLimiter shares a process-wide limiter with the runner.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(r *Runner) { r.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer overrides the tracer, mainly for tests.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// New creates a runner for s.
func New(s step.Step, policy Policy, opts ...Option) (*Runner, error) {
	if s == nil {
		return nil, errors.New("step cannot be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy for node %s: %w", s.NodeID(), err)
	}

	r := &Runner{
		step:   s,
		policy: policy,
		logger: zap.NewNop(),
		tracer: otel.Tracer("daedalus/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("node_id", s.NodeID()), zap.String("step_type", s.StepType()))
	return r, nil
}

// Step returns the wrapped step.
func (r *Runner) Step() step.Step {
	return r.step
}

// Policy returns the effective policy.
func (r *Runner) Policy() Policy {
	return r.policy
}

// Run processes req.Items and returns the outcome. It never panics on a
// step panic; the panic becomes the item's error.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "runner."+r.step.NodeID(),
		trace.WithAttributes(
			attribute.String("node.id", r.step.NodeID()),
			attribute.String("step.type", r.step.StepType()),
			attribute.String("run.id", req.Run.RunID),
			attribute.Int("items.count", len(req.Items)),
			attribute.Int("policy.parallelism", r.policy.Parallelism),
		))
	defer span.End()

	if r.policy.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.StepTimeout)
		defer cancel()
	}

	var out Outcome
	if bs, ok := r.step.(step.BatchStep); ok {
		out = r.runBatch(ctx, bs, req)
	} else {
		out = r.runItems(ctx, req)
	}
	out.Stats.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("items.produced", out.Stats.Produced),
		attribute.Int("items.failed", out.Stats.Failed),
		attribute.Int("items.cancelled", out.Stats.Cancelled),
		attribute.Int64("processing.duration_ms", out.Stats.Duration.Milliseconds()),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	r.logger.Debug("step finished",
		zap.String("run_id", req.Run.RunID),
		zap.Int("processed", out.Stats.Processed),
		zap.Int("failed", out.Stats.Failed),
		zap.Int("cancelled", out.Stats.Cancelled),
		zap.Duration("duration", out.Stats.Duration))
	return out
}

func (r *Runner) runItems(ctx context.Context, req Request) Outcome {
	n := len(req.Items)
	out := Outcome{Results: make([]Result, n)}
	if n == 0 {
		return out
	}

	halt := make(chan struct{})
	var haltOnce sync.Once

	// Workers re-check the signals when they pick up a job so an item
	// queued behind a failure or a stop is reported as cancelled.
	pool := newWorkerPool(min(r.policy.Parallelism, n), func(ctx context.Context, index int) Result {
		if signalled(req.Stop) || signalled(halt) {
			return Result{Index: index, Input: req.Items[index], Cancelled: true}
		}
		res := r.processItem(ctx, req, index)
		if res.Err != nil && !r.policy.ContinueOnError {
			haltOnce.Do(func() { close(halt) })
		}
		return res
	}, r.logger)
	pool.start(ctx)
	go pool.submitAll(ctx, n, req.Stop, halt)

	seen := make([]bool, n)
	order := make([]int, 0, n)
	for res := range pool.results() {
		seen[res.Index] = true
		out.Results[res.Index] = res
		order = append(order, res.Index)

		if res.Err != nil && !r.policy.ContinueOnError && out.Err == nil {
			out.Err = perrors.NewStepError(r.step.NodeID(), res.Err)
		}
		if req.OnResult != nil {
			req.OnResult(res)
		}
	}

	for i := range out.Results {
		if !seen[i] {
			res := Result{Index: i, Input: req.Items[i], Cancelled: true}
			out.Results[i] = res
			order = append(order, i)
			if req.OnResult != nil {
				req.OnResult(res)
			}
		}
	}

	if out.Err == nil && r.policy.StepTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.Err = perrors.NewStepError(r.step.NodeID(), perrors.NewTimeoutError(r.step.NodeID(), "", r.policy.StepTimeout))
	}

	if r.policy.PreserveOrder {
		slices.Sort(order)
	}
	for _, i := range order {
		out.Items = append(out.Items, out.Results[i].Outputs...)
	}
	out.tally()
	return out
}

func (r *Runner) processItem(ctx context.Context, req Request, index int) Result {
	in := req.Items[index]
	res := Result{Index: index, Input: in}
	if ctx.Err() != nil {
		res.Cancelled = true
		return res
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "runner.item",
		trace.WithAttributes(
			attribute.String("node.id", r.step.NodeID()),
			attribute.String("item.id", in.Key()),
			attribute.Int("item.index", index),
		))
	defer span.End()

	var out step.Output
	attempts, err := r.policy.Retry.Do(ctx, func(attempt int) error {
		out = r.invokeOnce(ctx, req.Run, in, index)
		return out.Error
	}, func(attempt int, err error, wait time.Duration) {
		r.logger.Debug("retrying item",
			zap.String("item_id", in.Key()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	res.Attempts = attempts
	res.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("item.attempts", attempts))

	if err != nil {
		if ctx.Err() != nil && !perrors.IsKind(err, perrors.KindTimeout) {
			res.Cancelled = true
			return res
		}
		res.Err = r.itemError(in, err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		r.logger.Debug("item failed", zap.String("item_id", in.Key()), zap.Error(err))
		return res
	}

	if out.Skipped {
		res.Skipped = true
		res.SkipReason = out.SkipReason
		return res
	}
	res.Outputs = r.adopt(out.Items, func(*item.Item) *item.Item { return in })
	return res
}

// invokeOnce runs the step for a single attempt on a private copy of the
// item. When the item deadline passes first the step is abandoned.
func (r *Runner) invokeOnce(ctx context.Context, run step.RunInfo, in *item.Item, index int) step.Output {
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx); err != nil {
			return step.Failure(err)
		}
		defer r.limiter.Release()
	}

	itemCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.policy.ItemTimeout > 0 {
		itemCtx, cancel = context.WithTimeout(ctx, r.policy.ItemTimeout)
	}
	defer cancel()

	owned := in.Clone()
	done := make(chan step.Output, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- step.Failure(fmt.Errorf("step panicked: %v", p))
			}
		}()
		done <- r.step.Process(itemCtx, step.Input{Item: owned, Index: index, Run: run})
	}()

	var out step.Output
	select {
	case out = <-done:
	case <-itemCtx.Done():
		out = step.Failure(itemCtx.Err())
	}

	if out.Error != nil && ctx.Err() == nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
		out.Error = perrors.NewTimeoutError(r.step.NodeID(), in.Key(), r.policy.ItemTimeout)
	}
	if r.limiter != nil {
		r.limiter.Record(out.Error)
	}
	return out
}

func (r *Runner) runBatch(ctx context.Context, bs step.BatchStep, req Request) Outcome {
	n := len(req.Items)
	var out Outcome
	if n == 0 {
		return out
	}
	if signalled(req.Stop) || ctx.Err() != nil {
		out.Results = make([]Result, n)
		for i, it := range req.Items {
			out.Results[i] = Result{Index: i, Input: it, Cancelled: true}
		}
		out.tally()
		return out
	}

	type batchResult struct {
		items []*item.Item
		err   error
	}
	owned := item.CloneAll(req.Items)
	done := make(chan batchResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- batchResult{err: fmt.Errorf("step panicked: %v", p)}
			}
		}()
		items, err := bs.ProcessBatch(ctx, owned, req.Run)
		done <- batchResult{items: items, err: err}
	}()

	var res batchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil && r.policy.StepTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.err = perrors.NewTimeoutError(r.step.NodeID(), "", r.policy.StepTimeout)
	}

	out.Stats.Processed = n
	if res.err != nil {
		out.Err = perrors.NewStepError(r.step.NodeID(), res.err)
		out.Stats.Failed = n
		return out
	}

	byKey := make(map[string]*item.Item, n)
	for _, it := range req.Items {
		byKey[it.Key()] = it
	}
	out.Items = r.adopt(res.items, func(o *item.Item) *item.Item {
		if src, ok := byKey[o.Key()]; ok {
			return src
		}
		return req.Items[0]
	})
	out.Stats.Succeeded = n
	out.Stats.Produced = len(out.Items)
	return out
}

// adopt prepares step outputs for routing: outputs created by the step
// inherit the lineage of their source item and every output records the
// visit to this node.
func (r *Runner) adopt(outputs []*item.Item, source func(*item.Item) *item.Item) []*item.Item {
	adopted := make([]*item.Item, 0, len(outputs))
	for _, o := range outputs {
		if o == nil {
			continue
		}
		if len(o.Lineage) == 0 {
			if src := source(o); src != nil && len(src.Lineage) > 0 {
				o.Lineage = slices.Clone(src.Lineage)
			}
		}
		o.Visit(r.step.NodeID())
		adopted = append(adopted, o)
	}
	return adopted
}

func (r *Runner) itemError(in *item.Item, err error) error {
	var pe *perrors.PipelineError
	if errors.As(err, &pe) && pe.Kind == perrors.KindItem {
		return err
	}
	return perrors.NewItemError(r.step.NodeID(), in.Key(), err)
}
