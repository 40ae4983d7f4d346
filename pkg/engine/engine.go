// Package engine executes compiled graphs. A run is driven by a single
// goroutine that owns the ready queue, the fan-in buffers and the lineage
// frame counters; node tasks run concurrently up to a bound and report back
// to the driver when they finish.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/condition"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

const (
	// DefaultMaxInFlightTasks bounds node tasks running at once per run.
	DefaultMaxInFlightTasks = 4
	// DefaultMaxSubgraphDepth bounds nested sub-graph invocation.
	DefaultMaxSubgraphDepth = 8
	// DefaultCancelGrace is how long in-flight tasks may keep running after
	// a stop before their context is cancelled.
	DefaultCancelGrace = 30 * time.Second
)

// GraphSource resolves graph ids to definitions.
type GraphSource interface {
	Definition(id string) (*graph.Definition, error)
}

// Definitions is a GraphSource backed by a map.
type Definitions map[string]*graph.Definition

// Definition implements GraphSource.
func (d Definitions) Definition(id string) (*graph.Definition, error) {
	def, ok := d[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrUnknownGraph, id)
	}
	return def, nil
}

// Options configures an Engine.
type Options struct {
	// Graphs resolves graph ids for runs and sub-graph nodes. Required.
	Graphs GraphSource
	// Registry builds steps. Required unless every graph only uses
	// built-in node types.
	Registry *step.Registry
	// Conditions compiles edge predicates. Nil uses a compiler without
	// named functions.
	Conditions *condition.Compiler
	// Bus receives run events. Nil creates a private bus.
	Bus *events.Bus
	// Checkpoints persists source positions. Nil keeps them in memory.
	Checkpoints checkpoint.Store
	// Limiter caps step invocations across runs. Optional.
	Limiter *concurrency.Limiter

	MaxInFlightTasks   int
	MaxSubgraphDepth   int
	DefaultParallelism int
	DefaultItemTimeout time.Duration
	ExpressionTimeout  time.Duration
	CancelGrace        time.Duration

	Logger *zap.Logger
	Tracer trace.Tracer
}

// Engine compiles and executes runs.
type Engine struct {
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Graphs == nil {
		return nil, errors.New("graph source cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("daedalus/engine")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(events.WithLogger(opts.Logger))
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = checkpoint.NewMemoryStore()
	}
	if opts.Conditions == nil {
		opts.Conditions = condition.NewCompiler(nil, nil)
	}
	if opts.MaxInFlightTasks <= 0 {
		opts.MaxInFlightTasks = DefaultMaxInFlightTasks
	}
	if opts.MaxSubgraphDepth <= 0 {
		opts.MaxSubgraphDepth = DefaultMaxSubgraphDepth
	}
	if opts.DefaultParallelism <= 0 {
		opts.DefaultParallelism = 1
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	return &Engine{opts: opts, logger: opts.Logger, tracer: opts.Tracer}, nil
}

// Bus returns the event bus runs publish to.
func (e *Engine) Bus() *events.Bus { return e.opts.Bus }

// Checkpoints returns the checkpoint store.
func (e *Engine) Checkpoints() checkpoint.Store { return e.opts.Checkpoints }

// Request describes a run.
type Request struct {
	// RunID is generated when empty.
	RunID   string
	GraphID string
	// Seed items are handed to every start node that is not a paginated
	// source. When empty, those nodes receive a single trigger item.
	Seed []*item.Item
	Mode checkpoint.Mode
	// Vars override the graph's vars during placeholder resolution.
	Vars map[string]string
}

// Execute runs req to completion. The returned error is the run's error:
// nil for a completed run, the failure cause for a failed run and
// ErrCancelled for a cancelled one. The result is nil only when the
// request itself is invalid.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	run, err := e.newRun(req)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, run, scope{root: run.ID, depth: 0})
	res := run.Result()
	return res, res.Err
}

// Validate compiles the graph without running it.
func (e *Engine) Validate(graphID string, vars map[string]string) error {
	g, err := e.compile(graphID, vars)
	if err != nil {
		return err
	}
	return g.Close()
}

func (e *Engine) newRun(req Request) (*Run, error) {
	if req.GraphID == "" {
		return nil, perrors.NewConfigError("", "graph id is required", nil)
	}
	if req.Mode == "" {
		req.Mode = checkpoint.ModeFull
	}
	if _, err := checkpoint.ParseMode(string(req.Mode)); err != nil {
		return nil, perrors.NewConfigError("", err.Error(), nil)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	req.Vars = maps.Clone(req.Vars)
	return newRun(req), nil
}

func (e *Engine) compile(graphID string, vars map[string]string) (*graph.Graph, error) {
	def, err := e.opts.Graphs.Definition(graphID)
	if err != nil {
		return nil, err
	}
	return graph.Compile(def, graph.Options{
		Registry:           e.opts.Registry,
		Conditions:         e.opts.Conditions,
		Vars:               vars,
		DefaultParallelism: e.opts.DefaultParallelism,
		DefaultItemTimeout: e.opts.DefaultItemTimeout,
		ExpressionTimeout:  e.opts.ExpressionTimeout,
		Logger:             e.logger,
	})
}

// scope places a run in the tree of nested runs.
type scope struct {
	root       string
	parentNode string
	depth      int
	// parentHalt is closed when the enclosing run stops.
	parentHalt <-chan struct{}
}

func (s scope) nested() bool { return s.depth > 0 }

// execute drives run and records its result. It never returns early
// without a result.
func (e *Engine) execute(ctx context.Context, run *Run, sc scope) {
	em := &emitter{bus: e.opts.Bus, runID: sc.root, graphID: run.GraphID}
	if sc.nested() {
		em.subRunID = run.ID
		em.parentNodeID = sc.parentNode
	} else {
		e.opts.Bus.Open(run.ID)
		defer e.opts.Bus.Close(run.ID)
	}

	logger := e.logger.With(
		zap.String("run_id", run.ID),
		zap.String("graph_id", run.GraphID),
		zap.Int("depth", sc.depth))

	run.start()
	em.emit(events.Event{Type: events.RunStarted, Data: map[string]any{
		"mode":  string(run.Mode),
		"seed":  len(run.seed),
		"depth": sc.depth,
	}})
	logger.Info("run started", zap.String("mode", string(run.Mode)))

	g, err := e.compile(run.GraphID, run.vars)
	if err != nil {
		res := run.failedResult(err)
		e.finish(run, em, res, logger)
		return
	}
	defer func() {
		if err := g.Close(); err != nil {
			logger.Warn("failed to release steps", zap.Error(err))
		}
	}()

	d := newDriver(e, g, run, sc, em, logger)
	res := d.drive(ctx)
	e.finish(run, em, res, logger)
}

func (e *Engine) finish(run *Run, em *emitter, res *Result, logger *zap.Logger) {
	// the terminal event is published before waiters are released
	defer run.complete(res)

	typ := events.RunCompleted
	switch res.State {
	case StateFailed:
		typ = events.RunFailed
	case StateCancelled:
		typ = events.RunCancelled
	}
	em.emitErr(events.Event{Type: typ, Data: map[string]any{
		"outputs":  len(res.Outputs),
		"failures": len(res.Failures),
		"duration": res.FinishedAt.Sub(res.StartedAt).String(),
	}}, res.Err)

	fields := []zap.Field{
		zap.String("state", string(res.State)),
		zap.Int("outputs", len(res.Outputs)),
		zap.Int("failures", len(res.Failures)),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	}
	if res.Err != nil && res.State == StateFailed {
		logger.Error("run failed", append(fields, zap.Error(res.Err))...)
		return
	}
	logger.Info("run finished", fields...)
}

// emitter stamps events with the run's identity.
type emitter struct {
	bus          *events.Bus
	runID        string
	subRunID     string
	parentNodeID string
	graphID      string
}

func (m *emitter) emit(e events.Event) {
	e.RunID = m.runID
	e.SubRunID = m.subRunID
	e.ParentNodeID = m.parentNodeID
	e.GraphID = m.graphID
	m.bus.Publish(e)
}

func (m *emitter) emitErr(e events.Event, err error) {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = perrors.Categorize(err)
	}
	m.emit(e)
}
