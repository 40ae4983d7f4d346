package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/condition"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// task is one unit of dispatch: a node and the items it receives.
type task struct {
	node  *graph.Node
	items []*item.Item
	held  []heldFrame

	// reported marks results whose failure the driver recorded before the
	// task completed. Both fields belong to the driver goroutine.
	reported map[int]bool
	finished bool
}

// completion is what a finished task reports to the driver.
type completion struct {
	task    *task
	outcome runner.Outcome
	// routes holds, per output item, the edges it travels along.
	routes [][]int
	// err is a step-level failure.
	err error
	// nested carries the failures of a sub-graph run.
	nested []Failure
}

type driver struct {
	e      *Engine
	g      *graph.Graph
	run    *Run
	scope  scope
	em     *emitter
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	runners     []*runner.Runner
	queue       []*task
	running     map[*task]bool
	inFlight    int
	async       int
	completions chan completion
	signals     chan func()
	finished    chan struct{}

	halt     chan struct{}
	stopping bool
	stopped  bool
	grace    <-chan time.Time
	failErr  error

	frames  map[string]*frameState
	buffers map[bufferKey]*buffer
	byFrame map[string][]bufferKey
	// aggBuffers hold aggregate deliveries until their envelope settles.
	aggBuffers map[bufferKey]*buffer

	aggregators  map[int]*batch.Aggregator
	aggregatesOf map[int][]int
	collections  map[string]*collectionState
	// closedJoins holds, per joined frame, the fan-ins flushed by their
	// wait ceiling.
	closedJoins map[string]map[int]bool
	timers      []*time.Timer

	sources []*sourceState

	outputs  []*item.Item
	failures []Failure
	batches  []batch.Summary
	counts   Counts
	nodes    []*NodeStats
	routing  atomic.Int64
	vars     map[string]string
	started  time.Time
}

func newDriver(e *Engine, g *graph.Graph, run *Run, sc scope, em *emitter, logger *zap.Logger) *driver {
	d := &driver{
		e:            e,
		g:            g,
		run:          run,
		scope:        sc,
		em:           em,
		logger:       logger,
		runners:      make([]*runner.Runner, len(g.Nodes)),
		running:      make(map[*task]bool),
		completions:  make(chan completion, e.opts.MaxInFlightTasks),
		signals:      make(chan func(), 16),
		finished:     make(chan struct{}),
		halt:         make(chan struct{}),
		frames:       make(map[string]*frameState),
		buffers:      make(map[bufferKey]*buffer),
		byFrame:      make(map[string][]bufferKey),
		aggBuffers:   make(map[bufferKey]*buffer),
		aggregators:  make(map[int]*batch.Aggregator),
		aggregatesOf: make(map[int][]int),
		collections:  make(map[string]*collectionState),
		closedJoins:  make(map[string]map[int]bool),
		nodes:        make([]*NodeStats, len(g.Nodes)),
		vars:         run.vars,
		started:      time.Now(),
	}
	if def := g.Definition(); def != nil {
		d.vars = mergeVars(def.Vars, run.vars)
	}
	for i, n := range g.Nodes {
		d.nodes[i] = &NodeStats{Role: n.Role.String()}
		if n.Role == graph.RoleAggregate {
			d.aggregators[i] = batch.NewAggregator(n.ID)
			d.aggregatesOf[n.Split] = append(d.aggregatesOf[n.Split], i)
		}
	}
	return d
}

// drive runs the dispatch loop until the run completes, fails or is
// cancelled.
func (d *driver) drive(parent context.Context) *Result {
	ctx, span := d.e.tracer.Start(parent, "engine.run",
		trace.WithAttributes(
			attribute.String("run.id", d.run.ID),
			attribute.String("graph.id", d.g.ID),
			attribute.String("run.mode", string(d.run.Mode)),
			attribute.Int("run.depth", d.scope.depth),
		))
	defer span.End()

	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()
	defer close(d.finished)

	if err := d.buildRunners(); err != nil {
		d.fail(err)
	} else if err := d.startSources(); err != nil {
		d.fail(err)
	} else {
		d.seed()
	}

	stop := d.run.stop
	parentHalt := d.scope.parentHalt
	done := parent.Done()

	for {
		d.dispatch()
		if d.inFlight == 0 && d.async == 0 {
			if d.stopping {
				break
			}
			if len(d.queue) == 0 && !d.drainOne() {
				break
			}
			continue
		}

		select {
		case c := <-d.completions:
			d.complete(c)
		case fn := <-d.signals:
			fn()
		case <-stop:
			stop = nil
			d.cancelRun("cancel requested")
		case <-parentHalt:
			parentHalt = nil
			d.cancelRun("enclosing run stopped")
		case <-done:
			done = nil
			d.cancelRun("context cancelled")
		case <-d.grace:
			d.grace = nil
			d.logger.Warn("grace period elapsed, interrupting in-flight tasks",
				zap.Int("in_flight", d.inFlight))
			d.cancel()
		}
	}

	for _, t := range d.timers {
		t.Stop()
	}
	for _, b := range d.buffers {
		b.stopTimer()
	}
	res := d.result()
	span.SetAttributes(
		attribute.String("run.state", string(res.State)),
		attribute.Int("run.outputs", len(res.Outputs)),
		attribute.Int("run.failures", len(res.Failures)),
	)
	if res.State == StateFailed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res
}

func (d *driver) buildRunners() error {
	for i, n := range d.g.Nodes {
		if n.Step == nil || n.Role == graph.RoleSource {
			continue
		}
		r, err := runner.New(n.Step, n.Policy,
			runner.WithLimiter(d.e.opts.Limiter),
			runner.WithLogger(d.logger),
			runner.WithTracer(d.e.tracer))
		if err != nil {
			return perrors.NewConfigError(n.ID, "cannot build runner", err)
		}
		d.runners[i] = r
	}
	return nil
}

// seed enqueues the initial tasks. Paginated sources feed themselves.
func (d *driver) seed() {
	seed := d.run.seed
	if len(seed) == 0 {
		trigger := item.New(d.run.ID, nil)
		trigger.Metadata["trigger"] = "true"
		seed = []*item.Item{trigger}
	}
	first := true
	for _, i := range d.g.Start {
		n := d.g.Nodes[i]
		if n.Role == graph.RoleSource {
			continue
		}
		items := seed
		if !first {
			items = item.CloneAll(seed)
		}
		first = false
		d.enqueue(n, items)
	}
}

func (d *driver) enqueue(n *graph.Node, items []*item.Item) {
	if len(items) == 0 {
		return
	}
	t := &task{node: n, items: items, held: d.hold(items, "")}
	d.queue = append(d.queue, t)
	d.counts.Tasks++
}

func (d *driver) dispatch() {
	for !d.stopping && d.inFlight < d.e.opts.MaxInFlightTasks && len(d.queue) > 0 {
		t := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]

		stats := d.nodes[t.node.Index]
		stats.Tasks++
		stats.ItemsIn += len(t.items)

		switch t.node.Role {
		case graph.RoleSplit:
			d.split(t)
		case graph.RoleSubgraph:
			d.inFlight++
			d.running[t] = true
			go d.runSubgraph(t)
		default:
			d.inFlight++
			d.running[t] = true
			go d.runStep(t)
		}
	}
}

func (d *driver) runInfo(n *graph.Node) step.RunInfo {
	return step.RunInfo{
		RunID:   d.run.ID,
		GraphID: d.g.ID,
		NodeID:  n.ID,
		Mode:    string(d.run.Mode),
		Depth:   d.scope.depth,
	}
}

func (d *driver) runStep(t *task) {
	n := t.node
	d.em.emit(events.Event{Type: events.NodeStarted, NodeID: n.ID, Data: map[string]any{"items": len(t.items)}})

	req := runner.Request{
		Items: t.items,
		Run:   d.runInfo(n),
		Stop:  d.halt,
	}
	if n.Policy.ContinueOnError {
		// failures reach the aggregates while the rest of the task runs
		req.OnResult = func(r runner.Result) {
			if r.Err != nil {
				d.signal(func() { d.earlyFailure(t, r) })
			}
		}
	}
	out := d.runners[n.Index].Run(d.ctx, req)
	c := completion{task: t, outcome: out, err: out.Err}
	if out.Err == nil {
		c.routes = d.evaluate(n, out.Items)
	}
	d.completions <- c
}

// evaluate decides, per item, which outgoing edges of n it travels. A
// predicate that cannot be evaluated leaves its edge untaken.
func (d *driver) evaluate(n *graph.Node, items []*item.Item) [][]int {
	routes := make([][]int, len(items))
	for i, it := range items {
		for _, ei := range n.Out {
			e := d.g.Edges[ei]
			if e.Cond == nil {
				routes[i] = append(routes[i], ei)
				continue
			}
			to := d.g.Nodes[e.To].ID
			ok, err := e.Cond.Evaluate(d.ctx, it, condition.Env{
				RunID:   d.run.ID,
				GraphID: d.g.ID,
				From:    n.ID,
				To:      to,
				Mode:    string(d.run.Mode),
				Vars:    d.vars,
			})
			if err != nil {
				rerr := perrors.NewRoutingError(n.ID, to, it.Key(), err)
				d.routing.Add(1)
				d.logger.Warn("edge predicate failed, edge not taken",
					zap.String("from", n.ID),
					zap.String("to", to),
					zap.String("item_id", it.Key()),
					zap.String("condition", e.Cond.String()),
					zap.Error(err))
				d.em.emitErr(events.Event{
					Type:   events.EdgeRoutingFailed,
					NodeID: n.ID,
					ItemID: it.Key(),
					Data:   map[string]any{"to": to},
				}, rerr)
				continue
			}
			if ok {
				routes[i] = append(routes[i], ei)
			}
		}
	}
	return routes
}

// earlyFailure records a failed result ahead of its task's completion.
func (d *driver) earlyFailure(t *task, r runner.Result) {
	if t.finished {
		return
	}
	if t.reported == nil {
		t.reported = make(map[int]bool)
	}
	t.reported[r.Index] = true
	d.itemFailed(t.node, r.Input, r.Err)
}

func (d *driver) complete(c completion) {
	d.inFlight--
	t := c.task
	t.finished = true
	delete(d.running, t)
	n := t.node
	stats := d.nodes[n.Index]
	st := c.outcome.Stats
	stats.Duration += st.Duration
	stats.Retries += st.Retries
	stats.Skipped += st.Skipped
	stats.Dropped += st.Dropped
	stats.Cancelled += st.Cancelled
	d.counts.Processed += st.Processed
	d.counts.Succeeded += st.Succeeded
	d.counts.Skipped += st.Skipped
	d.counts.Dropped += st.Dropped
	d.counts.Cancelled += st.Cancelled
	d.counts.Retries += st.Retries

	d.failures = append(d.failures, c.nested...)

	if c.err != nil {
		d.stepFailed(t, c)
		d.release(t.held)
		d.publishStatus()
		return
	}

	for _, r := range c.outcome.Results {
		switch {
		case r.Err != nil:
			if !t.reported[r.Index] {
				d.itemFailed(n, r.Input, r.Err)
			}
		case r.Dropped():
			d.notifyDrop(r.Input)
		}
	}

	d.em.emit(events.Event{Type: events.NodeFinished, NodeID: n.ID, Data: map[string]any{
		"processed": st.Processed,
		"produced":  len(c.outcome.Items),
		"failed":    st.Failed,
		"skipped":   st.Skipped,
		"cancelled": st.Cancelled,
		"duration":  st.Duration.String(),
	}})

	d.route(n, c.outcome.Items, c.routes)
	d.release(t.held)
	d.publishStatus()
}

// stepFailed handles a step-level error: downgraded to item errors when
// the node continues on error, otherwise the run fails.
func (d *driver) stepFailed(t *task, c completion) {
	n := t.node
	d.nodes[n.Index].Err = c.err
	d.em.emitErr(events.Event{Type: events.NodeFailed, NodeID: n.ID}, c.err)

	if d.stopped && d.failErr == nil {
		// interrupted by the cancellation itself
		d.nodes[n.Index].Cancelled += len(t.items)
		d.counts.Cancelled += len(t.items)
		return
	}
	if !n.Policy.ContinueOnError || d.stopping {
		d.fail(c.err)
		return
	}

	d.logger.Warn("step failed, continuing with item errors",
		zap.String("node_id", n.ID),
		zap.Int("items", len(t.items)),
		zap.Error(c.err))
	for i, it := range t.items {
		if t.reported[i] {
			continue
		}
		d.itemFailed(n, it, perrors.NewItemError(n.ID, it.Key(), c.err))
	}
}

func (d *driver) itemFailed(n *graph.Node, it *item.Item, err error) {
	if coll, late := d.expiredCollection(it); late {
		// the aggregate reported the item when the collection timed out
		d.markFailed(it)
		d.logger.Debug("item failed after its collection timed out",
			zap.String("node_id", n.ID),
			zap.String("item_id", it.Key()),
			zap.String("collection_id", coll),
			zap.Error(err))
		return
	}
	d.failures = append(d.failures, Failure{ItemID: it.Key(), NodeID: n.ID, Err: err})
	d.nodes[n.Index].Failed++
	d.markFailed(it)
	d.notifyFail(it, err)
	d.em.emitErr(events.Event{Type: events.ItemFailed, NodeID: n.ID, ItemID: it.Key()}, err)
}

// route sends the outputs of n along the edges chosen for them. Items
// leaving a fork node get a fresh frame each so the paired fan-in can tell
// their descendants apart; an item taking several edges is cloned for
// every edge after the first.
func (d *driver) route(n *graph.Node, items []*item.Item, routes [][]int) {
	stats := d.nodes[n.Index]
	stats.ItemsOut += len(items)

	if n.IsSink() {
		for _, it := range items {
			d.em.emit(events.Event{Type: events.ItemProduced, NodeID: n.ID, ItemID: it.Key(), Data: map[string]any{"sink": true}})
		}
		d.outputs = append(d.outputs, items...)
		return
	}

	targets := make(map[int][]*item.Item)
	var order []int
	var forks []item.Frame
	for i, it := range items {
		if n.IsFork {
			f := item.Frame{ID: uuid.NewString(), Kind: item.FrameFork, Node: n.ID, Index: i}
			it.Push(f)
			forks = append(forks, f)
		}
		var edges []int
		if i < len(routes) {
			edges = routes[i]
		}
		if len(edges) == 0 {
			stats.Dropped++
			d.counts.Dropped++
			d.notifyDrop(it)
			continue
		}
		d.em.emit(events.Event{Type: events.ItemProduced, NodeID: n.ID, ItemID: it.Key()})
		for k, ei := range edges {
			to := d.g.Edges[ei].To
			routed := it
			if k > 0 {
				routed = it.Clone()
			}
			if _, seen := targets[to]; !seen {
				order = append(order, to)
			}
			targets[to] = append(targets[to], routed)
		}
	}

	for _, to := range order {
		d.deliver(n, d.g.Nodes[to], targets[to])
	}

	// a fork frame nothing holds (its items went straight into buffers or
	// were dropped) settles right away
	for _, f := range forks {
		if _, held := d.frames[f.ID]; !held {
			d.forkSettled(f)
		}
	}
}

// deliver hands items to a node: buffered for fan-ins and aggregates,
// queued as a task otherwise.
func (d *driver) deliver(from, target *graph.Node, items []*item.Item) {
	switch {
	case target.Role == graph.RoleAggregate:
		d.arriveAtAggregate(target, items)
	case target.FanIn:
		for _, it := range items {
			d.bufferItem(from, target, d.forkFrame(it, target.Fork), it)
		}
	default:
		d.enqueue(target, items)
	}
}

// notifyDrop tells the aggregators of every batch region the item is in
// that it was consumed without output.
func (d *driver) notifyDrop(it *item.Item) {
	for _, f := range it.Lineage {
		if f.Kind != item.FrameBatch {
			continue
		}
		coll, idx, ok := batch.ParseFrameID(f.ID)
		if !ok || d.collectionExpired(coll) {
			continue
		}
		for _, a := range d.aggregatesFor(f.Node) {
			d.aggregators[a].Drop(coll, idx, it.Key())
		}
	}
}

func (d *driver) notifyFail(it *item.Item, err error) {
	for _, f := range it.Lineage {
		if f.Kind != item.FrameBatch {
			continue
		}
		coll, idx, ok := batch.ParseFrameID(f.ID)
		if !ok || d.collectionExpired(coll) {
			continue
		}
		for _, a := range d.aggregatesFor(f.Node) {
			d.aggregators[a].Fail(coll, idx, it.Key(), err)
		}
	}
}

func (d *driver) aggregatesFor(splitID string) []int {
	n, ok := d.g.Node(splitID)
	if !ok {
		return nil
	}
	return d.aggregatesOf[n.Index]
}

// signal runs fn on the driver goroutine. It is a no-op after the run ended.
func (d *driver) signal(fn func()) {
	select {
	case d.signals <- fn:
	case <-d.finished:
	}
}

func (d *driver) fail(err error) {
	if d.failErr == nil {
		d.failErr = err
	}
	d.stopAll()
}

func (d *driver) cancelRun(reason string) {
	if !d.stopping {
		d.logger.Info("run stopping", zap.String("reason", reason), zap.Int("in_flight", d.inFlight))
	}
	d.stopped = true
	d.stopAll()
}

func (d *driver) stopAll() {
	if d.stopping {
		return
	}
	d.stopping = true
	close(d.halt)
	d.grace = time.After(d.e.opts.CancelGrace)
}

func (d *driver) publishStatus() {
	c := d.counts
	c.Failed = len(d.failures)
	c.RoutingFailures = int(d.routing.Load())
	d.run.update(c, len(d.outputs), len(d.failures))
}

// drainOne makes progress once nothing is queued or running: it flushes
// the earliest waiting buffer (fan-ins that pair with the run root flush
// here) or closes aggregations that can no longer complete. It reports
// whether anything happened.
func (d *driver) drainOne() bool {
	if key, ok := d.earliestBuffer(); ok {
		if key.frame != "" {
			d.logger.Debug("flushing buffer at drain",
				zap.String("node_id", d.g.Nodes[key.node].ID),
				zap.String("frame", key.frame))
		}
		d.flush(key)
		return true
	}
	progressed := false
	for _, a := range d.g.Order {
		agg, ok := d.aggregators[a]
		if !ok {
			continue
		}
		for _, coll := range agg.Pending() {
			d.logger.Warn("closing aggregation left open at drain",
				zap.String("node_id", d.g.Nodes[a].ID),
				zap.String("collection_id", coll))
			d.expire(a, coll)
			progressed = true
		}
	}
	return progressed
}

func (d *driver) result() *Result {
	res := &Result{
		RunID:       d.run.ID,
		GraphID:     d.g.ID,
		Mode:        d.run.Mode,
		Failures:    d.failures,
		Batches:     d.batches,
		Nodes:       make(map[string]*NodeStats, len(d.g.Nodes)),
		Checkpoints: d.checkpoints(),
		StartedAt:   d.started,
		FinishedAt:  time.Now(),
	}

	// work that never ran counts as cancelled
	for _, t := range d.queue {
		d.counts.Cancelled += len(t.items)
		d.nodes[t.node.Index].Cancelled += len(t.items)
	}
	for _, b := range d.buffers {
		d.counts.Cancelled += len(b.items)
	}
	for _, b := range d.aggBuffers {
		d.counts.Cancelled += len(b.items)
	}

	d.counts.Failed = len(d.failures)
	d.counts.RoutingFailures = int(d.routing.Load())
	res.Counts = d.counts
	for i, n := range d.g.Nodes {
		res.Nodes[n.ID] = d.nodes[i]
	}

	switch {
	case d.failErr != nil:
		res.State = StateFailed
		res.Err = d.failErr
	case d.stopped:
		res.State = StateCancelled
		res.Err = perrors.ErrCancelled
		res.Outputs = d.outputs
	default:
		res.State = StateCompleted
		res.Outputs = d.outputs
	}
	return res
}

func mergeVars(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
