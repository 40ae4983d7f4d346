package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/runner"
)

// runSubgraph executes the graph named by a sub-graph node as a nested run
// seeded with the task items. The nested run publishes to the same bus
// under the root run id, stops when this run stops, and hands its sink
// outputs back as the node's outputs.
func (d *driver) runSubgraph(t *task) {
	n := t.node
	start := time.Now()
	c := completion{task: t}

	depth := d.scope.depth + 1
	if depth > d.e.opts.MaxSubgraphDepth {
		c.err = perrors.NewStepError(n.ID,
			fmt.Errorf("%w: %s at depth %d (max %d)", perrors.ErrRecursionLimit, n.SubGraph, depth, d.e.opts.MaxSubgraphDepth))
		c.outcome.Stats.Failed = len(t.items)
		d.completions <- c
		return
	}

	// the nested run starts its own lineage; the enclosing frames are
	// restored on the way out
	seeds := item.CloneAll(t.items)
	for _, it := range seeds {
		it.Lineage = nil
	}
	child := newRun(Request{
		RunID:   uuid.NewString(),
		GraphID: n.SubGraph,
		Seed:    seeds,
		Mode:    d.run.Mode,
	})

	d.em.emit(events.Event{Type: events.SubgraphStarted, NodeID: n.ID, Data: map[string]any{
		"subRunId": child.ID,
		"graph":    n.SubGraph,
		"items":    len(seeds),
		"depth":    depth,
	}})

	d.e.execute(d.ctx, child, scope{
		root:       d.scope.root,
		parentNode: n.ID,
		depth:      depth,
		parentHalt: d.halt,
	})
	res := child.Result()

	d.em.emitErr(events.Event{Type: events.SubgraphFinished, NodeID: n.ID, Data: map[string]any{
		"subRunId": child.ID,
		"state":    string(res.State),
		"outputs":  len(res.Outputs),
		"failures": len(res.Failures),
	}}, res.Err)

	c.nested = res.Failures
	c.outcome.Stats.Duration = time.Since(start)
	c.outcome.Stats.Processed = len(t.items)
	if res.State != StateCompleted {
		d.logger.Debug("nested run did not complete",
			zap.String("node_id", n.ID),
			zap.String("sub_run_id", child.ID),
			zap.String("state", string(res.State)),
			zap.Error(res.Err))
		c.err = perrors.NewStepError(n.ID, res.Err)
		c.outcome.Stats.Failed = len(t.items)
		d.completions <- c
		return
	}

	outputs := restoreLineage(t.items, res.Outputs)
	for _, o := range outputs {
		o.Visit(n.ID)
	}
	c.outcome = runner.Outcome{
		Items: outputs,
		Stats: runner.Stats{
			Processed: len(t.items),
			Succeeded: len(t.items),
			Produced:  len(outputs),
			Duration:  time.Since(start),
		},
	}
	c.routes = d.evaluate(n, outputs)
	d.completions <- c
}

// restoreLineage gives each output the lineage of the input it descends
// from, matched by key, or of the first input when nothing matches.
func restoreLineage(inputs, outputs []*item.Item) []*item.Item {
	if len(inputs) == 0 {
		return outputs
	}
	byKey := make(map[string]*item.Item, len(inputs))
	for _, in := range inputs {
		if _, dup := byKey[in.Key()]; !dup {
			byKey[in.Key()] = in
		}
	}
	for _, o := range outputs {
		src, ok := byKey[o.Key()]
		if !ok {
			src = inputs[0]
		}
		o.Lineage = slices.Clone(src.Lineage)
	}
	return outputs
}
