package engine

import (
	"cmp"
	"time"

	"go.uber.org/zap"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/item"
)

// bufferKey identifies a waiting buffer: the node it feeds and the frame it
// joins on. An empty frame joins on the run root.
type bufferKey struct {
	node  int
	frame string
}

type buffer struct {
	node  *graph.Node
	frame string
	items []*item.Item
	// held are the frames the buffered items keep open, the key frame
	// excluded.
	held []heldFrame
	// from marks the incoming branches that delivered.
	from  map[int]bool
	timer *time.Timer
}

func (b *buffer) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
}

// forkFrame returns the id of the innermost frame pushed by the fork node
// on its lineage, or "" when the fan-in joins on the run root.
func (d *driver) forkFrame(it *item.Item, fork int) string {
	if fork == graph.NoNode {
		return ""
	}
	forkID := d.g.Nodes[fork].ID
	for i := len(it.Lineage) - 1; i >= 0; i-- {
		f := it.Lineage[i]
		if f.Kind == item.FrameFork && f.Node == forkID {
			return f.ID
		}
	}
	return ""
}

func (d *driver) bufferItem(from, target *graph.Node, frame string, it *item.Item) {
	if d.closedJoins[frame][target.Index] {
		d.logger.Debug("fan-in already merged on its wait ceiling, dropping late arrival",
			zap.String("node_id", target.ID),
			zap.String("from", from.ID),
			zap.String("item_id", it.Key()))
		d.nodes[target.Index].Dropped++
		d.counts.Dropped++
		d.notifyDrop(it)
		return
	}

	key := bufferKey{node: target.Index, frame: frame}
	b, ok := d.buffers[key]
	if !ok {
		b = &buffer{node: target, frame: frame, from: make(map[int]bool)}
		d.buffers[key] = b
		if frame != "" {
			d.byFrame[frame] = append(d.byFrame[frame], key)
		}
		if wait := target.WaitTimeout; wait > 0 {
			b.timer = time.AfterFunc(wait, func() {
				d.signal(func() { d.expireJoin(key, b) })
			})
		}
	}
	b.from[from.Index] = true
	b.items = append(b.items, it)
	b.held = append(b.held, d.hold([]*item.Item{it}, frame)...)
}

// forkSettled flushes the earliest buffer joining on f. The flushed task
// carries f again, so later buffers on the same frame flush as the frame
// settles once more.
func (d *driver) forkSettled(f item.Frame) {
	keys := d.byFrame[f.ID]
	if len(keys) == 0 {
		// nothing carries f anymore
		delete(d.closedJoins, f.ID)
		return
	}
	best := -1
	for i, k := range keys {
		if best < 0 || d.g.Rank(k.node) < d.g.Rank(keys[best].node) {
			best = i
		}
	}
	d.flush(keys[best])
}

// earliestBuffer picks the waiting buffer whose node comes first in
// topological order, root buffers before frame buffers.
func (d *driver) earliestBuffer() (bufferKey, bool) {
	var (
		best  bufferKey
		found bool
	)
	for k := range d.buffers {
		if !found || compareKeys(d.g, k, best) < 0 {
			best, found = k, true
		}
	}
	return best, found
}

func compareKeys(g *graph.Graph, a, b bufferKey) int {
	if c := cmp.Compare(g.Rank(a.node), g.Rank(b.node)); c != 0 {
		return c
	}
	return cmp.Compare(a.frame, b.frame)
}

func (d *driver) flush(key bufferKey) {
	b, ok := d.buffers[key]
	if !ok {
		return
	}
	delete(d.buffers, key)
	b.stopTimer()
	if key.frame != "" {
		keys := d.byFrame[key.frame]
		for i, k := range keys {
			if k == key {
				keys = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(keys) == 0 {
			delete(d.byFrame, key.frame)
		} else {
			d.byFrame[key.frame] = keys
		}
	}

	merged := merge(b.node.Merge, b.items)
	d.logger.Debug("fan-in merged",
		zap.String("node_id", b.node.ID),
		zap.String("frame", key.frame),
		zap.Int("inputs", len(b.items)),
		zap.Int("outputs", len(merged)))
	d.em.emit(events.Event{Type: events.FanInMerged, NodeID: b.node.ID, Data: map[string]any{
		"strategy": string(b.node.Merge),
		"inputs":   len(b.items),
		"outputs":  len(merged),
	}})

	if collapsed := len(b.items) - len(merged); collapsed > 0 {
		d.nodes[b.node.Index].Dropped += collapsed
	}
	d.enqueue(b.node, merged)
	d.release(b.held)
}

// expireJoin merges whatever reached a fan-in once its wait ceiling
// passes. Incoming branches that delivered nothing while work under the
// joined frame can still reach them are reported as aggregation timeouts,
// and their later arrivals are dropped.
func (d *driver) expireJoin(key bufferKey, b *buffer) {
	if d.buffers[key] != b || d.stopping {
		return
	}
	n := b.node
	lineage := b.items[0].Key()
	joined := key.frame
	if joined == "" {
		joined = d.run.ID
	}

	late := d.lateBranches(b)
	d.logger.Warn("fan-in wait ceiling reached, merging partial arrivals",
		zap.String("node_id", n.ID),
		zap.String("frame", joined),
		zap.Int("arrived", len(b.items)),
		zap.Int("late_branches", len(late)),
		zap.Duration("wait_timeout", n.WaitTimeout))
	for _, p := range late {
		err := perrors.NewAggregationTimeoutError(n.ID, lineage, joined, n.WaitTimeout)
		err.Message += ", branch " + p.ID + " still pending"
		d.failures = append(d.failures, Failure{ItemID: lineage, NodeID: n.ID, Err: err})
		d.nodes[n.Index].Failed++
		d.em.emitErr(events.Event{Type: events.ItemFailed, NodeID: n.ID, ItemID: lineage}, err)
	}
	if len(late) > 0 {
		d.markFailed(b.items[0])
	}

	if d.closedJoins[key.frame] == nil {
		d.closedJoins[key.frame] = make(map[int]bool)
	}
	d.closedJoins[key.frame][n.Index] = true
	d.flush(key)
	d.publishStatus()
}

// lateBranches returns the incoming branches of b's node that delivered
// nothing yet still have work that can reach them.
func (d *driver) lateBranches(b *buffer) []*graph.Node {
	var late []*graph.Node
	for _, ei := range b.node.In {
		p := d.g.Edges[ei].From
		if b.from[p] || !d.feedsUnder(p, b.frame) {
			continue
		}
		late = append(late, d.g.Nodes[p])
	}
	return late
}

// feedsUnder reports whether queued, running or buffered work carrying
// frame can still reach node p. The run root frame covers all work,
// including sources that have pages left.
func (d *driver) feedsUnder(p int, frame string) bool {
	carries := func(held []heldFrame) bool {
		if frame == "" {
			return true
		}
		for _, h := range held {
			if h.id == frame {
				return true
			}
		}
		return false
	}
	for _, t := range d.queue {
		if d.g.Feeds(t.node.Index, p) && carries(t.held) {
			return true
		}
	}
	for t := range d.running {
		if d.g.Feeds(t.node.Index, p) && carries(t.held) {
			return true
		}
	}
	for _, bufs := range []map[bufferKey]*buffer{d.buffers, d.aggBuffers} {
		for k, other := range bufs {
			if d.g.Feeds(k.node, p) && (k.frame == frame || carries(other.held)) {
				return true
			}
		}
	}
	if frame == "" {
		for _, src := range d.sources {
			if !src.stopped && !src.coord.Exhausted() && d.g.Feeds(src.node.Index, p) {
				return true
			}
		}
	}
	return false
}

// merge combines the items that reached a fan-in.
func merge(strategy graph.MergeStrategy, items []*item.Item) []*item.Item {
	switch strategy {
	case graph.MergeDedup:
		seen := make(map[string]bool, len(items))
		out := make([]*item.Item, 0, len(items))
		for _, it := range items {
			if seen[it.Key()] {
				continue
			}
			seen[it.Key()] = true
			out = append(out, it)
		}
		return out
	case graph.MergeCombine:
		index := make(map[string]*item.Item, len(items))
		out := make([]*item.Item, 0, len(items))
		for _, it := range items {
			base, ok := index[it.Key()]
			if !ok {
				index[it.Key()] = it
				out = append(out, it)
				continue
			}
			base.Merge(it)
		}
		return out
	default:
		return items
	}
}
