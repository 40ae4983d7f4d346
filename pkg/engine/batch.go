package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/item"
)

// collectionState is what the driver keeps of a split collection.
type collectionState struct {
	// pages are the page frames its items came from.
	pages []item.Frame
	// expired is set once an aggregate closed it on its wait ceiling;
	// anything its items report afterwards is late.
	expired bool
}

// split cuts the task into envelopes and routes each one on its own. It
// runs on the driver since it does no step work.
func (d *driver) split(t *task) {
	n := t.node
	defer d.release(t.held)

	coll, err := batch.Split(t.items, n.BatchSize)
	if err != nil {
		d.fail(perrors.NewConfigError(n.ID, "cannot split batch", err))
		return
	}

	d.collections[coll.ID] = &collectionState{pages: pageFrames(t.items)}
	aggs := d.aggregatesOf[n.Index]
	for _, a := range aggs {
		d.aggregators[a].Expect(coll)
		if wait := d.g.Nodes[a].WaitTimeout; wait > 0 {
			a, id := a, coll.ID
			d.timers = append(d.timers, time.AfterFunc(wait, func() {
				d.signal(func() { d.expire(a, id) })
			}))
		}
	}

	d.em.emit(events.Event{Type: events.BatchSplit, NodeID: n.ID, Data: map[string]any{
		"collectionId": coll.ID,
		"items":        coll.Total,
		"size":         coll.Size,
		"envelopes":    len(coll.Envelopes),
	}})
	d.logger.Debug("batch split",
		zap.String("node_id", n.ID),
		zap.String("collection_id", coll.ID),
		zap.Int("items", coll.Total),
		zap.Int("envelopes", len(coll.Envelopes)))

	if len(coll.Envelopes) == 0 {
		for _, a := range aggs {
			d.expire(a, coll.ID)
		}
		return
	}

	for _, env := range coll.Envelopes {
		f := env.Frame(n.ID)
		for _, it := range env.Items {
			it.Push(f)
			it.Visit(n.ID)
		}
		// holding the envelope across routing makes an envelope whose items
		// all get dropped settle here and arrive empty
		held := d.hold(env.Items, "")
		d.route(n, env.Items, d.evaluate(n, env.Items))
		d.release(held)
	}
}

// arriveAtAggregate parks items reaching an aggregate under their
// envelope. Items that never passed the paired split go straight through.
func (d *driver) arriveAtAggregate(target *graph.Node, items []*item.Item) {
	splitID := d.g.Nodes[target.Split].ID
	var through []*item.Item
	for _, it := range items {
		frame := ""
		for i := len(it.Lineage) - 1; i >= 0; i-- {
			if f := it.Lineage[i]; f.Kind == item.FrameBatch && f.Node == splitID {
				frame = f.ID
				break
			}
		}
		if frame == "" {
			through = append(through, it)
			continue
		}
		key := bufferKey{node: target.Index, frame: frame}
		b, ok := d.aggBuffers[key]
		if !ok {
			b = &buffer{node: target, frame: frame}
			d.aggBuffers[key] = b
		}
		b.items = append(b.items, it)
		b.held = append(b.held, d.hold([]*item.Item{it}, frame)...)
	}
	if len(through) > 0 {
		d.nodes[target.Index].ItemsIn += len(through)
		for _, it := range through {
			it.Visit(target.ID)
		}
		d.route(target, through, d.evaluate(target, through))
	}
}

// envelopeSettled hands whatever the envelope produced to every aggregate
// paired with its split.
func (d *driver) envelopeSettled(f item.Frame) {
	split, ok := d.g.Node(f.Node)
	if !ok {
		return
	}
	coll, idx, ok := batch.ParseFrameID(f.ID)
	if !ok {
		return
	}
	for _, a := range d.aggregatesOf[split.Index] {
		key := bufferKey{node: a, frame: f.ID}
		b := d.aggBuffers[key]
		delete(d.aggBuffers, key)

		var items []*item.Item
		if b != nil {
			items = b.items
			for _, it := range items {
				it.PopTo(f.ID)
			}
			d.nodes[a].ItemsIn += len(items)
		}

		agg := d.aggregators[a]
		late := agg.Late()
		res, complete := agg.Arrive(coll, idx, items)
		if agg.Late() > late && len(items) > 0 {
			d.logger.Warn("envelope arrived after its collection closed",
				zap.String("node_id", d.g.Nodes[a].ID),
				zap.String("collection_id", coll),
				zap.Int("index", idx),
				zap.Int("items", len(items)))
			d.nodes[a].Dropped += len(items)
			d.counts.Dropped += len(items)
		}
		if complete {
			d.aggregated(a, res)
		}
		if b != nil {
			d.release(b.held)
		}
	}
}

// expire closes a collection whose wait ceiling passed. Items of the
// envelopes still missing become aggregation timeout failures.
func (d *driver) expire(a int, collectionID string) {
	n := d.g.Nodes[a]
	res, ok := d.aggregators[a].Expire(collectionID, n.WaitTimeout)
	if !ok {
		return
	}
	cs := d.collections[collectionID]
	if cs != nil {
		cs.expired = true
	}
	if res.Summary.TimedOut > 0 {
		d.logger.Warn("aggregation timed out",
			zap.String("node_id", n.ID),
			zap.String("collection_id", collectionID),
			zap.Int("timed_out", res.Summary.TimedOut),
			zap.Duration("wait_timeout", n.WaitTimeout))
		if cs != nil {
			d.failPages(cs.pages)
		}
	}
	for _, f := range res.Failures {
		if !perrors.IsKind(f.Err, perrors.KindAggregationTimeout) {
			continue
		}
		d.failures = append(d.failures, Failure{ItemID: f.ItemID, NodeID: n.ID, Err: f.Err})
		d.nodes[a].Failed++
		d.em.emitErr(events.Event{Type: events.ItemFailed, NodeID: n.ID, ItemID: f.ItemID}, f.Err)
	}
	d.aggregated(a, res)
}

// aggregated emits a closed collection as the aggregate node's output.
func (d *driver) aggregated(a int, res batch.Result) {
	n := d.g.Nodes[a]
	stats := d.nodes[a]
	stats.Tasks++
	d.batches = append(d.batches, res.Summary)

	d.em.emit(events.Event{Type: events.BatchAggregated, NodeID: n.ID, Data: map[string]any{
		"collectionId": res.Summary.CollectionID,
		"expected":     res.Summary.Expected,
		"arrived":      res.Summary.Arrived,
		"items":        res.Summary.Items,
		"succeeded":    res.Summary.Succeeded,
		"failed":       res.Summary.Failed,
		"dropped":      res.Summary.Dropped,
		"timedOut":     res.Summary.TimedOut,
		"waited":       res.Summary.Waited.String(),
	}})

	for _, it := range res.Items {
		it.Visit(n.ID)
	}
	d.route(n, res.Items, d.evaluate(n, res.Items))
	d.publishStatus()
}

// collectionExpired reports whether an aggregate timed the collection out.
func (d *driver) collectionExpired(collectionID string) bool {
	cs, ok := d.collections[collectionID]
	return ok && cs.expired
}

// expiredCollection returns the timed-out collection among the batch
// frames of it.
func (d *driver) expiredCollection(it *item.Item) (string, bool) {
	for _, f := range it.Lineage {
		if f.Kind != item.FrameBatch {
			continue
		}
		if coll, _, ok := batch.ParseFrameID(f.ID); ok && d.collectionExpired(coll) {
			return coll, true
		}
	}
	return "", false
}

func pageFrames(items []*item.Item) []item.Frame {
	frames, _ := collectFrames(items, "")
	var pages []item.Frame
	for _, f := range frames {
		if f.Kind == item.FramePage {
			pages = append(pages, f)
		}
	}
	return pages
}

// failPages keeps pages that are still open from committing.
func (d *driver) failPages(pages []item.Frame) {
	for _, f := range pages {
		if _, open := d.frames[f.ID]; !open {
			continue
		}
		if src := d.sourceByNode(f.Node); src != nil {
			src.failedPages[f.ID] = true
		}
	}
}
