package engine

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// sourceState tracks the crawl of one paginated start node. Only one page
// per source is in flight: the next page is fetched once the previous one
// settled and was committed.
type sourceState struct {
	node  *graph.Node
	coord *checkpoint.Coordinator
	// pending is the page whose items are still moving through the graph.
	pending     map[string]step.Page
	failedPages map[string]bool
	stopped     bool
}

func (d *driver) sourceByNode(nodeID string) *sourceState {
	for _, s := range d.sources {
		if s.node.ID == nodeID {
			return s
		}
	}
	return nil
}

// startSources opens the checkpoint of every source start node and fetches
// their first pages concurrently.
func (d *driver) startSources() error {
	for _, i := range d.g.Start {
		n := d.g.Nodes[i]
		if n.Role != graph.RoleSource {
			continue
		}
		ps, ok := n.Step.(step.PageSource)
		if !ok {
			return perrors.NewConfigError(n.ID, "source node step does not fetch pages", nil)
		}
		d.sources = append(d.sources, &sourceState{
			node: n,
			coord: checkpoint.NewCoordinator(ps, d.e.opts.Checkpoints, checkpoint.Options{
				GraphID:  d.g.ID,
				Mode:     d.run.Mode,
				PageSize: n.PageSize,
				Run:      d.runInfo(n),
				Logger:   d.logger,
			}),
			pending:     make(map[string]step.Page),
			failedPages: make(map[string]bool),
		})
	}
	if len(d.sources) == 0 {
		return nil
	}

	first := make([]step.Page, len(d.sources))
	g, gctx := errgroup.WithContext(d.ctx)
	for i, src := range d.sources {
		g.Go(func() error {
			if err := src.coord.Start(gctx); err != nil {
				return perrors.NewStepError(src.node.ID, err)
			}
			page, err := src.coord.FetchNextPage(gctx)
			if err != nil {
				return perrors.NewStepError(src.node.ID, err)
			}
			first[i] = page
			return nil
		})
	}

	d.async++
	go func() {
		err := g.Wait()
		d.signal(func() {
			d.async--
			if err != nil {
				d.fail(err)
				return
			}
			for i, src := range d.sources {
				d.pageFetched(src, first[i])
			}
		})
	}()
	return nil
}

// fetch asks the source for its next page in the background.
func (d *driver) fetch(src *sourceState) {
	d.async++
	go func() {
		page, err := src.coord.FetchNextPage(d.ctx)
		d.signal(func() {
			d.async--
			if err != nil {
				d.sourceFailed(src, err)
				return
			}
			d.pageFetched(src, page)
		})
	}()
}

func (d *driver) sourceFailed(src *sourceState, err error) {
	n := src.node
	src.stopped = true
	if d.stopping {
		return
	}
	serr := perrors.NewStepError(n.ID, err)
	d.nodes[n.Index].Err = serr
	d.em.emitErr(events.Event{Type: events.NodeFailed, NodeID: n.ID}, serr)
	if !n.Policy.ContinueOnError {
		d.fail(serr)
		return
	}
	d.logger.Warn("page fetch failed, source stops crawling",
		zap.String("node_id", n.ID),
		zap.Int("pages", src.coord.Fetched()),
		zap.Error(err))
	d.failures = append(d.failures, Failure{NodeID: n.ID, Err: serr})
}

// pageFetched pushes a page frame onto the page's items and routes them as
// the source node's output.
func (d *driver) pageFetched(src *sourceState, page step.Page) {
	if d.stopping {
		return
	}
	n := src.node
	// one page per source is in flight, so the fetch count numbers it
	index := src.coord.Fetched()
	f := item.Frame{
		ID:    fmt.Sprintf("%s/%s/page/%d", d.run.ID, n.ID, index),
		Kind:  item.FramePage,
		Node:  n.ID,
		Index: index,
	}
	src.pending[f.ID] = page

	stats := d.nodes[n.Index]
	stats.Tasks++
	stats.ItemsIn += len(page.Items)
	d.em.emit(events.Event{Type: events.PageFetched, NodeID: n.ID, Data: map[string]any{
		"page":  index,
		"items": len(page.Items),
		"next":  page.NextToken,
		"done":  page.Done,
	}})

	for _, it := range page.Items {
		it.Push(f)
		it.Visit(n.ID)
	}
	// the page frame is held across routing so an empty page still settles
	d.acquire(f)
	held := append(d.hold(page.Items, f.ID), heldFrame{id: f.ID, depth: math.MaxInt})
	d.route(n, page.Items, d.evaluate(n, page.Items))
	d.release(held)
}

// pageSettled commits a page once everything it produced has settled. A
// page with failures is not committed, so the next incremental run fetches
// it again, and the source stops crawling.
func (d *driver) pageSettled(f item.Frame, failed bool) {
	src := d.sourceByNode(f.Node)
	if src == nil {
		return
	}
	page, ok := src.pending[f.ID]
	if !ok {
		return
	}
	delete(src.pending, f.ID)
	failed = failed || src.failedPages[f.ID]
	delete(src.failedPages, f.ID)

	if d.stopping {
		return
	}
	if failed {
		d.logger.Warn("page had failures, checkpoint not advanced",
			zap.String("node_id", src.node.ID),
			zap.Int("page", f.Index),
			zap.String("token", src.coord.Checkpoint().Token))
		src.stopped = true
		return
	}

	cp, err := src.coord.Commit(d.ctx, page)
	if err != nil {
		d.fail(perrors.NewStepError(src.node.ID, fmt.Errorf("saving checkpoint: %w", err)))
		return
	}
	d.em.emit(events.Event{Type: events.CheckpointAdvanced, NodeID: src.node.ID, Data: map[string]any{
		"page":      f.Index,
		"token":     cp.Token,
		"pages":     cp.Pages,
		"exhausted": cp.Exhausted,
		"watermark": cp.Watermark,
	}})

	if !src.stopped && !src.coord.Exhausted() {
		d.fetch(src)
	}
}

func (d *driver) checkpoints() map[string]checkpoint.Checkpoint {
	if len(d.sources) == 0 {
		return nil
	}
	out := make(map[string]checkpoint.Checkpoint, len(d.sources))
	for _, s := range d.sources {
		out[s.node.ID] = s.coord.Checkpoint()
	}
	return out
}
