package engine

import (
	"slices"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

// frameState counts what still holds a lineage frame: queued or running
// tasks whose items carry it, and buffers waiting with such items. A
// frame settles when its count drops to zero.
type frameState struct {
	frame  item.Frame
	count  int
	failed bool
}

// heldFrame is a frame id with the depth it was found at, so releases can
// go innermost first.
type heldFrame struct {
	id    string
	depth int
}

// collectFrames returns the distinct frames carried by items, skipping
// exclude, innermost first.
func collectFrames(items []*item.Item, exclude string) ([]item.Frame, []int) {
	depth := make(map[string]int)
	var frames []item.Frame
	for _, it := range items {
		for i, f := range it.Lineage {
			if f.ID == exclude {
				continue
			}
			d, seen := depth[f.ID]
			if !seen {
				frames = append(frames, f)
			}
			if !seen || i > d {
				depth[f.ID] = i
			}
		}
	}
	depths := make([]int, len(frames))
	for i, f := range frames {
		depths[i] = depth[f.ID]
	}
	return frames, depths
}

// hold increments every frame carried by items except exclude.
func (d *driver) hold(items []*item.Item, exclude string) []heldFrame {
	frames, depths := collectFrames(items, exclude)
	held := make([]heldFrame, len(frames))
	for i, f := range frames {
		d.acquire(f)
		held[i] = heldFrame{id: f.ID, depth: depths[i]}
	}
	return held
}

func (d *driver) acquire(f item.Frame) {
	fs, ok := d.frames[f.ID]
	if !ok {
		fs = &frameState{frame: f}
		d.frames[f.ID] = fs
	}
	fs.count++
}

// release decrements held frames, innermost first, and settles those
// reaching zero. Settling may enqueue tasks that hold outer frames again,
// which is why inner frames go first.
func (d *driver) release(held []heldFrame) {
	ordered := slices.Clone(held)
	slices.SortStableFunc(ordered, func(a, b heldFrame) int { return b.depth - a.depth })
	for _, h := range ordered {
		fs, ok := d.frames[h.id]
		if !ok {
			continue
		}
		fs.count--
		if fs.count > 0 {
			continue
		}
		delete(d.frames, h.id)
		d.settle(fs)
	}
}

// markFailed flags every frame of it so page commits can see a failure
// happened beneath them.
func (d *driver) markFailed(it *item.Item) {
	for _, f := range it.Lineage {
		if fs, ok := d.frames[f.ID]; ok {
			fs.failed = true
		}
		if f.Kind == item.FramePage {
			if src := d.sourceByNode(f.Node); src != nil {
				src.failedPages[f.ID] = true
			}
		}
	}
}

func (d *driver) settle(fs *frameState) {
	switch fs.frame.Kind {
	case item.FrameFork:
		d.forkSettled(fs.frame)
	case item.FrameBatch:
		d.envelopeSettled(fs.frame)
	case item.FramePage:
		d.pageSettled(fs.frame, fs.failed)
	}
}
