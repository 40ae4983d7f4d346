package batch

import (
	"slices"
	"sort"
	"sync"
	"time"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
)

// Failure attributes an error to one original item.
type Failure struct {
	ItemID string
	Err    error
}

// Summary accounts for every item of a collection.
type Summary struct {
	CollectionID string        `json:"collectionId"`
	Expected     int           `json:"expected"`
	Arrived      int           `json:"arrived"`
	Items        int           `json:"items"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Dropped      int           `json:"dropped"`
	TimedOut     int           `json:"timedOut"`
	Waited       time.Duration `json:"waited"`
}

// Result is the merged output of a collection.
type Result struct {
	Items    []*item.Item
	Failures []Failure
	Summary  Summary
}

type pending struct {
	originals [][]string
	arrived   []bool
	outputs   [][]*item.Item
	failures  []Failure
	failedKey map[string]bool
	dropped   int
	count     int
	opened    time.Time
}

// Aggregator reassembles collections. Arrival is tracked per envelope
// index, so completion depends on expected-vs-arrived counts rather than
// a timer; Expire handles envelopes that never arrive. It is safe for
// concurrent use.
type Aggregator struct {
	nodeID      string
	mu          sync.Mutex
	collections map[string]*pending
	closed      map[string]bool
	late        int
}

// NewAggregator creates an aggregator for the aggregate node nodeID.
func NewAggregator(nodeID string) *Aggregator {
	return &Aggregator{
		nodeID:      nodeID,
		collections: make(map[string]*pending),
		closed:      make(map[string]bool),
	}
}

// Expect registers a collection produced by Split.
func (a *Aggregator) Expect(c Collection) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := &pending{
		originals: make([][]string, len(c.Envelopes)),
		arrived:   make([]bool, len(c.Envelopes)),
		outputs:   make([][]*item.Item, len(c.Envelopes)),
		failedKey: make(map[string]bool),
		opened:    time.Now(),
	}
	for i, env := range c.Envelopes {
		p.originals[i] = item.Keys(env.Items)
	}
	a.collections[c.ID] = p
}

// Fail records an item of envelope index as failed inside the region.
func (a *Aggregator) Fail(collectionID string, index int, itemID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.collections[collectionID]
	if !ok || p.failedKey[itemID] {
		return
	}
	p.failedKey[itemID] = true
	p.failures = append(p.failures, Failure{ItemID: itemID, Err: err})
}

// Drop records an item consumed inside the region without output.
func (a *Aggregator) Drop(collectionID string, index int, itemID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.collections[collectionID]; ok {
		p.dropped++
	}
}

// Arrive records the settled output of envelope index. When it completes
// the collection the merged result is returned with true.
func (a *Aggregator) Arrive(collectionID string, index int, items []*item.Item) (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.collections[collectionID]
	if !ok || index < 0 || index >= len(p.arrived) {
		if a.closed[collectionID] {
			a.late++
		}
		return Result{}, false
	}
	if p.arrived[index] {
		return Result{}, false
	}
	p.arrived[index] = true
	p.outputs[index] = items
	p.count++

	if p.count < len(p.arrived) {
		return Result{}, false
	}
	return a.finish(collectionID, p, 0), true
}

// Expire closes a collection whose wait ceiling elapsed. Items of
// envelopes that never arrived become aggregation timeout failures,
// except those already recorded through Fail. It returns false when the
// collection already completed.
func (a *Aggregator) Expire(collectionID string, ceiling time.Duration) (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.collections[collectionID]
	if !ok {
		return Result{}, false
	}

	timedOut := 0
	for i, arrived := range p.arrived {
		if arrived {
			continue
		}
		for _, key := range p.originals[i] {
			if p.failedKey[key] {
				continue
			}
			p.failedKey[key] = true
			timedOut++
			p.failures = append(p.failures, Failure{
				ItemID: key,
				Err:    perrors.NewAggregationTimeoutError(a.nodeID, key, collectionID, ceiling),
			})
		}
	}
	return a.finish(collectionID, p, timedOut), true
}

// Pending returns the ids of collections still waiting, sorted.
func (a *Aggregator) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.collections))
	for id := range a.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Late returns how many envelopes arrived after their collection closed.
func (a *Aggregator) Late() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

func (a *Aggregator) finish(id string, p *pending, timedOut int) Result {
	delete(a.collections, id)
	a.closed[id] = true

	// envelope order restores the original order for 1:1 regions
	var out []*item.Item
	for _, items := range p.outputs {
		out = append(out, items...)
	}

	total := 0
	for _, keys := range p.originals {
		total += len(keys)
	}

	return Result{
		Items:    out,
		Failures: slices.Clip(p.failures),
		Summary: Summary{
			CollectionID: id,
			Expected:     len(p.arrived),
			Arrived:      p.count,
			Items:        total,
			Succeeded:    len(out),
			Failed:       len(p.failures),
			Dropped:      p.dropped,
			TimedOut:     timedOut,
			Waited:       time.Since(p.opened),
		},
	}
}
