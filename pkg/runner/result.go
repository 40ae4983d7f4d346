package runner

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

// Result is what happened to one input item.
type Result struct {
	Index      int
	Input      *item.Item
	Outputs    []*item.Item
	Err        error
	Skipped    bool
	SkipReason string
	Cancelled  bool
	Attempts   int
	Duration   time.Duration
}

// Succeeded reports whether the item produced at least one output.
func (r Result) Succeeded() bool {
	return r.Err == nil && !r.Cancelled && len(r.Outputs) > 0
}

// Dropped reports whether the step consumed the item without error and
// forwarded nothing, either by skipping it or by returning no items.
func (r Result) Dropped() bool {
	return r.Err == nil && !r.Cancelled && len(r.Outputs) == 0
}

// Stats summarizes one runner invocation.
type Stats struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Dropped   int
	Cancelled int
	Retries   int
	Produced  int
	Duration  time.Duration
}

// Outcome is the result of running a step over a collection.
type Outcome struct {
	// Items are the outputs ready for routing
	Items []*item.Item
	// Results has one entry per input item, by input index. Batch steps
	// leave it empty since outputs cannot be attributed to inputs.
	Results []Result
	// Err is set when the step as a whole failed
	Err   error
	Stats Stats
}

// Failures returns the results of failed items.
func (o Outcome) Failures() []Result {
	var out []Result
	for _, r := range o.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// CancelledItems returns inputs that were never dispatched or were
// interrupted by cancellation.
func (o Outcome) CancelledItems() []*item.Item {
	var out []*item.Item
	for _, r := range o.Results {
		if r.Cancelled {
			out = append(out, r.Input)
		}
	}
	return out
}

func (o *Outcome) tally() {
	o.Stats.Produced = len(o.Items)
	for _, r := range o.Results {
		switch {
		case r.Cancelled:
			o.Stats.Cancelled++
			continue
		case r.Err != nil:
			o.Stats.Failed++
		case r.Skipped:
			o.Stats.Skipped++
		case len(r.Outputs) == 0:
			o.Stats.Dropped++
		default:
			o.Stats.Succeeded++
		}
		o.Stats.Processed++
		if r.Attempts > 1 {
			o.Stats.Retries += r.Attempts - 1
		}
	}
}
