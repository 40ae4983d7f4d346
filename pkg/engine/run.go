package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Failure attributes an error to an item at a node.
type Failure struct {
	ItemID string
	NodeID string
	Err    error
}

// MarshalJSON renders the error as its message and code.
func (f Failure) MarshalJSON() ([]byte, error) {
	out := struct {
		ItemID string `json:"itemId"`
		NodeID string `json:"nodeId"`
		Error  string `json:"error"`
		Code   string `json:"code"`
	}{ItemID: f.ItemID, NodeID: f.NodeID}
	if f.Err != nil {
		out.Error = f.Err.Error()
		out.Code = perrors.Categorize(f.Err)
	}
	return json.Marshal(out)
}

// Counts are item totals across every node of a run.
type Counts struct {
	Processed       int `json:"processed"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	Skipped         int `json:"skipped"`
	Dropped         int `json:"dropped"`
	Cancelled       int `json:"cancelled"`
	Retries         int `json:"retries"`
	Tasks           int `json:"tasks"`
	RoutingFailures int `json:"routingFailures"`
}

// NodeStats are per-node totals.
type NodeStats struct {
	Role      string        `json:"role"`
	Tasks     int           `json:"tasks"`
	ItemsIn   int           `json:"itemsIn"`
	ItemsOut  int           `json:"itemsOut"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Dropped   int           `json:"dropped"`
	Cancelled int           `json:"cancelled"`
	Retries   int           `json:"retries"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Result is the outcome of a finished run.
type Result struct {
	RunID   string
	GraphID string
	Mode    checkpoint.Mode
	State   State
	// Outputs are the items that reached sink nodes. A failed run has none.
	Outputs  []*item.Item
	Failures []Failure
	// Err is set for failed and cancelled runs.
	Err         error
	Counts      Counts
	Nodes       map[string]*NodeStats
	Batches     []batch.Summary
	Checkpoints map[string]checkpoint.Checkpoint
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Report converts the result to its persisted form.
func (r *Result) Report() *storage.RunReport {
	rep := &storage.RunReport{
		GraphID:    r.GraphID,
		RunID:      r.RunID,
		Status:     string(r.State),
		Mode:       string(r.Mode),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Outputs:    len(r.Outputs),
		ItemErrors: len(r.Failures),
		Error:      reportError(r.Err),
		Nodes:      make(map[string]*storage.NodeReport, len(r.Nodes)),
	}
	for id, n := range r.Nodes {
		status := "succeeded"
		if n.Err != nil {
			status = "failed"
		} else if n.Tasks == 0 {
			status = "skipped"
		}
		rep.Nodes[id] = &storage.NodeReport{
			Role:       n.Role,
			Status:     status,
			ItemsIn:    n.ItemsIn,
			ItemsOut:   n.ItemsOut,
			Failed:     n.Failed,
			Dropped:    n.Dropped,
			Tasks:      n.Tasks,
			DurationMs: n.Duration.Milliseconds(),
			Error:      reportError(n.Err),
		}
	}
	return rep
}

func reportError(err error) *storage.ReportError {
	if err == nil {
		return nil
	}
	return &storage.ReportError{
		Code:      perrors.Categorize(err),
		Message:   err.Error(),
		Retryable: perrors.IsRetryable(err),
	}
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID      string          `json:"runId"`
	GraphID    string          `json:"graphId"`
	Mode       checkpoint.Mode `json:"mode"`
	State      State           `json:"state"`
	Counts     Counts          `json:"counts"`
	Outputs    int             `json:"outputs"`
	Failures   int             `json:"failures"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt,omitempty"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
}

// Run is a handle on a run that may still be executing.
type Run struct {
	ID      string
	GraphID string
	Mode    checkpoint.Mode

	seed []*item.Item
	vars map[string]string

	mu       sync.RWMutex
	state    State
	counts   Counts
	outputs  int
	failures int
	started  time.Time
	result   *Result

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newRun(req Request) *Run {
	return &Run{
		ID:      req.RunID,
		GraphID: req.GraphID,
		Mode:    req.Mode,
		seed:    req.Seed,
		vars:    req.Vars,
		state:   StatePending,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Cancel asks the run to stop. No new task is dispatched afterwards;
// tasks already running finish or are interrupted through their context
// once the grace period passes.
func (r *Run) Cancel() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the result, or nil while the run is executing.
func (r *Run) Result() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// Status returns a snapshot of the run.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{
		RunID:     r.ID,
		GraphID:   r.GraphID,
		Mode:      r.Mode,
		State:     r.state,
		Counts:    r.counts,
		Outputs:   r.outputs,
		Failures:  r.failures,
		StartedAt: r.started,
	}
	if r.result != nil {
		s.FinishedAt = r.result.FinishedAt
		if r.result.Err != nil {
			s.Error = r.result.Err.Error()
		}
	}
	return s
}

func (r *Run) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateRunning
	r.started = time.Now()
}

func (r *Run) update(c Counts, outputs, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = c
	r.outputs = outputs
	r.failures = failures
}

func (r *Run) complete(res *Result) {
	r.mu.Lock()
	r.state = res.State
	r.counts = res.Counts
	r.outputs = len(res.Outputs)
	r.failures = len(res.Failures)
	r.result = res
	r.mu.Unlock()
	close(r.done)
}

// failedResult is the result of a run that failed before dispatching.
func (r *Run) failedResult(err error) *Result {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	return &Result{
		RunID:      r.ID,
		GraphID:    r.GraphID,
		Mode:       r.Mode,
		State:      StateFailed,
		Err:        err,
		Nodes:      map[string]*NodeStats{},
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
}
