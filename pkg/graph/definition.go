// Package graph turns a serialized pipeline description into a compiled,
// read-only graph: an arena of nodes indexed by position with edges as
// index pairs, validated once before a run starts.
package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/condition"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// EdgeKind is how an edge participates in branching.
type EdgeKind string

const (
	// EdgeSequential connects one node to the next. Several sequential
	// edges leaving one node all fire, which is a plain fan-out.
	EdgeSequential EdgeKind = "sequential"
	// EdgeFanOut marks a branch whose copies reconverge downstream.
	EdgeFanOut EdgeKind = "fan-out"
	// EdgeFanIn makes the target wait for every branch of a lineage.
	EdgeFanIn EdgeKind = "fan-in"
)

// MergeStrategy is how a fan-in combines the items it buffered.
type MergeStrategy string

const (
	// MergeConcat forwards every buffered item.
	MergeConcat MergeStrategy = "concat"
	// MergeDedup keeps the first item per identity.
	MergeDedup MergeStrategy = "dedup"
	// MergeCombine folds items sharing an identity into one.
	MergeCombine MergeStrategy = "combine"
)

// Built-in node types handled by the engine rather than the step registry.
const (
	TypeBatchSplit     = "batch.split"
	TypeBatchAggregate = "batch.aggregate"
	TypeSubgraph       = "subgraph"
)

// Duration accepts "1m30s" style strings or integer milliseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Definition is the serialized form of a graph.
type Definition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Start       []string          `json:"start,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	Nodes       []NodeDef         `json:"nodes"`
	Edges       []EdgeDef         `json:"edges,omitempty"`
}

// NodeDef is one node of a Definition.
type NodeDef struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Category step.Category  `json:"category,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
	Policy   PolicyDef      `json:"policy,omitempty"`

	// Graph is the referenced graph id of a sub-graph node.
	Graph string `json:"graph,omitempty"`
	// Merge applies when the node is a fan-in target.
	Merge MergeStrategy `json:"merge,omitempty"`
	// BatchSize is the envelope size of a batch split.
	BatchSize int `json:"batchSize,omitempty"`
	// WaitTimeout is the wait ceiling of a batch aggregate or a fan-in
	// target. Other nodes ignore it.
	WaitTimeout Duration `json:"waitTimeout,omitempty"`
	// PageSize is passed to a paginated source.
	PageSize int `json:"pageSize,omitempty"`
}

// PolicyDef is the serialized runner policy of a node.
type PolicyDef struct {
	Parallelism     int      `json:"parallelism,omitempty"`
	ItemTimeout     Duration `json:"itemTimeout,omitempty"`
	StepTimeout     Duration `json:"stepTimeout,omitempty"`
	ContinueOnError bool     `json:"continueOnError,omitempty"`
	PreserveOrder   *bool    `json:"preserveOrder,omitempty"`
	Retry           RetryDef `json:"retry,omitempty"`
}

// RetryDef is the serialized retry policy of a node.
type RetryDef struct {
	Strategy    string   `json:"strategy,omitempty"`
	MaxAttempts int      `json:"maxAttempts,omitempty"`
	Interval    Duration `json:"interval,omitempty"`
	MaxInterval Duration `json:"maxInterval,omitempty"`
	MaxElapsed  Duration `json:"maxElapsed,omitempty"`
}

// EdgeDef is one edge of a Definition.
type EdgeDef struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      EdgeKind        `json:"kind,omitempty"`
	Condition *condition.Spec `json:"condition,omitempty"`
}
