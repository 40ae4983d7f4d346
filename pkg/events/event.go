// Package events is the run event bus: an append-only log per run with
// replaying subscriptions, fanned out to external sinks in emission order.
package events

import (
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	RunStarted         Type = "run.started"
	RunCompleted       Type = "run.completed"
	RunFailed          Type = "run.failed"
	RunCancelled       Type = "run.cancelled"
	NodeStarted        Type = "node.started"
	NodeFinished       Type = "node.finished"
	NodeFailed         Type = "node.failed"
	ItemProduced       Type = "item.produced"
	ItemFailed         Type = "item.failed"
	EdgeRoutingFailed  Type = "edge.routing_failed"
	FanInMerged        Type = "fanin.merged"
	BatchSplit         Type = "batch.split"
	BatchAggregated    Type = "batch.aggregated"
	PageFetched        Type = "page.fetched"
	CheckpointAdvanced Type = "checkpoint.advanced"
	SubgraphStarted    Type = "subgraph.started"
	SubgraphFinished   Type = "subgraph.finished"
)

// Event is one entry of a run's log. RunID is the top-level run; events
// emitted by a nested sub-graph run carry its id in SubRunID and the
// spawning node in ParentNodeID.
type Event struct {
	Seq          uint64         `json:"seq"`
	RunID        string         `json:"runId"`
	SubRunID     string         `json:"subRunId,omitempty"`
	ParentNodeID string         `json:"parentNodeId,omitempty"`
	GraphID      string         `json:"graphId,omitempty"`
	Type         Type           `json:"type"`
	NodeID       string         `json:"nodeId,omitempty"`
	ItemID       string         `json:"itemId,omitempty"`
	Time         time.Time      `json:"time"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// IsTerminal reports whether e ends its top-level run.
func (e Event) IsTerminal() bool {
	if e.SubRunID != "" {
		return false
	}
	switch e.Type {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsFailure reports whether e records a failure.
func (e Event) IsFailure() bool {
	switch e.Type {
	case RunFailed, NodeFailed, ItemFailed:
		return true
	}
	return false
}
