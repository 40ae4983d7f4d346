// Package errors defines the pipeline error taxonomy shared by the runner,
// the engine and the event bus.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindItem is a single item failing inside a step; it is excluded from
	// downstream routing while the rest of the step's items continue.
	KindItem Kind = "item_error"

	// KindStep is a whole step invocation failing.
	KindStep Kind = "step_error"

	// KindRouting is an edge predicate that could not be evaluated.
	KindRouting Kind = "routing_error"

	// KindTimeout is an item or step exceeding its deadline.
	KindTimeout Kind = "timeout_error"

	// KindAggregationTimeout is a batch envelope that never arrived before
	// the aggregation wait ceiling elapsed.
	KindAggregationTimeout Kind = "aggregation_timeout_error"

	// KindCycleOrDeadlock is a structural violation detected at compile or dispatch time.
	KindCycleOrDeadlock Kind = "cycle_or_deadlock_error"

	// KindConfig is an invalid graph, node or engine configuration.
	KindConfig Kind = "config_error"
)

// Common errors used throughout the engine.
var (
	// ErrNoStep is returned when no step is registered for a node type.
	ErrNoStep = errors.New("no step registered for node type")

	// ErrInvalidSettings is returned when node settings fail to decode or validate.
	ErrInvalidSettings = errors.New("invalid node settings")

	// ErrValidation is returned when an item payload fails a schema check.
	ErrValidation = errors.New("payload validation failed")

	// ErrUnknownGraph is returned when a sub-graph reference cannot be resolved.
	ErrUnknownGraph = errors.New("unknown graph")

	// ErrRecursionLimit is returned when nested sub-graph invocation exceeds the depth bound.
	ErrRecursionLimit = errors.New("sub-graph recursion limit exceeded")

	// ErrCancelled is returned when a run was cancelled before an item was dispatched.
	ErrCancelled = errors.New("run cancelled")

	// ErrCircuitOpen is returned when the circuit breaker rejects an invocation.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRunNotFound is returned when a run id is unknown to the manager.
	ErrRunNotFound = errors.New("run not found")

	// ErrDuplicateRun is returned when a run id is already known to the manager.
	ErrDuplicateRun = errors.New("duplicate run id")

	// ErrDeadlineExceeded is the cause carried by timeout errors.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// PipelineError is a classified failure with node and item context.
type PipelineError struct {
	// Kind classifies the failure
	Kind Kind
	// NodeID is the node the failure is attributed to
	NodeID string
	// ItemID is the key of the affected item, empty for step-level failures
	ItemID string
	// Message is a human-readable description
	Message string
	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.NodeID != "" {
		b.WriteString(" node ")
		b.WriteString(e.NodeID)
	}
	if e.ItemID != "" {
		b.WriteString(" item ")
		b.WriteString(e.ItemID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports a match against another *PipelineError of the same kind, so
// errors.Is(err, &PipelineError{Kind: KindTimeout}) works through wrapping.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return (t.NodeID == "" || t.NodeID == e.NodeID) && (t.ItemID == "" || t.ItemID == e.ItemID)
}

// NewItemError attributes a failure to one item at one node.
func NewItemError(nodeID, itemID string, cause error) *PipelineError {
	return &PipelineError{Kind: KindItem, NodeID: nodeID, ItemID: itemID, Cause: cause}
}

// NewStepError marks a whole step invocation as failed.
func NewStepError(nodeID string, cause error) *PipelineError {
	return &PipelineError{Kind: KindStep, NodeID: nodeID, Cause: cause}
}

// NewRoutingError records a predicate failure on the edge from -> to.
func NewRoutingError(from, to, itemID string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    KindRouting,
		NodeID:  from,
		ItemID:  itemID,
		Message: "edge to " + to + " not taken",
		Cause:   cause,
	}
}

// NewTimeoutError reports an item (or step, when itemID is empty) exceeding d.
func NewTimeoutError(nodeID, itemID string, d time.Duration) *PipelineError {
	return &PipelineError{
		Kind:    KindTimeout,
		NodeID:  nodeID,
		ItemID:  itemID,
		Message: fmt.Sprintf("exceeded %s", d),
		Cause:   ErrDeadlineExceeded,
	}
}

// NewAggregationTimeoutError reports an item whose envelope never reached the aggregator.
func NewAggregationTimeoutError(nodeID, itemID, collectionID string, ceiling time.Duration) *PipelineError {
	return &PipelineError{
		Kind:    KindAggregationTimeout,
		NodeID:  nodeID,
		ItemID:  itemID,
		Message: fmt.Sprintf("collection %s incomplete after %s", collectionID, ceiling),
		Cause:   ErrDeadlineExceeded,
	}
}

// NewCycleOrDeadlockError reports a structural violation involving nodes.
func NewCycleOrDeadlockError(message string, nodes ...string) *PipelineError {
	if len(nodes) > 0 {
		message = message + " (" + strings.Join(nodes, ", ") + ")"
	}
	return &PipelineError{Kind: KindCycleOrDeadlock, Message: message}
}

// NewConfigError reports invalid configuration for nodeID.
func NewConfigError(nodeID, message string, cause error) *PipelineError {
	return &PipelineError{Kind: KindConfig, NodeID: nodeID, Message: message, Cause: cause}
}

// KindOf returns the kind of the outermost PipelineError in err's chain.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether any PipelineError in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	return errors.Is(err, &PipelineError{Kind: k})
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanentError determines if an error is permanent (not retryable).
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var p *permanentError
	if errors.As(err, &p) {
		return true
	}

	// Configuration problems won't change on retry
	if errors.Is(err, ErrInvalidSettings) || errors.Is(err, ErrNoStep) || errors.Is(err, ErrValidation) || IsKind(err, KindConfig) {
		return true
	}

	return errors.Is(err, ErrCancelled)
}
