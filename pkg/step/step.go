// Package step defines the contract every unit of pipeline work satisfies,
// the registry that resolves node types to implementations, and helpers for
// turning a node's raw settings into a typed configuration.
package step

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

// Category is a scheduling hint for a node.
type Category string

const (
	CategoryInput           Category = "input"
	CategoryTransform       Category = "transform"
	CategoryAnalysis        Category = "analysis"
	CategoryOutput          Category = "output"
	CategoryBatchControl    Category = "batch-control"
	CategoryPipelineControl Category = "pipeline-control"
)

// RunInfo describes the run an invocation belongs to.
type RunInfo struct {
	RunID   string
	GraphID string
	NodeID  string
	Mode    string
	Depth   int
}

// Input is a single item handed to a step.
type Input struct {
	Item  *item.Item
	Index int
	Run   RunInfo
}

// Output is what a step returns for one input item. Zero items with no
// error drops the item; several items split it.
type Output struct {
	Items      []*item.Item
	Error      error
	Skipped    bool
	SkipReason string
}

// Step processes items one at a time. Implementations must honor ctx and
// must not keep references to an item after returning it.
type Step interface {
	// NodeID returns the id of the graph node this instance was built for.
	NodeID() string

	// StepType returns the registry name of the implementation.
	StepType() string

	// Process handles one item.
	Process(ctx context.Context, in Input) Output
}

// BatchStep is implemented by steps that need the whole collection at once,
// such as deduplication or ranking. Any returned error fails the step.
type BatchStep interface {
	Step
	ProcessBatch(ctx context.Context, items []*item.Item, run RunInfo) ([]*item.Item, error)
}

// Closer is implemented by steps holding resources released at run end.
type Closer interface {
	Close() error
}

// Success creates a successful Output carrying items.
func Success(items ...*item.Item) Output {
	return Output{Items: items}
}

// Failure creates a failed Output with the given error.
func Failure(err error) Output {
	return Output{Error: err}
}

// Skip creates a skipped Output with the given reason. The item is not
// forwarded.
func Skip(reason string) Output {
	return Output{Skipped: true, SkipReason: reason}
}
