// Package script runs a sandboxed JavaScript transform per item.
//
// The source is the body of a function receiving `item` ({id, data,
// summary, metadata}) and `run` ({runId, graphId, nodeId, mode}). Its return
// value decides what is forwarded:
//
//	object            the new payload of the item
//	array of objects  one derived item per element
//	true / undefined  the item, with any in-place changes to item.data
//	false / null      nothing; the item is skipped
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/condition"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// Type is the registry name.
const Type = "script"

// DefaultTimeout bounds one invocation.
const DefaultTimeout = time.Second

// Settings of a script node.
type Settings struct {
	Source    string `json:"source" validate:"required"`
	TimeoutMs int    `json:"timeoutMs" validate:"gte=0"`
	PoolSize  int    `json:"poolSize" validate:"gte=0"`
}

// Step implements step.Step.
type Step struct {
	step.BaseStep
	program *goja.Program
	pool    *condition.VMPool
	timeout time.Duration
	logger  *zap.Logger
}

// New is the registry factory.
func New(cfg step.Config) (step.Step, error) {
	var s Settings
	if err := step.Decode(cfg.Settings, &s); err != nil {
		return nil, err
	}
	program, err := goja.Compile(cfg.NodeID, "(function(item, run) {\n"+s.Source+"\n})", true)
	if err != nil {
		return nil, fmt.Errorf("script does not compile: %w", err)
	}
	timeout := DefaultTimeout
	if s.TimeoutMs > 0 {
		timeout = time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return &Step{
		BaseStep: step.NewBaseStep(cfg),
		program:  program,
		pool:     condition.NewVMPool(s.PoolSize),
		timeout:  timeout,
		logger:   cfg.Logger,
	}, nil
}

// Process implements step.Step.
func (s *Step) Process(ctx context.Context, in step.Input) (out step.Output) {
	if err := ctx.Err(); err != nil {
		return step.Failure(err)
	}
	vm := s.pool.Acquire()
	defer s.pool.Release(vm)

	timer := time.AfterFunc(s.timeout, func() { vm.Interrupt("script timed out") })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			out = step.Failure(fmt.Errorf("script panicked: %v", r))
		}
	}()

	fnVal, err := vm.RunProgram(s.program)
	if err != nil {
		return step.Failure(s.wrap(err))
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return step.Failure(errors.New("script did not compile to a function"))
	}

	it := in.Item
	if it.Data == nil {
		it.Data = make(map[string]any)
	}
	view := map[string]any{
		"id": map[string]any{
			"canonicalId": it.ID.CanonicalID,
			"sourceId":    it.ID.SourceID,
			"uniqueId":    it.ID.UniqueID,
		},
		"data":     it.Data,
		"summary":  it.Summary,
		"metadata": it.Metadata,
	}
	run := map[string]any{
		"runId":   in.Run.RunID,
		"graphId": in.Run.GraphID,
		"nodeId":  in.Run.NodeID,
		"mode":    in.Run.Mode,
	}
	v, err := fn(goja.Undefined(), vm.ToValue(view), vm.ToValue(run))
	if err != nil {
		return step.Failure(s.wrap(err))
	}
	return s.result(it, v)
}

func (s *Step) result(it *item.Item, v goja.Value) step.Output {
	if goja.IsUndefined(v) {
		return step.Success(it)
	}
	if goja.IsNull(v) {
		return step.Skip("script returned null")
	}
	switch r := v.Export().(type) {
	case bool:
		if !r {
			return step.Skip("script returned false")
		}
		return step.Success(it)
	case map[string]any:
		it.Data = r
		return step.Success(it)
	case []any:
		out := make([]*item.Item, 0, len(r))
		for i, el := range r {
			data, ok := el.(map[string]any)
			if !ok {
				return step.Failure(fmt.Errorf("script returned %T at index %d, want an object", el, i))
			}
			out = append(out, it.Derive(data))
		}
		s.logger.Debug("script split item",
			zap.String("item_id", it.Key()),
			zap.Int("items", len(out)))
		return step.Success(out...)
	default:
		return step.Failure(fmt.Errorf("script returned unsupported %T", r))
	}
}

func (s *Step) wrap(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	return fmt.Errorf("script failed: %w", err)
}
