package condition

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

const (
	// DefaultPoolSize is the number of idle VMs a pool keeps.
	DefaultPoolSize = 8
	// DefaultExpressionTimeout bounds a single expression evaluation.
	DefaultExpressionTimeout = 100 * time.Millisecond
)

// globals removed from every VM before it is handed out.
var blockedGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
}

// VMPool keeps idle goja runtimes for reuse. A runtime is used by one
// evaluation at a time.
type VMPool struct {
	idle    chan *goja.Runtime
	created atomic.Int64
}

// NewVMPool creates a pool holding up to size idle runtimes.
func NewVMPool(size int) *VMPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &VMPool{idle: make(chan *goja.Runtime, size)}
}

// Acquire returns an idle runtime or creates a new one.
func (p *VMPool) Acquire() *goja.Runtime {
	select {
	case vm := <-p.idle:
		return vm
	default:
		return p.newVM()
	}
}

// Release hands vm back. Runtimes beyond the pool size are discarded.
func (p *VMPool) Release(vm *goja.Runtime) {
	vm.ClearInterrupt()
	select {
	case p.idle <- vm:
	default:
	}
}

// Created reports how many runtimes the pool has built.
func (p *VMPool) Created() int64 {
	return p.created.Load()
}

func (p *VMPool) newVM() *goja.Runtime {
	p.created.Add(1)
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, name := range blockedGlobals {
		_ = vm.Set(name, goja.Undefined())
	}
	return vm
}

// Expression is a JavaScript predicate. The source is an expression over
// `item` and `env`, for example `item.data.score > 0.5 && env.mode == "full"`.
type Expression struct {
	source  string
	program *goja.Program
	pool    *VMPool
	timeout time.Duration
}

// NewExpression compiles source. A zero timeout uses DefaultExpressionTimeout.
func NewExpression(source string, pool *VMPool, timeout time.Duration) (*Expression, error) {
	if pool == nil {
		pool = NewVMPool(DefaultPoolSize)
	}
	if timeout <= 0 {
		timeout = DefaultExpressionTimeout
	}
	wrapped := "(function(item, env) { return (" + source + "\n); })"
	program, err := goja.Compile("condition", wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}
	return &Expression{source: source, program: program, pool: pool, timeout: timeout}, nil
}

// Evaluate implements Condition. The result is coerced with JavaScript
// truthiness.
func (e *Expression) Evaluate(ctx context.Context, it *item.Item, env Env) (result bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	vm := e.pool.Acquire()
	defer e.pool.Release(vm)

	timer := time.AfterFunc(e.timeout, func() { vm.Interrupt("expression timed out") })
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stopCtx()

	defer func() {
		if r := recover(); r != nil {
			result, err = false, fmt.Errorf("expression panicked: %v", r)
		}
	}()

	fnVal, err := vm.RunProgram(e.program)
	if err != nil {
		return false, e.wrap(err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return false, fmt.Errorf("expression %q did not compile to a function", e.source)
	}

	envView := map[string]any{
		"runId":   env.RunID,
		"graphId": env.GraphID,
		"from":    env.From,
		"to":      env.To,
		"mode":    env.Mode,
		"vars":    stringMap(env.Vars),
	}
	v, err := fn(goja.Undefined(), vm.ToValue(view(it)), vm.ToValue(envView))
	if err != nil {
		return false, e.wrap(err)
	}
	return v.ToBoolean(), nil
}

func (e *Expression) String() string { return e.source }

func (e *Expression) wrap(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("expression %q interrupted: %v", e.source, interrupted.Value())
	}
	return fmt.Errorf("expression %q failed: %w", e.source, err)
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
