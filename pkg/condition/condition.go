// Package condition evaluates edge predicates against content items.
// Predicates come in three forms: Go functions registered by the host,
// field rules compared against the item, and JavaScript expressions run in
// a sandboxed goja VM.
package condition

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

// Env is the context a predicate is evaluated in.
type Env struct {
	RunID   string            `json:"runId"`
	GraphID string            `json:"graphId"`
	From    string            `json:"from"`
	To      string            `json:"to"`
	Mode    string            `json:"mode"`
	Vars    map[string]string `json:"vars,omitempty"`
}

// Condition decides whether an item travels along an edge. An error means
// the predicate could not be evaluated; callers treat the edge as not taken.
type Condition interface {
	Evaluate(ctx context.Context, it *item.Item, env Env) (bool, error)
	String() string
}

// Func adapts a Go function to Condition.
type Func func(ctx context.Context, it *item.Item, env Env) (bool, error)

// Evaluate implements Condition.
func (f Func) Evaluate(ctx context.Context, it *item.Item, env Env) (bool, error) {
	return f(ctx, it, env)
}

func (f Func) String() string { return "func" }

type named struct {
	name string
	fn   Func
}

func (n named) Evaluate(ctx context.Context, it *item.Item, env Env) (bool, error) {
	return n.fn(ctx, it, env)
}

func (n named) String() string { return "func:" + n.name }

// Always returns a constant condition.
func Always(v bool) Condition {
	return Func(func(context.Context, *item.Item, Env) (bool, error) { return v, nil })
}

// Spec is the serialized form of a condition inside a graph definition.
// Exactly one of Expression, Rules or Func is set.
type Spec struct {
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
	Logic      Logic         `json:"logic,omitempty" yaml:"logic,omitempty"`
	Rules      []Rule        `json:"rules,omitempty" yaml:"rules,omitempty"`
	Func       string        `json:"func,omitempty" yaml:"func,omitempty"`
	Timeout    time.Duration `json:"-" yaml:"-"`
}

// IsZero reports whether the spec is empty, meaning the edge is unconditional.
func (s Spec) IsZero() bool {
	return s.Expression == "" && len(s.Rules) == 0 && s.Func == ""
}

// Compiler turns specs into conditions. Expression conditions share the
// compiler's VM pool.
type Compiler struct {
	funcs map[string]Func
	pool  *VMPool
}

// NewCompiler creates a compiler with the host-provided named functions.
func NewCompiler(funcs map[string]Func, pool *VMPool) *Compiler {
	if funcs == nil {
		funcs = map[string]Func{}
	}
	if pool == nil {
		pool = NewVMPool(DefaultPoolSize)
	}
	return &Compiler{funcs: funcs, pool: pool}
}

// Compile validates spec and returns the condition, or nil when the spec is empty.
func (c *Compiler) Compile(spec Spec) (Condition, error) {
	set := 0
	if spec.Expression != "" {
		set++
	}
	if len(spec.Rules) > 0 {
		set++
	}
	if spec.Func != "" {
		set++
	}
	switch {
	case set == 0:
		return nil, nil
	case set > 1:
		return nil, fmt.Errorf("condition must set exactly one of expression, rules or func")
	}

	switch {
	case spec.Func != "":
		fn, ok := c.funcs[spec.Func]
		if !ok {
			return nil, fmt.Errorf("unknown condition func %q", spec.Func)
		}
		return named{name: spec.Func, fn: fn}, nil
	case spec.Expression != "":
		return NewExpression(spec.Expression, c.pool, spec.Timeout)
	default:
		return NewRuleSet(spec.Logic, spec.Rules)
	}
}

// view is the shape predicates see an item as.
func view(it *item.Item) map[string]any {
	trail := make([]any, len(it.Trail))
	for i, n := range it.Trail {
		trail[i] = n
	}
	meta := make(map[string]any, len(it.Metadata))
	for k, v := range it.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"id": map[string]any{
			"canonicalId": it.ID.CanonicalID,
			"sourceId":    it.ID.SourceID,
			"uniqueId":    it.ID.UniqueID,
		},
		"key":      it.Key(),
		"data":     it.Data,
		"summary":  it.Summary,
		"metadata": meta,
		"trail":    trail,
	}
}
