package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/condition"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// Options configures Compile.
type Options struct {
	// Registry resolves node types to steps. Required unless the graph only
	// uses built-in node types.
	Registry *step.Registry
	// Conditions compiles edge predicates. Nil uses a compiler without
	// named functions.
	Conditions *condition.Compiler
	// Vars override the definition's vars during placeholder resolution.
	Vars map[string]string
	// DefaultParallelism applies to nodes that do not set one.
	DefaultParallelism int
	// DefaultItemTimeout applies to nodes that do not set one.
	DefaultItemTimeout time.Duration
	// ExpressionTimeout bounds each expression predicate evaluation.
	ExpressionTimeout time.Duration
	Logger            *zap.Logger
}

// Compile validates def and builds the graph. Validation is a single
// O(V+E) pass: unknown references, duplicate ids, cycles, unreachable
// nodes and unpaired batch aggregates are rejected before any step runs.
func Compile(def *Definition, opts Options) (*Graph, error) {
	if def == nil {
		return nil, perrors.NewConfigError("", "graph definition is nil", nil)
	}
	if def.ID == "" {
		return nil, perrors.NewConfigError("", "graph id is required", nil)
	}
	if len(def.Nodes) == 0 {
		return nil, perrors.NewConfigError("", fmt.Sprintf("graph %s has no nodes", def.ID), nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Conditions == nil {
		opts.Conditions = condition.NewCompiler(nil, nil)
	}

	g := &Graph{
		ID:    def.ID,
		Name:  def.Name,
		Nodes: make([]*Node, len(def.Nodes)),
		index: make(map[string]int, len(def.Nodes)),
		def:   def,
	}

	for i, nd := range def.Nodes {
		if nd.ID == "" {
			return nil, perrors.NewConfigError("", fmt.Sprintf("node %d has no id", i), nil)
		}
		if nd.Type == "" {
			return nil, perrors.NewConfigError(nd.ID, "node type is required", nil)
		}
		if _, dup := g.index[nd.ID]; dup {
			return nil, perrors.NewConfigError(nd.ID, "duplicate node id", nil)
		}
		g.index[nd.ID] = i
		g.Nodes[i] = &Node{
			Index:    i,
			ID:       nd.ID,
			Type:     nd.Type,
			Category: nd.Category,
			Fork:     NoNode,
			Split:    NoNode,
			Merge:    nd.Merge,
			PageSize: nd.PageSize,
		}
	}

	if err := g.addEdges(def, opts); err != nil {
		return nil, err
	}
	if err := g.sort(); err != nil {
		return nil, err
	}
	if err := g.resolveStart(def); err != nil {
		return nil, err
	}
	if err := g.checkReachable(); err != nil {
		return nil, err
	}

	ancestors := g.ancestors()
	g.anc = ancestors
	g.pairFanIns(ancestors)

	lookup := step.EnvLookup(mergeVars(def.Vars, opts.Vars))
	for i, nd := range def.Nodes {
		if err := g.buildNode(g.Nodes[i], nd, lookup, ancestors, opts); err != nil {
			g.Close()
			return nil, err
		}
	}

	opts.Logger.Debug("graph compiled",
		zap.String("graph_id", g.ID),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)))
	return g, nil
}

func (g *Graph) addEdges(def *Definition, opts Options) error {
	seen := make(map[[2]int]bool, len(def.Edges))
	for i, ed := range def.Edges {
		from, ok := g.index[ed.From]
		if !ok {
			return perrors.NewConfigError(ed.From, fmt.Sprintf("edge %d references unknown node %q", i, ed.From), nil)
		}
		to, ok := g.index[ed.To]
		if !ok {
			return perrors.NewConfigError(ed.To, fmt.Sprintf("edge %d references unknown node %q", i, ed.To), nil)
		}
		if from == to {
			return perrors.NewCycleOrDeadlockError("node depends on itself", ed.From)
		}
		if seen[[2]int{from, to}] {
			return perrors.NewConfigError(ed.From, fmt.Sprintf("duplicate edge %s -> %s", ed.From, ed.To), nil)
		}
		seen[[2]int{from, to}] = true

		kind := ed.Kind
		if kind == "" {
			kind = EdgeSequential
		}
		switch kind {
		case EdgeSequential, EdgeFanOut, EdgeFanIn:
		default:
			return perrors.NewConfigError(ed.From, fmt.Sprintf("unknown edge kind %q", kind), nil)
		}

		e := Edge{Index: len(g.Edges), From: from, To: to, Kind: kind}
		if ed.Condition != nil && !ed.Condition.IsZero() {
			spec := *ed.Condition
			spec.Timeout = opts.ExpressionTimeout
			cond, err := opts.Conditions.Compile(spec)
			if err != nil {
				return perrors.NewConfigError(ed.From, fmt.Sprintf("invalid condition on edge %s -> %s", ed.From, ed.To), err)
			}
			e.Cond = cond
		}
		if kind == EdgeFanIn {
			g.Nodes[to].FanIn = true
		}

		g.Edges = append(g.Edges, e)
		g.Nodes[from].Out = append(g.Nodes[from].Out, e.Index)
		g.Nodes[to].In = append(g.Nodes[to].In, e.Index)
	}

	for _, n := range g.Nodes {
		n.sink = len(n.Out) == 0
	}
	return nil
}

// sort computes a topological order with Kahn's algorithm. Ties are broken
// by definition order so the result is deterministic.
func (g *Graph) sort() error {
	inDegree := make([]int, len(g.Nodes))
	for _, e := range g.Edges {
		inDegree[e.To]++
	}

	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	g.Order = make([]int, 0, len(g.Nodes))
	for len(queue) > 0 {
		slices.Sort(queue)
		i := queue[0]
		queue = queue[1:]
		g.Order = append(g.Order, i)
		for _, ei := range g.Nodes[i].Out {
			to := g.Edges[ei].To
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(g.Order) != len(g.Nodes) {
		var stuck []string
		for i, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, g.Nodes[i].ID)
			}
		}
		return perrors.NewCycleOrDeadlockError("graph contains a cycle", stuck...)
	}

	g.rank = make([]int, len(g.Nodes))
	for pos, i := range g.Order {
		g.rank[i] = pos
	}
	return nil
}

func (g *Graph) resolveStart(def *Definition) error {
	if len(def.Start) == 0 {
		for _, i := range g.Order {
			if len(g.Nodes[i].In) == 0 {
				g.Start = append(g.Start, i)
			}
		}
		return nil
	}
	for _, id := range def.Start {
		i, ok := g.index[id]
		if !ok {
			return perrors.NewConfigError(id, "start node does not exist", nil)
		}
		if len(g.Nodes[i].In) > 0 {
			return perrors.NewConfigError(id, "start node has incoming edges", nil)
		}
		if !slices.Contains(g.Start, i) {
			g.Start = append(g.Start, i)
		}
	}
	return nil
}

func (g *Graph) checkReachable() error {
	reached := make([]bool, len(g.Nodes))
	stack := slices.Clone(g.Start)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[i] {
			continue
		}
		reached[i] = true
		for _, ei := range g.Nodes[i].Out {
			stack = append(stack, g.Edges[ei].To)
		}
	}
	for i, ok := range reached {
		if !ok {
			return perrors.NewConfigError(g.Nodes[i].ID, "node is not reachable from any start node", nil)
		}
	}
	return nil
}

// ancestors returns, per node, the set of nodes with a path to it.
func (g *Graph) ancestors() [][]bool {
	anc := make([][]bool, len(g.Nodes))
	for _, i := range g.Order {
		anc[i] = make([]bool, len(g.Nodes))
		for _, ei := range g.Nodes[i].In {
			p := g.Edges[ei].From
			anc[i][p] = true
			for j, ok := range anc[p] {
				if ok {
					anc[i][j] = true
				}
			}
		}
	}
	return anc
}

// pairFanIns finds, for every fan-in, the latest node every incoming branch
// descends from. Items leaving that node carry the frame the fan-in joins on.
func (g *Graph) pairFanIns(anc [][]bool) {
	for _, n := range g.Nodes {
		if !n.FanIn {
			continue
		}
		if n.Merge == "" {
			n.Merge = MergeConcat
		}

		common := make([]bool, len(g.Nodes))
		for j := range common {
			common[j] = true
		}
		for _, ei := range n.In {
			p := g.Edges[ei].From
			for j := range common {
				common[j] = common[j] && (j == p || anc[p][j])
			}
		}

		best := NoNode
		for j, ok := range common {
			if ok && (best == NoNode || g.rank[j] > g.rank[best]) {
				best = j
			}
		}
		n.Fork = best
		if best != NoNode {
			g.Nodes[best].IsFork = true
		}
	}
}

func (g *Graph) buildNode(n *Node, nd NodeDef, lookup step.Lookup, anc [][]bool, opts Options) error {
	n.Settings = step.ResolvePlaceholders(nd.Settings, lookup)
	if n.Settings == nil {
		n.Settings = map[string]any{}
	}

	policy, err := buildPolicy(nd.Policy, opts)
	if err != nil {
		return perrors.NewConfigError(n.ID, "invalid policy", err)
	}
	n.Policy = policy

	n.WaitTimeout = nd.WaitTimeout.D()
	if n.WaitTimeout > 0 && nd.Type != TypeBatchAggregate && !n.FanIn {
		opts.Logger.Warn("waitTimeout ignored, node neither aggregates nor joins branches",
			zap.String("node_id", n.ID),
			zap.String("type", nd.Type),
			zap.Duration("wait_timeout", n.WaitTimeout))
		n.WaitTimeout = 0
	}

	switch nd.Type {
	case TypeBatchSplit:
		n.Role = RoleSplit
		if n.Category == "" {
			n.Category = step.CategoryBatchControl
		}
		n.BatchSize = nd.BatchSize
		if n.BatchSize <= 0 {
			return perrors.NewConfigError(n.ID, "batch split requires a positive batchSize", nil)
		}
		return nil

	case TypeBatchAggregate:
		n.Role = RoleAggregate
		if n.Category == "" {
			n.Category = step.CategoryBatchControl
		}
		return g.pairAggregate(n, anc)

	case TypeSubgraph:
		n.Role = RoleSubgraph
		if n.Category == "" {
			n.Category = step.CategoryPipelineControl
		}
		n.SubGraph = nd.Graph
		if n.SubGraph == "" {
			return perrors.NewConfigError(n.ID, "sub-graph node requires a graph reference", nil)
		}
		return nil
	}

	if opts.Registry == nil {
		return perrors.NewConfigError(n.ID, "no step registry configured", perrors.ErrNoStep)
	}
	s, err := opts.Registry.Create(step.Config{
		NodeID:   n.ID,
		Type:     n.Type,
		Category: n.Category,
		Settings: n.Settings,
		Logger:   opts.Logger.With(zap.String("node_id", n.ID)),
	})
	if err != nil {
		return perrors.NewConfigError(n.ID, "cannot create step", err)
	}
	n.Step = s
	n.Role = RoleStep
	if _, ok := s.(step.PageSource); ok && slices.Contains(g.Start, n.Index) {
		n.Role = RoleSource
		if n.Category == "" {
			n.Category = step.CategoryInput
		}
	}
	return nil
}

// pairAggregate binds an aggregate to the split named in its settings or,
// failing that, to its nearest split ancestor.
func (g *Graph) pairAggregate(n *Node, anc [][]bool) error {
	if name, ok := n.Settings["split"].(string); ok && name != "" {
		i, found := g.index[name]
		if !found || g.def.Nodes[i].Type != TypeBatchSplit {
			return perrors.NewConfigError(n.ID, fmt.Sprintf("settings.split %q is not a batch split", name), nil)
		}
		if !anc[n.Index][i] {
			return perrors.NewConfigError(n.ID, fmt.Sprintf("batch split %q is not upstream of the aggregate", name), nil)
		}
		n.Split = i
		return nil
	}

	best := NoNode
	for j, ok := range anc[n.Index] {
		if ok && g.def.Nodes[j].Type == TypeBatchSplit && (best == NoNode || g.rank[j] > g.rank[best]) {
			best = j
		}
	}
	if best == NoNode {
		return perrors.NewConfigError(n.ID, "batch aggregate has no upstream batch split", nil)
	}
	n.Split = best
	return nil
}

func buildPolicy(pd PolicyDef, opts Options) (runner.Policy, error) {
	p := runner.DefaultPolicy()
	p.Parallelism = pd.Parallelism
	if p.Parallelism == 0 {
		p.Parallelism = opts.DefaultParallelism
	}
	p.ItemTimeout = pd.ItemTimeout.D()
	if p.ItemTimeout == 0 {
		p.ItemTimeout = opts.DefaultItemTimeout
	}
	p.StepTimeout = pd.StepTimeout.D()
	p.ContinueOnError = pd.ContinueOnError
	if pd.PreserveOrder != nil {
		p.PreserveOrder = *pd.PreserveOrder
	}
	p.Retry = retry.Policy{
		Strategy:    retry.Strategy(pd.Retry.Strategy),
		MaxAttempts: pd.Retry.MaxAttempts,
		Interval:    pd.Retry.Interval.D(),
		MaxInterval: pd.Retry.MaxInterval.D(),
		MaxElapsed:  pd.Retry.MaxElapsed.D(),
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func mergeVars(base, override map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string)
	}
	maps.Copy(out, override)
	return out
}

// IsConfigError reports whether err came from graph validation.
func IsConfigError(err error) bool {
	return perrors.IsKind(err, perrors.KindConfig) || perrors.IsKind(err, perrors.KindCycleOrDeadlock) || errors.Is(err, perrors.ErrNoStep)
}
