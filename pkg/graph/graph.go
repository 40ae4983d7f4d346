package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/condition"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// Role is how the engine drives a node.
type Role int

const (
	// RoleStep runs a registered step over the task items.
	RoleStep Role = iota
	// RoleSource is a start node whose step crawls pages.
	RoleSource
	// RoleSplit cuts the task items into batch envelopes.
	RoleSplit
	// RoleAggregate waits for every envelope of a collection.
	RoleAggregate
	// RoleSubgraph runs another graph as one node.
	RoleSubgraph
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleSplit:
		return "split"
	case RoleAggregate:
		return "aggregate"
	case RoleSubgraph:
		return "subgraph"
	default:
		return "step"
	}
}

// NoNode marks an absent node index.
const NoNode = -1

// Node is a compiled vertex. Index is its position in Graph.Nodes.
type Node struct {
	Index    int
	ID       string
	Type     string
	Category step.Category
	Role     Role
	Settings map[string]any

	// Step is nil for split, aggregate and sub-graph nodes.
	Step   step.Step
	Policy runner.Policy

	In  []int
	Out []int

	// FanIn is set when the node joins branches. Fork is the node whose
	// lineage frames it joins on, or NoNode when branches only meet at
	// the run root.
	FanIn bool
	Fork  int
	Merge MergeStrategy
	// IsFork is set on nodes some fan-in joins on.
	IsFork bool

	BatchSize   int
	Split       int
	WaitTimeout time.Duration
	PageSize    int
	SubGraph    string

	sink bool
}

// IsSink reports whether the node has no outgoing edges.
func (n *Node) IsSink() bool { return n.sink }

// Edge is a compiled edge between two node indices.
type Edge struct {
	Index int
	From  int
	To    int
	Kind  EdgeKind
	// Cond is nil for unconditional edges.
	Cond condition.Condition
}

// Graph is a compiled, read-only graph.
type Graph struct {
	ID    string
	Name  string
	Nodes []*Node
	Edges []Edge
	// Start holds the indices runs are seeded at.
	Start []int
	// Order is a topological order of all node indices.
	Order []int

	rank  []int
	index map[string]int
	def   *Definition
	// anc[i][j] is set when j has a path to i.
	anc [][]bool
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.Nodes[i], true
}

// Rank returns the position of node index i in the topological order.
func (g *Graph) Rank(i int) int { return g.rank[i] }

// Feeds reports whether work at node from can still reach node to.
func (g *Graph) Feeds(from, to int) bool {
	return from == to || g.anc[to][from]
}

// Sinks returns the indices of nodes without outgoing edges, in topological order.
func (g *Graph) Sinks() []int {
	var out []int
	for _, i := range g.Order {
		if g.Nodes[i].sink {
			out = append(out, i)
		}
	}
	return out
}

// Definition returns the definition the graph was compiled from.
func (g *Graph) Definition() *Definition { return g.def }

// Close releases steps that hold resources.
func (g *Graph) Close() error {
	var errs []error
	for _, n := range g.Nodes {
		if c, ok := n.Step.(step.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", n.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
