// Package visualize renders the dataflow graph of a compiled query as a diagram.
package visualize

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/livequery/internal/dag"
	"github.com/l7mp/livequery/pkg/dbsp"
)

// Graph is the visualization graph of a dataflow graph.
type Graph struct {
	Name  string
	Nodes []OperatorNode
	dag   *dag.Graph
}

// OperatorNode is a single operator in the graph.
type OperatorNode struct {
	ID    string
	Label string
	Type  dbsp.OperatorType
	// Input is true for the root inputs.
	Input bool
	// Lazy is true for the inputs loaded on demand by an optimized join.
	Lazy bool
}

// BuildGraph constructs a visualization graph from a dataflow graph. Inputs named in lazy are
// marked as loaded on demand.
func BuildGraph(name string, g *dbsp.Graph, lazy map[string]bool) *Graph {
	ret := &Graph{
		Name:  name,
		Nodes: make([]OperatorNode, 0, len(g.Nodes())),
		dag:   dag.New(),
	}

	for _, n := range g.Nodes() {
		label := n.Op.Name()
		input := false
		if alias, ok := strings.CutPrefix(label, "input:"); ok {
			input = true
			label = alias
		}
		ret.Nodes = append(ret.Nodes, OperatorNode{
			ID:    n.ID,
			Label: label,
			Type:  n.Op.OpType(),
			Input: input,
			Lazy:  input && lazy[label],
		})
		ret.dag.AddNode(n.ID)
		for _, in := range n.Inputs {
			ret.dag.AddEdge(in.ID, n.ID)
		}
	}

	return ret
}

// Edges returns the edges of the graph as (from, to) pairs.
func (g *Graph) Edges() [][2]string {
	ret := [][2]string{}
	for _, from := range g.dag.Nodes {
		for _, to := range g.dag.Edges(from) {
			ret = append(ret, [2]string{from, to})
		}
	}
	return ret
}

// Depth returns the length of the longest path from an input to each node.
func (g *Graph) Depth() map[string]int { return g.dag.Depth() }

// Roots returns the inputs of the graph.
func (g *Graph) Roots() []string { return g.dag.Roots() }

// Sinks returns the nodes without a successor.
func (g *Graph) Sinks() []string { return g.dag.Sinks() }

func nodeStyle(n OperatorNode) (shape, fill string) {
	switch {
	case n.Input && n.Lazy:
		return "ellipse", "khaki"
	case n.Input:
		return "ellipse", "lightgreen"
	}
	switch n.Type {
	case dbsp.OpTypeBilinear:
		return "box", "orange"
	case dbsp.OpTypeNonLinear:
		return "box", "lightyellow"
	case dbsp.OpTypeStructural:
		return "box", "lightcyan"
	default:
		return "box", "lightblue"
	}
}

// BuildDotGraph creates a dot.Graph from the visualization graph.
// This unified graph can then be rendered in different formats (DOT, Mermaid, etc.).
func BuildDotGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("newrank", "true")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	nodes := make(map[string]dot.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		shape, fill := nodeStyle(n)
		label := n.Label
		if n.Lazy {
			label += " (lazy)"
		}
		node := graph.Node(n.ID).
			Attr("label", label).
			Attr("shape", shape).
			Attr("style", "filled,rounded").
			Attr("fillcolor", fill).
			Attr("fontname", "helvetica")
		if !n.Input {
			node.Attr("tooltip", fmt.Sprintf("%s (%s)", n.ID, n.Type))
		}
		nodes[n.ID] = node
	}

	for _, e := range g.Edges() {
		edge := graph.Edge(nodes[e[0]], nodes[e[1]])
		if from := g.node(e[0]); from != nil && from.Lazy {
			edge.Attr("style", "dashed")
		}
	}

	return graph
}

func (g *Graph) node(id string) *OperatorNode {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}
