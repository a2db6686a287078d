package visualize

import (
	"fmt"

	"github.com/emicklei/dot"
)

// Generator renders a graph in a text format.
type Generator interface {
	Generate(g *Graph) string
}

// NewGenerator returns the generator of a format: "dot" or "mermaid".
func NewGenerator(format string) (Generator, error) {
	switch format {
	case "dot":
		return &DotGenerator{}, nil
	case "mermaid":
		return &MermaidGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown graph format %q", format)
	}
}

// DotGenerator generates Graphviz DOT diagrams.
type DotGenerator struct{}

func (d *DotGenerator) Generate(g *Graph) string {
	return BuildDotGraph(g).String()
}

// MermaidGenerator generates Mermaid flowcharts wrapped in a markdown code block.
type MermaidGenerator struct{}

func (m *MermaidGenerator) Generate(g *Graph) string {
	mermaid := dot.MermaidFlowchart(buildMermaidGraph(g), dot.MermaidLeftToRight)
	return fmt.Sprintf("```mermaid\n%s\n```\n", mermaid)
}

// buildMermaidGraph creates a dot.Graph carrying the attributes of the Mermaid renderer: shapes
// are Mermaid shapes and styles are CSS declarations.
func buildMermaidGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)

	nodes := make(map[string]dot.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		_, fill := nodeStyle(n)
		label, shape := n.Label, dot.MermaidShapeRound
		if n.Input {
			shape = dot.MermaidShapeStadium
		}
		if n.Lazy {
			label += " (lazy)"
		}
		nodes[n.ID] = graph.Node(n.ID).
			Attr("label", label).
			Attr("shape", shape).
			Attr("style", "fill:"+fill)
	}

	for _, e := range g.Edges() {
		edge := graph.Edge(nodes[e[0]], nodes[e[1]])
		if from := g.node(e[0]); from != nil && from.Lazy {
			edge.Attr("label", "lazy")
		}
	}

	return graph
}
