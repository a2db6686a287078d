// Package dag implements a minimal directed acyclic graph over string labels.
package dag

import (
	"cmp"
	"slices"
)

// Graph is a DAG. Nodes keep their insertion order.
type Graph struct {
	Nodes   []string
	byLabel map[string]int
	edges   map[string]map[string]bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{byLabel: map[string]int{}, edges: map[string]map[string]bool{}}
}

// AddNode adds a node. It returns false if the node already exists.
func (g *Graph) AddNode(label string) bool {
	if _, ok := g.byLabel[label]; ok {
		return false
	}
	g.byLabel[label] = len(g.Nodes)
	g.Nodes = append(g.Nodes, label)
	g.edges[label] = map[string]bool{}
	return true
}

// AddEdge adds an edge between two existing nodes.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from][to] = true
}

func (g *Graph) HasEdge(from, to string) bool {
	return g.edges[from] != nil && g.edges[from][to]
}

// Edges returns the successors of a node in node order.
func (g *Graph) Edges(from string) []string {
	edges := make([]string, 0, len(g.edges[from]))
	for k := range g.edges[from] {
		edges = append(edges, k)
	}
	slices.SortFunc(edges, func(a, b string) int { return cmp.Compare(g.byLabel[a], g.byLabel[b]) })
	return edges
}
