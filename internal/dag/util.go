package dag

// Roots returns the nodes without an incoming edge.
func (g *Graph) Roots() []string {
	roots := make([]string, 0, len(g.Nodes))
	for _, j := range g.Nodes {
		if len(g.Predecessors(j)) == 0 {
			roots = append(roots, j)
		}
	}
	return roots
}

// Sinks returns the nodes without an outgoing edge.
func (g *Graph) Sinks() []string {
	sinks := make([]string, 0, len(g.Nodes))
	for _, i := range g.Nodes {
		if len(g.edges[i]) == 0 {
			sinks = append(sinks, i)
		}
	}
	return sinks
}

// Predecessors returns the nodes with an edge to a node, in node order.
func (g *Graph) Predecessors(to string) []string {
	ret := []string{}
	for _, i := range g.Nodes {
		if g.HasEdge(i, to) {
			ret = append(ret, i)
		}
	}
	return ret
}

// Depth returns the length of the longest path from a root to each node. Nodes must have been
// added in topological order.
func (g *Graph) Depth() map[string]int {
	depth := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		d := 0
		for _, p := range g.Predecessors(n) {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[n] = d
	}
	return depth
}
