package dbsp

import (
	"fmt"

	"github.com/go-logr/logr"
)

// GraphNode is an operator placed in a graph together with its upstream nodes.
type GraphNode struct {
	ID     string
	Op     Operator
	Inputs []*GraphNode
}

// Graph is a finalized, pull-scheduled DAG of operators. Nodes are kept in creation order, which
// is a topological order since a node can only be created from already existing streams, so a
// single pass over the nodes propagates a delta from the inputs to the outputs.
type Graph struct {
	nodes     []*GraphNode
	inputs    []*Input
	finalized bool
	log       logr.Logger
}

// NewGraph creates an empty graph.
func NewGraph(log logr.Logger) *Graph {
	return &Graph{log: log.WithName("dbsp-graph")}
}

// Stream is a handle to the output of a graph node. Operators are added to the graph by calling
// the methods of a stream.
type Stream struct {
	graph *Graph
	node  *GraphNode
}

// Node returns the graph node producing the stream.
func (s *Stream) Node() *GraphNode { return s.node }

// Graph returns the graph the stream belongs to.
func (s *Stream) Graph() *Graph { return s.graph }

func (s *Stream) connect() *reader { return s.node.Op.base().output.newReader() }

func (g *Graph) addNode(op Operator, upstream ...*Stream) *Stream {
	if g.finalized {
		panic(ErrGraphFinalized)
	}

	n := &GraphNode{
		ID:     fmt.Sprintf("node_%d_%s", len(g.nodes), op.Name()),
		Op:     op,
		Inputs: make([]*GraphNode, 0, len(upstream)),
	}
	for _, s := range upstream {
		if s.graph != g {
			panic(fmt.Sprintf("stream %s belongs to another graph", s.node.ID))
		}
		n.Inputs = append(n.Inputs, s.node)
	}
	g.nodes = append(g.nodes, n)

	return &Stream{graph: g, node: n}
}

// Input is a root node of the graph that receives externally supplied deltas.
type Input struct {
	BaseOp
	pending []*MultiSet[Tuple]
	stream  *Stream
}

func (op *Input) OpType() OperatorType { return OpTypeStructural }

// HasPendingWork is true if the input has data not yet sent downstream.
func (op *Input) HasPendingWork() bool { return len(op.pending) > 0 }

// Send buffers a delta. The delta is propagated on the next Step.
func (op *Input) Send(m *MultiSet[Tuple]) {
	if m.IsEmpty() {
		return
	}
	op.pending = append(op.pending, m)
}

// Stream returns the output stream of the input.
func (op *Input) Stream() *Stream { return op.stream }

func (op *Input) Run() error {
	pending := op.pending
	op.pending = nil
	for _, m := range pending {
		op.output.send(m)
	}
	return nil
}

// NewInput adds a root input to the graph.
func (g *Graph) NewInput(name string) *Input {
	op := &Input{BaseOp: NewBaseOp("input:" + name)}
	op.stream = g.addNode(op)
	g.inputs = append(g.inputs, op)
	return op
}

// Inputs returns the root inputs of the graph.
func (g *Graph) Inputs() []*Input { return g.inputs }

// Nodes returns the nodes of the graph in topological order.
func (g *Graph) Nodes() []*GraphNode { return g.nodes }

// Finalize seals the graph. No nodes can be added after this.
func (g *Graph) Finalize() {
	if g.finalized {
		return
	}
	g.finalized = true
	g.log.V(2).Info("graph finalized", "nodes", len(g.nodes), "inputs", len(g.inputs))
}

// IsFinalized is true if Finalize has been called.
func (g *Graph) IsFinalized() bool { return g.finalized }

// PendingWork is true if any node has unconsumed input or buffered state.
func (g *Graph) PendingWork() bool {
	for _, n := range g.nodes {
		if n.Op.HasPendingWork() {
			return true
		}
	}
	return false
}

// Step performs one full propagation pass over the graph.
func (g *Graph) Step() error {
	if !g.finalized {
		return ErrGraphNotFinalized
	}
	for _, n := range g.nodes {
		if !n.Op.HasPendingWork() {
			continue
		}
		if err := n.Op.Run(); err != nil {
			return NewOperatorError(n.ID, err)
		}
	}
	return nil
}

// Run steps the graph until there is no more pending work.
func (g *Graph) Run() error {
	steps := 0
	for g.PendingWork() {
		if err := g.Step(); err != nil {
			return err
		}
		steps++
	}
	g.log.V(4).Info("graph run ready", "steps", steps)
	return nil
}
