package dbsp

import (
	"fmt"
)

// OperatorType classifies operators by how they treat deltas.
type OperatorType int

const (
	OpTypeLinear     OperatorType = iota // Op^Δ = Op
	OpTypeBilinear                       // Op^Δ needs expansion (like joins)
	OpTypeNonLinear                      // Op^Δ needs retained state (like distinct or top-K)
	OpTypeStructural                     // Graph structure (inputs, outputs, concat)
)

func (t OperatorType) String() string {
	switch t {
	case OpTypeLinear:
		return "linear"
	case OpTypeBilinear:
		return "bilinear"
	case OpTypeNonLinear:
		return "non-linear"
	case OpTypeStructural:
		return "structural"
	default:
		return fmt.Sprintf("<unknown:%d>", int(t))
	}
}

// Operator represents a computation node in the graph.
type Operator interface {
	// Name returns the node name for debugging and visualization.
	Name() string
	// OpType returns the operator class.
	OpType() OperatorType
	// HasPendingWork is true if the operator has unconsumed input or buffered state to flush.
	HasPendingWork() bool
	// Run consumes all queued input and sends the resulting delta downstream.
	Run() error

	base() *BaseOp
}

// reader is the input queue of an operator. Each upstream send appends one batch.
type reader struct {
	queue []*MultiSet[Tuple]
}

func (r *reader) pending() bool { return len(r.queue) > 0 }

// drain returns the concatenation of all queued batches and empties the queue.
func (r *reader) drain() *MultiSet[Tuple] {
	switch len(r.queue) {
	case 0:
		return &MultiSet[Tuple]{}
	case 1:
		m := r.queue[0]
		r.queue = nil
		return m
	}
	ret := &MultiSet[Tuple]{}
	for _, m := range r.queue {
		ret.Extend(m)
	}
	r.queue = nil
	return ret
}

// writer fans an operator's output out to the readers of its downstream operators.
type writer struct {
	readers []*reader
}

func (w *writer) newReader() *reader {
	r := &reader{}
	w.readers = append(w.readers, r)
	return r
}

func (w *writer) send(m *MultiSet[Tuple]) {
	if m.IsEmpty() {
		return
	}
	for _, r := range w.readers {
		r.queue = append(r.queue, m)
	}
}

// BaseOp implements the plumbing shared by all operators.
type BaseOp struct {
	name   string
	inputs []*reader
	output *writer
}

// NewBaseOp creates the base of an operator with the given inputs.
func NewBaseOp(name string, inputs ...*reader) BaseOp {
	return BaseOp{name: name, inputs: inputs, output: &writer{}}
}

func (n *BaseOp) Name() string  { return n.name }
func (n *BaseOp) Arity() int    { return len(n.inputs) }
func (n *BaseOp) base() *BaseOp { return n }

// HasPendingWork is true if any input has queued data.
func (n *BaseOp) HasPendingWork() bool {
	for _, r := range n.inputs {
		if r.pending() {
			return true
		}
	}
	return false
}

func (n *BaseOp) validateInputs(arity int) error {
	if len(n.inputs) != arity {
		return fmt.Errorf("node %s expects %d inputs, got %d", n.name, arity, len(n.inputs))
	}
	return nil
}
