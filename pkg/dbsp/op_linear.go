package dbsp

// MapFunc transforms a tuple.
type MapFunc func(Tuple) Tuple

// FilterFunc is a tuple predicate.
type FilterFunc func(Tuple) bool

// FlatMapFunc maps a tuple to any number of tuples.
type FlatMapFunc func(Tuple) []Tuple

// MapOp applies a function to each element. Multiplicities are kept.
type MapOp struct {
	BaseOp
	fn MapFunc
}

func (op *MapOp) OpType() OperatorType { return OpTypeLinear }

func (op *MapOp) Run() error {
	op.output.send(MapMultiSet(op.inputs[0].drain(), op.fn))
	return nil
}

// Map adds a projection to the stream.
func (s *Stream) Map(fn MapFunc) *Stream {
	return s.graph.addNode(&MapOp{BaseOp: NewBaseOp("π", s.connect()), fn: fn}, s)
}

// FilterOp keeps the elements that satisfy a predicate.
type FilterOp struct {
	BaseOp
	fn FilterFunc
}

func (op *FilterOp) OpType() OperatorType { return OpTypeLinear }

func (op *FilterOp) Run() error {
	op.output.send(op.inputs[0].drain().Filter(op.fn))
	return nil
}

// Filter adds a selection to the stream.
func (s *Stream) Filter(fn FilterFunc) *Stream {
	return s.graph.addNode(&FilterOp{BaseOp: NewBaseOp("σ", s.connect()), fn: fn}, s)
}

// FlatMapOp maps each element to a list of elements, each inheriting the multiplicity of the
// source element.
type FlatMapOp struct {
	BaseOp
	fn FlatMapFunc
}

func (op *FlatMapOp) OpType() OperatorType { return OpTypeLinear }

func (op *FlatMapOp) Run() error {
	ret := &MultiSet[Tuple]{}
	for t, m := range op.inputs[0].drain().All() {
		for _, u := range op.fn(t) {
			ret.Add(u, m)
		}
	}
	op.output.send(ret)
	return nil
}

// FlatMap adds an unnest to the stream.
func (s *Stream) FlatMap(fn FlatMapFunc) *Stream {
	return s.graph.addNode(&FlatMapOp{BaseOp: NewBaseOp("flatmap", s.connect()), fn: fn}, s)
}

// NegateOp flips the sign of each multiplicity.
type NegateOp struct {
	BaseOp
}

func (op *NegateOp) OpType() OperatorType { return OpTypeLinear }

func (op *NegateOp) Run() error {
	op.output.send(op.inputs[0].drain().Negate())
	return nil
}

// Negate adds a negation to the stream.
func (s *Stream) Negate() *Stream {
	return s.graph.addNode(&NegateOp{BaseOp: NewBaseOp("-", s.connect())}, s)
}

// ConcatOp merges the deltas of multiple streams.
type ConcatOp struct {
	BaseOp
}

func (op *ConcatOp) OpType() OperatorType { return OpTypeStructural }

func (op *ConcatOp) Run() error {
	ret := &MultiSet[Tuple]{}
	for _, r := range op.inputs {
		ret.Extend(r.drain())
	}
	op.output.send(ret)
	return nil
}

// Concat merges the stream with other streams.
func (s *Stream) Concat(others ...*Stream) *Stream {
	streams := append([]*Stream{s}, others...)
	readers := make([]*reader, 0, len(streams))
	for _, o := range streams {
		readers = append(readers, o.connect())
	}
	return s.graph.addNode(&ConcatOp{BaseOp: NewBaseOp("+", readers...)}, streams...)
}

// TapOp calls a side-effecting function on each batch and passes the batch on unchanged.
type TapOp struct {
	BaseOp
	fn func(*MultiSet[Tuple])
}

func (op *TapOp) OpType() OperatorType { return OpTypeLinear }

func (op *TapOp) Run() error {
	m := op.inputs[0].drain()
	if !m.IsEmpty() {
		op.fn(m)
	}
	op.output.send(m)
	return nil
}

// Tap adds a side effect to the stream.
func (s *Stream) Tap(fn func(*MultiSet[Tuple])) *Stream {
	return s.graph.addNode(&TapOp{BaseOp: NewBaseOp("tap", s.connect()), fn: fn}, s)
}

// ConsolidateOp cancels opposite-sign entries of the same tuple within a batch.
type ConsolidateOp struct {
	BaseOp
}

func (op *ConsolidateOp) OpType() OperatorType { return OpTypeLinear }

func (op *ConsolidateOp) Run() error {
	op.output.send(op.inputs[0].drain().Consolidate())
	return nil
}

// Consolidate adds a consolidation to the stream.
func (s *Stream) Consolidate() *Stream {
	return s.graph.addNode(&ConsolidateOp{BaseOp: NewBaseOp("consolidate", s.connect())}, s)
}

// OutputOp is a sink calling a function with each batch.
type OutputOp struct {
	BaseOp
	fn func(*MultiSet[Tuple]) error
}

func (op *OutputOp) OpType() OperatorType { return OpTypeStructural }

func (op *OutputOp) Run() error {
	m := op.inputs[0].drain()
	if m.IsEmpty() {
		return nil
	}
	return op.fn(m)
}

// Output adds a sink to the stream.
func (s *Stream) Output(fn func(*MultiSet[Tuple]) error) *Stream {
	return s.graph.addNode(&OutputOp{BaseOp: NewBaseOp("output", s.connect()), fn: fn}, s)
}
