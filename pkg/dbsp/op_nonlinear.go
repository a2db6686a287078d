package dbsp

// ReduceFunc computes the output values of a key from the consolidated values of the key. The
// input contains only entries with a non-zero multiplicity. An empty result removes the key from
// the output.
type ReduceFunc func(key any, values []Elem[any]) []Elem[any]

// ReduceOp is a keyed aggregation. It keeps the integrated input in an Index and, for every key
// touched by a delta, retracts the previous output of the key and emits the new one.
type ReduceOp struct {
	BaseOp
	fn    ReduceFunc
	index *Index
	out   map[any][]Elem[any]
}

func (op *ReduceOp) OpType() OperatorType { return OpTypeNonLinear }

func (op *ReduceOp) Run() error {
	touched := []any{}
	seen := map[any]bool{}
	for t, m := range op.inputs[0].drain().All() {
		op.index.AddValue(t.Key, t.Value, m)
		if !seen[t.Key] {
			seen[t.Key] = true
			touched = append(touched, t.Key)
		}
	}

	ret := &MultiSet[Tuple]{}
	for _, k := range touched {
		for _, e := range op.out[k] {
			ret.Add(Tuple{Key: k, Value: e.Item}, -e.Multiplicity)
		}

		values := NewMultiSet(op.index.Entries(k)...).Consolidate().Entries()
		var next []Elem[any]
		if len(values) > 0 {
			next = op.fn(k, values)
		}
		for _, e := range next {
			ret.Add(Tuple{Key: k, Value: e.Item}, e.Multiplicity)
		}

		if len(next) == 0 {
			delete(op.out, k)
		} else {
			op.out[k] = next
		}
	}

	op.output.send(ret.Consolidate())
	return nil
}

// Reduce adds a keyed aggregation to the stream.
func (s *Stream) Reduce(fn ReduceFunc) *Stream {
	return s.reduce("reduce", fn)
}

func (s *Stream) reduce(name string, fn ReduceFunc) *Stream {
	op := &ReduceOp{
		BaseOp: NewBaseOp(name, s.connect()),
		fn:     fn,
		index:  NewIndex(),
		out:    map[any][]Elem[any]{},
	}
	return s.graph.addNode(op, s)
}

// Distinct converts the stream into a set: each (key, value) pair with a positive multiplicity is
// emitted exactly once.
func (s *Stream) Distinct() *Stream {
	return s.reduce("distinct", func(_ any, values []Elem[any]) []Elem[any] {
		ret := make([]Elem[any], 0, len(values))
		for _, e := range values {
			if e.Multiplicity > 0 {
				ret = append(ret, Elem[any]{Item: e.Item, Multiplicity: 1})
			}
		}
		return ret
	})
}
