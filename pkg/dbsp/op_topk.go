package dbsp

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/l7mp/livequery/pkg/fracindex"
)

// Comparator orders values: it returns a negative number if a sorts before b, a positive number
// if b sorts before a, and zero otherwise.
type Comparator func(a, b any) int

// TopKOptions configures a grouped top-K operator.
type TopKOptions struct {
	// Limit is the window size. Use NoLimit for an unbounded window.
	Limit int
	// Offset is the rank of the first element of the window.
	Offset int
	// GroupKeyFn computes the group of an element. All elements are in the same group if unset.
	// Group keys must be comparable.
	GroupKeyFn func(key, value any) any
	// SetSizeCallback, if set, is called once with a function that returns the number of
	// elements currently inside the windows of all groups.
	SetSizeCallback func(size func() int)
	// SetWindowFn, if set, is called once with a function that changes the window at runtime.
	SetWindowFn func(setWindow func(offset, limit int))
}

// TopKValue is the output value of a top-K operator: the input value and its fractional index.
type TopKValue struct {
	Value any
	Index string
}

type topKElem struct {
	key, value any
	hash       uint64
	mult       int
}

type topKEmitted struct {
	elem  *topKElem
	index string
}

type topKGroup struct {
	elems   map[uint64]*topKElem
	sorted  []*topKElem
	emitted map[uint64]topKEmitted
}

// TopKOp maintains, per group, the elements ranked [offset, offset+limit) by a comparator and
// assigns each a fractional index. Elements have set semantics: an element is a candidate while
// its multiplicity is positive. Every element entering a window is emitted with +1 and a fresh
// index placed between its visible neighbours, every element leaving a window is retracted with
// -1, and the elements that stay in the window keep their index.
type TopKOp struct {
	BaseOp
	cmp           Comparator
	limit, offset int
	groupKeyFn    func(key, value any) any
	groups        map[any]*topKGroup
	size          int
	windowChanged bool
}

func (op *TopKOp) OpType() OperatorType { return OpTypeNonLinear }

// HasPendingWork is true if there is new input or the window has been changed.
func (op *TopKOp) HasPendingWork() bool {
	return op.windowChanged || op.BaseOp.HasPendingWork()
}

// Size returns the number of elements inside the windows of all groups.
func (op *TopKOp) Size() int { return op.size }

// SetWindow changes the window. The groups are recomputed on the next run.
func (op *TopKOp) SetWindow(offset, limit int) {
	offset, limit = max(offset, 0), max(limit, 0)
	if offset == op.offset && limit == op.limit {
		return
	}
	op.offset, op.limit = offset, limit
	op.windowChanged = true
}

func (op *TopKOp) compare(a, b *topKElem) int {
	if c := op.cmp(a.value, b.value); c != 0 {
		return c
	}
	return cmp.Compare(a.hash, b.hash)
}

func (op *TopKOp) Run() error {
	type touchedGroup struct {
		key   any
		group *topKGroup
	}
	touched := []touchedGroup{}
	seen := map[any]bool{}

	for t, m := range op.inputs[0].drain().All() {
		gk := op.groupKeyFn(t.Key, t.Value)
		g, ok := op.groups[gk]
		if !ok {
			g = &topKGroup{elems: map[uint64]*topKElem{}, emitted: map[uint64]topKEmitted{}}
			op.groups[gk] = g
		}
		if !seen[gk] {
			seen[gk] = true
			touched = append(touched, touchedGroup{gk, g})
		}
		op.apply(g, t, m)
	}

	if op.windowChanged {
		for gk, g := range op.groups {
			if !seen[gk] {
				seen[gk] = true
				touched = append(touched, touchedGroup{gk, g})
			}
		}
		op.windowChanged = false
	}

	out := &MultiSet[Tuple]{}
	for _, tg := range touched {
		if err := op.recompute(tg.group, out); err != nil {
			return err
		}
		if len(tg.group.elems) == 0 && len(tg.group.emitted) == 0 {
			delete(op.groups, tg.key)
		}
	}

	op.output.send(out)
	return nil
}

// apply merges a multiplicity change into the candidate set of a group.
func (op *TopKOp) apply(g *topKGroup, t Tuple, m int) {
	h := Hash(t)
	e, ok := g.elems[h]
	if !ok {
		e = &topKElem{key: t.Key, value: t.Value, hash: h}
		g.elems[h] = e
	}

	was := e.mult > 0
	e.mult += m
	is := e.mult > 0

	switch {
	case !was && is:
		pos, _ := slices.BinarySearchFunc(g.sorted, e, op.compare)
		g.sorted = slices.Insert(g.sorted, pos, e)
	case was && !is:
		if pos, found := slices.BinarySearchFunc(g.sorted, e, op.compare); found {
			g.sorted = slices.Delete(g.sorted, pos, pos+1)
		}
	}

	if e.mult == 0 {
		delete(g.elems, h)
	}
}

func (op *TopKOp) window(g *topKGroup) []*topKElem {
	lo := min(op.offset, len(g.sorted))
	hi := len(g.sorted)
	if op.limit < hi-lo {
		hi = lo + op.limit
	}
	return g.sorted[lo:hi]
}

// recompute diffs the window of a group against the emitted elements.
func (op *TopKOp) recompute(g *topKGroup, out *MultiSet[Tuple]) error {
	window := op.window(g)
	inWindow := make(map[uint64]bool, len(window))
	for _, e := range window {
		inWindow[e.hash] = true
	}

	leaving := []topKEmitted{}
	for h, em := range g.emitted {
		if !inWindow[h] {
			leaving = append(leaving, em)
			delete(g.emitted, h)
		}
	}
	slices.SortFunc(leaving, func(a, b topKEmitted) int { return cmp.Compare(a.index, b.index) })
	for _, em := range leaving {
		out.Add(Tuple{Key: em.elem.key, Value: TopKValue{Value: em.elem.value, Index: em.index}}, -1)
	}
	op.size -= len(leaving)

	prev := ""
	for i := 0; i < len(window); {
		if em, ok := g.emitted[window[i].hash]; ok {
			prev = em.index
			i++
			continue
		}

		// a run of entering elements between two staying ones
		j := i
		for j < len(window) {
			if _, ok := g.emitted[window[j].hash]; ok {
				break
			}
			j++
		}
		next := ""
		if j < len(window) {
			next = g.emitted[window[j].hash].index
		}

		keys, err := fracindex.NKeysBetween(prev, next, j-i)
		if err != nil {
			return fmt.Errorf("cannot assign fractional index: %w", err)
		}
		for k, e := range window[i:j] {
			g.emitted[e.hash] = topKEmitted{elem: e, index: keys[k]}
			out.Add(Tuple{Key: e.key, Value: TopKValue{Value: e.value, Index: keys[k]}}, 1)
		}
		op.size += j - i

		prev = keys[len(keys)-1]
		i = j
	}

	return nil
}

// GroupedTopKWithFractionalIndex adds a grouped top-K operator to the stream. The output tuples
// carry the input key and a TopKValue.
func (s *Stream) GroupedTopKWithFractionalIndex(comparator Comparator, opts TopKOptions) *Stream {
	op := &TopKOp{
		BaseOp:     NewBaseOp("topK", s.connect()),
		cmp:        comparator,
		limit:      max(opts.Limit, 0),
		offset:     max(opts.Offset, 0),
		groupKeyFn: opts.GroupKeyFn,
		groups:     map[any]*topKGroup{},
	}
	if op.groupKeyFn == nil {
		op.groupKeyFn = func(_, _ any) any { return nil }
	}
	if opts.SetSizeCallback != nil {
		opts.SetSizeCallback(op.Size)
	}
	if opts.SetWindowFn != nil {
		opts.SetWindowFn(op.SetWindow)
	}
	return s.graph.addNode(op, s)
}
