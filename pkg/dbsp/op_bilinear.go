package dbsp

import (
	"fmt"
)

// JoinType selects how unmatched rows are handled by a join.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftJoin
	RightJoin
	FullJoin
)

func (t JoinType) String() string {
	switch t {
	case InnerJoin:
		return "inner"
	case LeftJoin:
		return "left"
	case RightJoin:
		return "right"
	case FullJoin:
		return "full"
	default:
		return fmt.Sprintf("<unknown:%d>", int(t))
	}
}

// ParseJoinType converts a join type name into a JoinType.
func ParseJoinType(s string) (JoinType, error) {
	switch s {
	case "", "inner":
		return InnerJoin, nil
	case "left":
		return LeftJoin, nil
	case "right":
		return RightJoin, nil
	case "full", "outer":
		return FullJoin, nil
	default:
		return InnerJoin, fmt.Errorf("unknown join type %q", s)
	}
}

func (t JoinType) keepsLeft() bool  { return t == LeftJoin || t == FullJoin }
func (t JoinType) keepsRight() bool { return t == RightJoin || t == FullJoin }

// JoinOp is an incremental equi-join of two keyed streams. Both inputs are tuples whose key is the
// join key; the output tuples carry the join key and a JoinedValue. Each side is kept in an Index
// and a run computes ΔA⋈B + A'⋈ΔB, where B is the state before and A' is the state after the
// update, so only keys touched by the delta are visited. Outer joins additionally retract and
// re-add the null-extended rows of the touched keys.
type JoinOp struct {
	BaseOp
	joinType    JoinType
	left, right *Index
}

// newJoinOp creates a join operator over two readers.
func newJoinOp(joinType JoinType, left, right *reader) *JoinOp {
	return &JoinOp{
		BaseOp:   NewBaseOp(fmt.Sprintf("⋈_%s", joinType), left, right),
		joinType: joinType,
		left:     NewIndex(),
		right:    NewIndex(),
	}
}

func (op *JoinOp) OpType() OperatorType { return OpTypeBilinear }

// JoinType returns the type of the join.
func (op *JoinOp) JoinType() JoinType { return op.joinType }

func (op *JoinOp) Run() error {
	if err := op.validateInputs(2); err != nil {
		return err
	}

	deltaA, deltaB := NewIndex(), NewIndex()
	touched := []any{}
	seen := map[any]bool{}
	for _, d := range []struct {
		in  *reader
		idx *Index
	}{{op.inputs[0], deltaA}, {op.inputs[1], deltaB}} {
		for t, m := range d.in.drain().All() {
			d.idx.AddValue(t.Key, t.Value, m)
			if !seen[t.Key] {
				seen[t.Key] = true
				touched = append(touched, t.Key)
			}
		}
	}

	out := &MultiSet[Tuple]{}

	// retract the null-extended rows of the old state
	op.outerRows(out, touched, -1)

	out.Extend(deltaA.Join(op.right))
	op.left.Append(deltaA)
	out.Extend(op.left.Join(deltaB))
	op.right.Append(deltaB)

	op.outerRows(out, touched, 1)

	op.output.send(out.Consolidate())
	return nil
}

func (op *JoinOp) outerRows(out *MultiSet[Tuple], keys []any, sign int) {
	for _, k := range keys {
		if op.joinType.keepsLeft() && !op.right.Has(k) {
			for v, m := range op.left.Get(k) {
				out.Add(Tuple{Key: k, Value: JoinedValue{Left: v}}, sign*m)
			}
		}
		if op.joinType.keepsRight() && !op.left.Has(k) {
			for v, m := range op.right.Get(k) {
				out.Add(Tuple{Key: k, Value: JoinedValue{Right: v}}, sign*m)
			}
		}
	}
}

// Join joins the stream with another stream on the tuple keys.
func (s *Stream) Join(other *Stream, joinType JoinType) *Stream {
	return s.graph.addNode(newJoinOp(joinType, s.connect(), other.connect()), s, other)
}
