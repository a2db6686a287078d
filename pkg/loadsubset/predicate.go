package loadsubset

import (
	"slices"

	"github.com/l7mp/livequery/pkg/query"
	"github.com/l7mp/livequery/pkg/util"
)

// A nil predicate matches every row.

// bound is one end of an interval. An unset bound is unbounded.
type bound struct {
	set  bool
	v    any
	incl bool
}

// constraint is the set of values a single field may take: either an interval or a finite set of
// values.
type constraint struct {
	lo, hi bound
	hasIn  bool
	in     []any
}

func (c *constraint) admits(v any) bool {
	if c.hasIn && !slices.ContainsFunc(c.in, func(x any) bool { return query.Equivalent(x, v) }) {
		return false
	}
	if v == nil {
		return !c.lo.set && !c.hi.set
	}
	if c.lo.set {
		cmp := query.Compare(v, c.lo.v)
		if cmp < 0 || (cmp == 0 && !c.lo.incl) {
			return false
		}
	}
	if c.hi.set {
		cmp := query.Compare(v, c.hi.v)
		if cmp > 0 || (cmp == 0 && !c.hi.incl) {
			return false
		}
	}
	return true
}

// lowerWithin is true if the lower bound a is at least as tight as the lower bound b.
func lowerWithin(a, b bound) bool {
	if !b.set {
		return true
	}
	if !a.set {
		return false
	}
	c := query.Compare(a.v, b.v)
	return c > 0 || (c == 0 && (b.incl || !a.incl))
}

func upperWithin(a, b bound) bool {
	if !b.set {
		return true
	}
	if !a.set {
		return false
	}
	c := query.Compare(a.v, b.v)
	return c < 0 || (c == 0 && (b.incl || !a.incl))
}

// subsetOf is true if every value admitted by c is admitted by o.
func (c *constraint) subsetOf(o *constraint) bool {
	if c.hasIn {
		for _, v := range c.in {
			if !o.admits(v) {
				return false
			}
		}
		return true
	}
	if o.hasIn {
		return false
	}
	return lowerWithin(c.lo, o.lo) && upperWithin(c.hi, o.hi)
}

// intersect narrows c by o.
func (c *constraint) intersect(o *constraint) {
	if lowerWithin(o.lo, c.lo) {
		c.lo = o.lo
	}
	if upperWithin(o.hi, c.hi) {
		c.hi = o.hi
	}
	switch {
	case o.hasIn && c.hasIn:
		c.in = slices.DeleteFunc(c.in, func(v any) bool { return !o.admits(v) })
	case o.hasIn:
		c.hasIn, c.in = true, slices.Clone(o.in)
	}

	// a value set absorbs the interval
	if c.hasIn {
		interval := constraint{lo: c.lo, hi: c.hi}
		c.in = slices.DeleteFunc(c.in, func(v any) bool { return !interval.admits(v) })
		c.lo, c.hi = bound{}, bound{}
	}
}

// conjunction is a predicate of the form field1 IN c1 AND field2 IN c2 AND ...
type conjunction map[string]*constraint

type fieldRef struct {
	key  string
	path []string
}

// analyze converts a predicate into a conjunction of field constraints. The result is false if
// the predicate has a form that cannot be analyzed.
func analyze(e query.Expression) (conjunction, map[string][]string, bool) {
	conj := conjunction{}
	paths := map[string][]string{}

	var add func(query.Expression) bool
	add = func(e query.Expression) bool {
		f, ok := e.(*query.Func)
		if !ok {
			return false
		}
		if f.Name == "and" {
			for _, a := range f.Args {
				if !add(a) {
					return false
				}
			}
			return true
		}

		ref, c, ok := atom(f)
		if !ok {
			return false
		}
		paths[ref.key] = ref.path
		if cur, ok := conj[ref.key]; ok {
			cur.intersect(c)
		} else {
			conj[ref.key] = c
		}
		return true
	}

	if !add(e) {
		return nil, nil, false
	}
	return conj, paths, true
}

var flipped = map[string]string{"gt": "lt", "gte": "lte", "lt": "gt", "lte": "gte", "eq": "eq"}

// atom converts a comparison of a field and a literal into a constraint.
func atom(f *query.Func) (fieldRef, *constraint, bool) {
	if len(f.Args) != 2 {
		return fieldRef{}, nil, false
	}

	name := f.Name
	ref, ok1 := f.Args[0].(*query.Ref)
	val, ok2 := f.Args[1].(*query.Value)
	if !ok1 || !ok2 {
		ref, ok1 = f.Args[1].(*query.Ref)
		val, ok2 = f.Args[0].(*query.Value)
		if !ok1 || !ok2 || name == "in" {
			return fieldRef{}, nil, false
		}
		name = flipped[name]
	}
	fr := fieldRef{key: util.Stringify(ref.Path), path: ref.Path}

	c := &constraint{}
	switch name {
	case "eq":
		if val.Value == nil {
			return fieldRef{}, nil, false
		}
		c.hasIn, c.in = true, []any{val.Value}
	case "in":
		list, err := query.AsList(val.Value)
		if err != nil {
			return fieldRef{}, nil, false
		}
		c.hasIn, c.in = true, slices.Clone(list)
	case "gt", "gte":
		c.lo = bound{set: true, v: val.Value, incl: name == "gte"}
	case "lt", "lte":
		c.hi = bound{set: true, v: val.Value, incl: name == "lte"}
	default:
		return fieldRef{}, nil, false
	}
	return fr, c, true
}

// disjuncts returns the terms of a top-level disjunction.
func disjuncts(e query.Expression) []query.Expression {
	if f, ok := e.(*query.Func); ok && f.Name == "or" {
		ret := []query.Expression{}
		for _, a := range f.Args {
			ret = append(ret, disjuncts(a)...)
		}
		return ret
	}
	return []query.Expression{e}
}

// IsSubset is true if every row matching a also matches b. The check is conservative: false means
// "not known to be a subset".
func IsSubset(a, b query.Expression) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}
	if a.String() == b.String() {
		return true
	}

	if ds := disjuncts(a); len(ds) > 1 {
		for _, d := range ds {
			if !IsSubset(d, b) {
				return false
			}
		}
		return true
	}
	if ds := disjuncts(b); len(ds) > 1 {
		for _, d := range ds {
			if IsSubset(a, d) {
				return true
			}
		}
		return false
	}

	ca, _, okA := analyze(a)
	cb, _, okB := analyze(b)
	if !okA || !okB {
		return false
	}
	for field, c := range cb {
		ac, ok := ca[field]
		if !ok || !ac.subsetOf(c) {
			return false
		}
	}
	return true
}

// Minus returns a predicate matching the rows that match a but not b. The second return value is
// false if the difference is empty. A nil a (all rows) yields not(b). If b is a disjunction and a
// is not covered by one of its terms, a is returned unchanged.
func Minus(a, b query.Expression) (query.Expression, bool) {
	if b == nil || IsSubset(a, b) {
		return nil, false
	}
	if a == nil {
		return query.NewFunc("not", b), true
	}
	if len(disjuncts(b)) > 1 {
		return a, true
	}

	ca, paths, okA := analyze(a)
	cb, _, okB := analyze(b)
	if !okA || !okB || len(cb) != 1 {
		return query.NewFunc("and", a, query.NewFunc("not", b)), true
	}

	var field string
	var bc *constraint
	for f, c := range cb {
		field, bc = f, c
	}
	ac, ok := ca[field]
	if !ok {
		// a does not constrain the field of b
		return query.NewFunc("and", a, query.NewFunc("not", b)), true
	}

	rest := make([]query.Expression, 0, len(ca))
	for f, c := range ca {
		if f != field {
			rest = append(rest, render(paths[f], c)...)
		}
	}
	slices.SortFunc(rest, func(x, y query.Expression) int { return query.Compare(x.String(), y.String()) })

	var pieces []query.Expression
	switch {
	case ac.hasIn:
		remaining := slices.DeleteFunc(slices.Clone(ac.in), bc.admits)
		if len(remaining) == 0 {
			return nil, false
		}
		pieces = []query.Expression{and(append(slices.Clone(rest), inExpr(paths[field], remaining))...)}

	case bc.hasIn:
		return query.NewFunc("and", a, query.NewFunc("not", b)), true

	default:
		// interval difference: at most one piece below and one above b
		if bc.lo.set {
			below := &constraint{lo: ac.lo, hi: bound{set: true, v: bc.lo.v, incl: !bc.lo.incl}}
			if upperWithin(ac.hi, below.hi) {
				below.hi = ac.hi
			}
			if !empty(below) {
				pieces = append(pieces, and(append(slices.Clone(rest), render(paths[field], below)...)...))
			}
		}
		if bc.hi.set {
			above := &constraint{lo: bound{set: true, v: bc.hi.v, incl: !bc.hi.incl}, hi: ac.hi}
			if lowerWithin(ac.lo, above.lo) {
				above.lo = ac.lo
			}
			if !empty(above) {
				pieces = append(pieces, and(append(slices.Clone(rest), render(paths[field], above)...)...))
			}
		}
	}

	switch len(pieces) {
	case 0:
		return nil, false
	case 1:
		return pieces[0], true
	default:
		return query.NewFunc("or", pieces...), true
	}
}

// Union returns a predicate matching the rows matching a or b.
func Union(a, b query.Expression) query.Expression {
	if a == nil || b == nil {
		return nil
	}
	if IsSubset(a, b) {
		return b
	}
	if IsSubset(b, a) {
		return a
	}

	// merge the value sets of two single-field IN predicates
	ca, paths, okA := analyze(a)
	cb, _, okB := analyze(b)
	if okA && okB && len(ca) == 1 && len(cb) == 1 {
		for f, c1 := range ca {
			if c2, ok := cb[f]; ok && c1.hasIn && c2.hasIn && !c1.lo.set && !c1.hi.set &&
				!c2.lo.set && !c2.hi.set {
				merged := slices.Clone(c1.in)
				for _, v := range c2.in {
					if !c1.admits(v) {
						merged = append(merged, v)
					}
				}
				return inExpr(paths[f], merged)
			}
		}
	}

	return query.NewFunc("or", append(disjuncts(a), disjuncts(b)...)...)
}

func empty(c *constraint) bool {
	if !c.lo.set || !c.hi.set {
		return false
	}
	cmp := query.Compare(c.lo.v, c.hi.v)
	return cmp > 0 || (cmp == 0 && !(c.lo.incl && c.hi.incl))
}

func and(es ...query.Expression) query.Expression {
	if len(es) == 1 {
		return es[0]
	}
	return query.NewFunc("and", es...)
}

func inExpr(path []string, vs []any) query.Expression {
	if len(vs) == 1 {
		return query.Eq(&query.Ref{Path: path}, query.NewValue(vs[0]))
	}
	return query.NewFunc("in", &query.Ref{Path: path}, query.NewValue(vs))
}

// render converts a constraint back to comparisons.
func render(path []string, c *constraint) []query.Expression {
	ret := []query.Expression{}
	ref := &query.Ref{Path: path}
	if c.lo.set && c.hi.set && c.lo.incl && c.hi.incl && query.Equivalent(c.lo.v, c.hi.v) {
		return []query.Expression{query.Eq(ref, query.NewValue(c.lo.v))}
	}
	if c.lo.set {
		op := "gt"
		if c.lo.incl {
			op = "gte"
		}
		ret = append(ret, query.NewFunc(op, ref, query.NewValue(c.lo.v)))
	}
	if c.hi.set {
		op := "lt"
		if c.hi.incl {
			op = "lte"
		}
		ret = append(ret, query.NewFunc(op, ref, query.NewValue(c.hi.v)))
	}
	if c.hasIn {
		ret = append(ret, inExpr(path, c.in))
	}
	return ret
}
