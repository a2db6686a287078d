package compiler

import (
	"github.com/l7mp/livequery/pkg/query"
)

// optimizer rewrites queries into a normalized form. The rewritten copies never alias the input,
// and every copy is mapped back to the query it was made from so that caches can be keyed by the
// original.
type optimizer struct {
	originals map[*query.Query]*query.Query
	optimized map[*query.Query]*query.Query
}

func newOptimizer() *optimizer {
	return &optimizer{
		originals: map[*query.Query]*query.Query{},
		optimized: map[*query.Query]*query.Query{},
	}
}

// original returns the query a rewritten copy was made from.
func (o *optimizer) original(q *query.Query) *query.Query {
	if orig, ok := o.originals[q]; ok {
		return orig
	}
	return q
}

// optimize returns the normalized copy of a query. The same original always yields the same copy.
func (o *optimizer) optimize(q *query.Query) *query.Query {
	orig := o.original(q)
	if opt, ok := o.optimized[orig]; ok {
		return opt
	}

	ret := *q
	ret.From = o.optimizeSource(q.From)
	ret.Join = make([]query.JoinClause, len(q.Join))
	for i, j := range q.Join {
		ret.Join[i] = j
		ret.Join[i].From = o.optimizeSource(j.From)
	}
	ret.Where = splitAnd(q.Where)
	ret.Having = splitAnd(q.Having)

	o.originals[&ret] = orig
	o.optimized[orig] = &ret
	return &ret
}

func (o *optimizer) optimizeSource(s query.Source) query.Source {
	switch src := s.(type) {
	case *query.QueryRef:
		return &query.QueryRef{Query: o.optimize(src.Query), As: src.As}
	case *query.CollectionRef:
		return src
	}
	return s
}

// splitAnd flattens top-level conjunctions into separate clauses so that single-source clauses can
// be pushed down to the sources.
func splitAnd(es []query.Expression) []query.Expression {
	if len(es) == 0 {
		return nil
	}
	ret := make([]query.Expression, 0, len(es))
	for _, e := range es {
		if f, ok := e.(*query.Func); ok && f.Name == "and" {
			ret = append(ret, splitAnd(f.Args)...)
			continue
		}
		ret = append(ret, e)
	}
	return ret
}

// joinAnd is the inverse of splitAnd.
func joinAnd(es []query.Expression) query.Expression {
	switch len(es) {
	case 0:
		return nil
	case 1:
		return es[0]
	default:
		return query.NewFunc("and", es...)
	}
}
