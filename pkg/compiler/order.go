package compiler

import (
	"github.com/l7mp/livequery/pkg/dbsp"
	"github.com/l7mp/livequery/pkg/query"
)

// OrderedRow is a namespaced row with its precomputed sort keys.
type OrderedRow struct {
	Row  query.Row
	Keys []any
}

// compileOrderBy orders the stream with a top-K operator over a single group and assigns the
// fractional indexes.
func (c *compiler) compileOrderBy(s *dbsp.Stream, q *query.Query, top bool) *dbsp.Stream {
	keyed := s.Map(func(t dbsp.Tuple) dbsp.Tuple {
		row := t.Value.(query.Row)
		keys := make([]any, len(q.OrderBy))
		for i, o := range q.OrderBy {
			keys[i] = c.eval(o.Expr, c.evalCtx(row))
		}
		return dbsp.Tuple{Key: t.Key, Value: OrderedRow{Row: row, Keys: keys}}
	})

	limit, offset := dbsp.NoLimit, 0
	if q.Limit != nil {
		limit = *q.Limit
	}
	if q.Offset != nil {
		offset = *q.Offset
	}

	cmp := query.OrderComparator(q.OrderBy)
	opts := dbsp.TopKOptions{Limit: limit, Offset: offset}
	if top {
		opts.SetSizeCallback = func(size func() int) { c.result.Size = size }
		opts.SetWindowFn = func(setWindow func(offset, limit int)) { c.result.SetWindow = setWindow }
	}

	return keyed.GroupedTopKWithFractionalIndex(func(a, b any) int {
		return cmp(a.(OrderedRow).Keys, b.(OrderedRow).Keys)
	}, opts).Map(func(t dbsp.Tuple) dbsp.Tuple {
		v := t.Value.(dbsp.TopKValue)
		return dbsp.Tuple{Key: t.Key, Value: ResultValue{
			Value:      v.Value.(OrderedRow).Row[query.SelectedKey],
			OrderIndex: v.Index,
		}}
	})
}

// limitedSource detects whether the source can apply the ORDER BY and LIMIT of a query itself:
// the query must read a single collection, filter it only by clauses that were pushed down to it,
// and order it only by its own fields.
func (c *compiler) limitedSource(q *query.Query) *LimitedSource {
	if q.Limit == nil || len(q.OrderBy) == 0 || len(q.Join) > 0 || len(q.GroupBy) > 0 ||
		q.HasAggregates() || q.Distinct || len(q.FnWhere) > 0 {
		return nil
	}
	from, ok := q.From.(*query.CollectionRef)
	if !ok {
		return nil
	}
	alias := from.As

	for _, w := range q.Where {
		refs := query.ReferencedAliases(w)
		if len(refs) != 1 || !refs[alias] {
			return nil
		}
	}

	orderBy := make([]query.OrderByClause, 0, len(q.OrderBy))
	for _, o := range q.OrderBy {
		refs := query.ReferencedAliases(o.Expr)
		if len(refs) != 1 || !refs[alias] {
			return nil
		}
		orderBy = append(orderBy, query.OrderByClause{
			Expr:      query.StripAlias(o.Expr, alias),
			Direction: o.Direction,
			Nulls:     o.Nulls,
		})
	}

	limit := *q.Limit
	if q.Offset != nil {
		limit += *q.Offset
	}
	return &LimitedSource{Alias: alias, OrderBy: orderBy, Limit: limit}
}
