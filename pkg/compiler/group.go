package compiler

import (
	"maps"
	"slices"

	"github.com/l7mp/livequery/pkg/dbsp"
	"github.com/l7mp/livequery/pkg/query"
	"github.com/l7mp/livequery/pkg/util"
)

// compileGroupBy groups the rows by the GROUP BY expressions, or into a single group for an
// implicit aggregation, and computes the projection and the HAVING clauses per group. The output
// is keyed by the group key.
func (c *compiler) compileGroupBy(s *dbsp.Stream, q *query.Query) *dbsp.Stream {
	keyed := s.Map(func(t dbsp.Tuple) dbsp.Tuple {
		var gk any = ""
		if len(q.GroupBy) > 0 {
			ks := make([]any, len(q.GroupBy))
			for i, g := range q.GroupBy {
				ks[i] = query.NormalizeKey(c.eval(g, c.evalCtx(t.Value)))
			}
			gk = util.Stringify(ks)
		}
		return dbsp.Tuple{Key: gk, Value: []any{t.Key, t.Value}}
	})

	return keyed.Reduce(func(_ any, values []dbsp.Elem[any]) []dbsp.Elem[any] {
		group := make([]query.GroupRow, 0, len(values))
		for _, e := range values {
			if e.Multiplicity <= 0 {
				continue
			}
			group = append(group, query.GroupRow{Row: e.Item.([]any)[1], Multiplicity: e.Multiplicity})
		}
		if len(group) == 0 {
			return nil
		}

		// rows within a group are unordered: pick a deterministic representative
		slices.SortFunc(group, func(a, b query.GroupRow) int {
			return query.Compare(util.Stringify(a.Row), util.Stringify(b.Row))
		})
		first := group[0].Row.(query.Row)

		ctx := query.EvalCtx{Root: first, Group: group, Log: c.opts.Logger}
		var sel any
		switch {
		case len(q.Select) > 0:
			m := make(map[string]any, len(q.Select))
			for _, f := range q.Select {
				m[f.Name] = c.eval(f.Expr, ctx)
			}
			sel = m
		case q.FnSelect != nil:
			sel = q.FnSelect(first)
		default:
			m := make(map[string]any, len(q.GroupBy))
			for _, g := range q.GroupBy {
				name := g.String()
				if ref, ok := g.(*query.Ref); ok && len(ref.Path) > 0 {
					name = ref.Path[len(ref.Path)-1]
				}
				m[name] = c.eval(g, ctx)
			}
			sel = m
		}

		out := make(query.Row, len(first)+1)
		maps.Copy(out, first)
		out[query.SelectedKey] = sel

		hctx := query.EvalCtx{Root: out, Group: group, Log: c.opts.Logger}
		for _, h := range q.Having {
			if !c.predicate(h, hctx) {
				return nil
			}
		}
		for _, fn := range q.FnHaving {
			if !fn(out) {
				return nil
			}
		}

		return []dbsp.Elem[any]{{Item: out, Multiplicity: 1}}
	})
}
