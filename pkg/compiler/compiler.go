// Package compiler turns a query into a dataflow pipeline.
//
// The pipeline processes the clauses in a fixed order: FROM, JOINs, WHERE, SELECT, GROUP BY and
// HAVING, DISTINCT, ORDER BY with LIMIT and OFFSET, and finally unwraps the projection. Joins are
// optimized by loading one side lazily, only for the join keys seen on the other side, whenever
// this is safe.
package compiler

import (
	"maps"

	"github.com/go-logr/logr"

	"github.com/l7mp/livequery/pkg/dbsp"
	"github.com/l7mp/livequery/pkg/query"
	"github.com/l7mp/livequery/pkg/util"
)

// Options configures the compiler.
type Options struct {
	// CollectionSize returns the current size of a collection. It is used to pick the active side
	// of inner joins. Inner joins are not optimized if unset.
	CollectionSize func(collection string) int
	// LoadLazyKeys is called by the active side of an optimized join with the join keys seen in a
	// batch. Joins are not optimized if unset.
	LoadLazyKeys func(alias string, path []string, keys []any)
	// Logger is the logger used by the compiled pipeline.
	Logger logr.Logger
}

// ResultValue is the value of an output tuple.
type ResultValue struct {
	Value any
	// OrderIndex is the fractional index of the row for ordered queries, empty otherwise.
	OrderIndex string
}

// LimitedSource describes a query that the source can window itself: a single collection ordered
// by its own fields.
type LimitedSource struct {
	Alias   string
	OrderBy []query.OrderByClause
	Limit   int
}

// Result is a compiled query.
type Result struct {
	// Pipeline emits (key, ResultValue) tuples.
	Pipeline *dbsp.Stream
	// Collections maps each collection alias to its collection.
	Collections map[string]string
	// SourceWhere holds, per collection alias, the conjunction of the WHERE clauses that only
	// refer to that alias, rewritten to apply to the rows of the collection.
	SourceWhere map[string]query.Expression
	// LazySources is the set of collection aliases that are loaded on demand by an optimized join.
	LazySources map[string]bool
	// LimitedSource is set if the source can apply the ORDER BY and LIMIT itself.
	LimitedSource *LimitedSource
	// SetWindow changes the offset and limit of an ordered query. Nil for unordered queries.
	SetWindow func(offset, limit int)
	// Size returns the number of rows in the window of an ordered query. Nil for unordered
	// queries.
	Size func() int
}

type compiler struct {
	opts        Options
	inputs      map[string]*dbsp.Stream
	collections map[string]string
	opt         *optimizer
	cache       map[*query.Query]*dbsp.Stream
	bindings    map[string]int
	result      *Result
	log         logr.Logger
}

// Compile compiles a query into a pipeline reading from the given inputs, one per collection
// alias. Input tuples are (primary key, row) pairs.
func Compile(q *query.Query, inputs map[string]*dbsp.Stream, opts Options) (*Result, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}

	collections, err := query.CollectionAliases(q)
	if err != nil {
		return nil, err
	}
	for alias := range collections {
		if _, ok := inputs[alias]; !ok {
			return nil, NewUnknownSourceError(alias)
		}
	}

	c := &compiler{
		opts:        opts,
		inputs:      inputs,
		collections: collections,
		opt:         newOptimizer(),
		cache:       map[*query.Query]*dbsp.Stream{},
		bindings:    map[string]int{},
		result: &Result{
			Collections: maps.Clone(collections),
			SourceWhere: map[string]query.Expression{},
			LazySources: map[string]bool{},
		},
		log: opts.Logger.WithName("compiler"),
	}

	oq := c.opt.optimize(q)
	out, err := c.compileQuery(oq, true)
	if err != nil {
		return nil, err
	}
	c.result.Pipeline = out

	// a collection read by more than one query cannot be filtered for one of them
	for alias, n := range c.bindings {
		if n > 1 {
			delete(c.result.SourceWhere, alias)
			delete(c.result.LazySources, alias)
		}
	}
	c.result.LimitedSource = c.limitedSource(oq)

	c.log.V(2).Info("query compiled", "query", q.String(), "lazy", c.result.LazySources,
		"pushdown", len(c.result.SourceWhere), "limited", c.result.LimitedSource != nil)

	return c.result, nil
}

// compileQuery compiles a query into a stream of (key, ResultValue) tuples. Queries are memoized
// by the original query they were optimized from.
func (c *compiler) compileQuery(q *query.Query, top bool) (*dbsp.Stream, error) {
	orig := c.opt.original(q)
	if s, ok := c.cache[orig]; ok {
		return s, nil
	}

	stream, err := c.compileSource(q.From)
	if err != nil {
		return nil, err
	}

	aliases := []string{q.From.Alias()}
	for i := range q.Join {
		stream, err = c.compileJoin(stream, aliases, q, i)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, q.Join[i].From.Alias())
	}

	c.pushdown(q)
	stream = c.compileWhere(stream, q)

	grouped := len(q.GroupBy) > 0 || q.HasAggregates()
	if grouped {
		stream = c.compileGroupBy(stream, q)
	} else {
		stream = c.compileSelect(stream, q)
	}

	if q.Distinct {
		stream = stream.Map(func(t dbsp.Tuple) dbsp.Tuple {
			sel := t.Value.(query.Row)[query.SelectedKey]
			return dbsp.Tuple{Key: util.Stringify(sel), Value: query.Row{query.SelectedKey: sel}}
		}).Distinct()
	}

	if len(q.OrderBy) > 0 {
		stream = c.compileOrderBy(stream, q, top)
	} else {
		stream = stream.Map(func(t dbsp.Tuple) dbsp.Tuple {
			return dbsp.Tuple{Key: t.Key, Value: ResultValue{Value: t.Value.(query.Row)[query.SelectedKey]}}
		})
	}

	c.cache[orig] = stream
	return stream, nil
}

// compileSource returns a stream of (key, namespaced row) tuples for a source.
func (c *compiler) compileSource(s query.Source) (*dbsp.Stream, error) {
	alias := s.Alias()
	switch src := s.(type) {
	case *query.CollectionRef:
		in, ok := c.inputs[alias]
		if !ok {
			return nil, NewUnknownSourceError(alias)
		}
		c.bindings[alias]++
		return in.Map(func(t dbsp.Tuple) dbsp.Tuple {
			return dbsp.Tuple{Key: t.Key, Value: query.Row{alias: t.Value}}
		}), nil

	case *query.QueryRef:
		sub, err := c.compileQuery(src.Query, false)
		if err != nil {
			return nil, err
		}
		return sub.Map(func(t dbsp.Tuple) dbsp.Tuple {
			return dbsp.Tuple{Key: t.Key, Value: query.Row{alias: t.Value.(ResultValue).Value}}
		}), nil
	}

	return nil, NewUnknownSourceError(alias)
}

func (c *compiler) evalCtx(root any) query.EvalCtx {
	return query.EvalCtx{Root: root, Log: c.opts.Logger}
}

// eval evaluates an expression inside the pipeline. Operators cannot fail, so evaluation errors
// are logged and yield nil.
func (c *compiler) eval(e query.Expression, ctx query.EvalCtx) any {
	v, err := query.Evaluate(e, ctx)
	if err != nil {
		c.log.Error(err, "evaluation failed", "expression", e.String())
		return nil
	}
	return v
}

func (c *compiler) predicate(e query.Expression, ctx query.EvalCtx) bool {
	ok, err := query.EvaluatePredicate(e, ctx)
	if err != nil {
		c.log.Error(err, "predicate evaluation failed", "expression", e.String())
		return false
	}
	return ok
}

func (c *compiler) compileWhere(s *dbsp.Stream, q *query.Query) *dbsp.Stream {
	for _, w := range q.Where {
		s = s.Filter(func(t dbsp.Tuple) bool { return c.predicate(w, c.evalCtx(t.Value)) })
	}
	for _, fn := range q.FnWhere {
		s = s.Filter(func(t dbsp.Tuple) bool { return fn(t.Value.(query.Row)) })
	}
	return s
}

// compileSelect materializes the projection under the SelectedKey of the namespaced row.
func (c *compiler) compileSelect(s *dbsp.Stream, q *query.Query) *dbsp.Stream {
	main := q.From.Alias()
	single := len(q.Join) == 0
	return s.Map(func(t dbsp.Tuple) dbsp.Tuple {
		row := t.Value.(query.Row)
		ret := make(query.Row, len(row)+1)
		maps.Copy(ret, row)

		switch {
		case q.FnSelect != nil:
			ret[query.SelectedKey] = q.FnSelect(row)
		case len(q.Select) > 0:
			sel := make(map[string]any, len(q.Select))
			for _, f := range q.Select {
				sel[f.Name] = c.eval(f.Expr, c.evalCtx(row))
			}
			ret[query.SelectedKey] = sel
		case single:
			ret[query.SelectedKey] = row[main]
		default:
			sel := make(map[string]any, len(row))
			maps.Copy(sel, row)
			ret[query.SelectedKey] = sel
		}

		return dbsp.Tuple{Key: t.Key, Value: ret}
	})
}

// pushdown records the WHERE clauses that refer to a single collection alias on a side that is
// never null-extended.
func (c *compiler) pushdown(q *query.Query) {
	nullable := map[string]bool{}
	scope := []string{q.From.Alias()}
	for _, j := range q.Join {
		jt, err := dbsp.ParseJoinType(j.Type)
		if err != nil {
			return
		}
		switch jt {
		case dbsp.LeftJoin:
			nullable[j.From.Alias()] = true
		case dbsp.RightJoin:
			for _, a := range scope {
				nullable[a] = true
			}
		case dbsp.FullJoin:
			nullable[j.From.Alias()] = true
			for _, a := range scope {
				nullable[a] = true
			}
		case dbsp.InnerJoin:
		}
		scope = append(scope, j.From.Alias())
	}

	sources := map[string]bool{}
	for _, s := range append([]query.Source{q.From}, joinSources(q)...) {
		if _, ok := s.(*query.CollectionRef); ok {
			sources[s.Alias()] = true
		}
	}

	clauses := map[string][]query.Expression{}
	for _, w := range q.Where {
		refs := query.ReferencedAliases(w)
		if len(refs) != 1 {
			continue
		}
		for alias := range refs {
			if sources[alias] && !nullable[alias] {
				clauses[alias] = append(clauses[alias], query.StripAlias(w, alias))
			}
		}
	}

	for alias, es := range clauses {
		if prev, ok := c.result.SourceWhere[alias]; ok {
			es = append([]query.Expression{prev}, es...)
		}
		c.result.SourceWhere[alias] = joinAnd(es)
	}
}
