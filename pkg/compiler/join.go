package compiler

import (
	"maps"

	"github.com/l7mp/livequery/pkg/dbsp"
	"github.com/l7mp/livequery/pkg/query"
	"github.com/l7mp/livequery/pkg/util"
)

// nullJoinKey is the join key of a row whose join expression evaluates to null. It never matches
// a row of the other side.
type nullJoinKey struct {
	Side int
	Key  any
}

// lazySide is a join input that can be loaded on demand.
type lazySide struct {
	alias string   // collection alias to load from
	path  []string // field path inside the collection rows
}

// compileJoin joins the i-th join clause of a query to the stream of the sources already in scope.
func (c *compiler) compileJoin(main *dbsp.Stream, scope []string, q *query.Query, i int) (*dbsp.Stream, error) {
	j := q.Join[i]
	alias := j.From.Alias()

	joinType, err := dbsp.ParseJoinType(j.Type)
	if err != nil {
		return nil, NewJoinConditionError(alias, err.Error())
	}

	mainExpr, joinedExpr, err := splitJoinCondition(j, scope)
	if err != nil {
		return nil, err
	}

	joined, err := c.compileSource(j.From)
	if err != nil {
		return nil, err
	}

	mainKeyed := c.keyBy(main, mainExpr, 0)
	joinedKeyed := c.keyBy(joined, joinedExpr, 1)

	// join-side optimization
	if active, lazy, ok := c.chooseSides(q, i, scope, joinType, mainExpr, joinedExpr); ok {
		c.result.LazySources[lazy.alias] = true
		load := c.opts.LoadLazyKeys
		tap := func(m *dbsp.MultiSet[dbsp.Tuple]) {
			keys := []any{}
			seen := map[any]bool{}
			for t, mult := range m.All() {
				if _, null := t.Key.(nullJoinKey); null || mult <= 0 || seen[t.Key] {
					continue
				}
				seen[t.Key] = true
				keys = append(keys, t.Key)
			}
			if len(keys) > 0 {
				load(lazy.alias, lazy.path, keys)
			}
		}
		if active == 0 {
			mainKeyed = mainKeyed.Tap(tap)
		} else {
			joinedKeyed = joinedKeyed.Tap(tap)
		}
		c.log.V(2).Info("join optimized", "join", alias, "active", []string{"main", "joined"}[active],
			"lazy", lazy.alias)
	}

	return mainKeyed.Join(joinedKeyed, joinType).Map(func(t dbsp.Tuple) dbsp.Tuple {
		jv := t.Value.(dbsp.JoinedValue)
		row := query.Row{}
		var lk, rk any
		if jv.Left != nil {
			l := jv.Left.([]any)
			lk = l[0]
			maps.Copy(row, l[1].(query.Row))
		} else {
			for _, a := range scope {
				row[a] = nil
			}
		}
		if jv.Right != nil {
			r := jv.Right.([]any)
			rk = r[0]
			maps.Copy(row, r[1].(query.Row))
		} else {
			row[alias] = nil
		}
		return dbsp.Tuple{Key: util.Stringify([]any{lk, rk}), Value: row}
	}), nil
}

// keyBy re-keys a stream of namespaced rows by a join expression. The value becomes a
// [key, row] pair, the prefix of which is the original key.
func (c *compiler) keyBy(s *dbsp.Stream, e query.Expression, side int) *dbsp.Stream {
	return s.Map(func(t dbsp.Tuple) dbsp.Tuple {
		k := query.NormalizeKey(c.eval(e, c.evalCtx(t.Value)))
		if k == nil {
			k = nullJoinKey{Side: side, Key: t.Key}
		}
		return dbsp.Tuple{Key: k, Value: []any{t.Key, t.Value}}
	})
}

// splitJoinCondition returns the join expressions of the sources in scope and of the joined source.
func splitJoinCondition(j query.JoinClause, scope []string) (query.Expression, query.Expression, error) {
	alias := j.From.Alias()
	inScope := func(e query.Expression) bool {
		refs := query.ReferencedAliases(e)
		if len(refs) == 0 {
			return false
		}
		for a := range refs {
			found := false
			for _, s := range scope {
				if s == a {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	isJoined := func(e query.Expression) bool {
		refs := query.ReferencedAliases(e)
		return len(refs) == 1 && refs[alias]
	}

	switch {
	case inScope(j.Left) && isJoined(j.Right):
		return j.Left, j.Right, nil
	case inScope(j.Right) && isJoined(j.Left):
		return j.Right, j.Left, nil
	}
	return nil, nil, NewJoinConditionError(alias,
		"condition must compare the joined source to a source already in scope")
}

// chooseSides decides which join input is loaded eagerly (active, 0 for the sources in scope, 1
// for the joined source) and which one on demand. The returned flag is false if the join is not
// optimized.
func (c *compiler) chooseSides(q *query.Query, i int, scope []string, joinType dbsp.JoinType,
	mainExpr, joinedExpr query.Expression) (int, lazySide, bool) {
	if c.opts.LoadLazyKeys == nil {
		return 0, lazySide{}, false
	}

	// no index exists over computed values
	mainRef, ok1 := mainExpr.(*query.Ref)
	joinedRef, ok2 := joinedExpr.(*query.Ref)
	if !ok1 || !ok2 {
		return 0, lazySide{}, false
	}

	j := q.Join[i]
	var active int
	switch joinType {
	case dbsp.LeftJoin:
		active = 0
	case dbsp.RightJoin:
		active = 1
	case dbsp.InnerJoin:
		if c.opts.CollectionSize == nil {
			return 0, lazySide{}, false
		}
		// the sources in scope can only be lazy if they are a single collection
		mainSize, joinedSize := -1, -1
		if i == 0 {
			if coll, ok := c.sourceCollection(q.From); ok {
				mainSize = c.opts.CollectionSize(coll)
			}
		}
		if coll, ok := c.sourceCollection(j.From); ok {
			joinedSize = c.opts.CollectionSize(coll)
		}
		switch {
		case mainSize >= 0 && joinedSize >= 0 && joinedSize < mainSize:
			active = 1
		case joinedSize >= 0:
			active = 0
		case mainSize >= 0:
			active = 1
		default:
			return 0, lazySide{}, false
		}
	default:
		return 0, lazySide{}, false
	}

	var lazySrc query.Source
	var lazyRef *query.Ref
	if active == 0 {
		lazySrc, lazyRef = j.From, joinedRef
	} else {
		if i > 0 {
			return 0, lazySide{}, false
		}
		lazySrc, lazyRef = q.From, mainRef
	}

	lazy, ok := c.lazySource(lazySrc, lazyRef)
	if !ok {
		return 0, lazySide{}, false
	}

	// both sides reading the same collection makes laziness ambiguous
	lazyColl := c.collections[lazy.alias]
	activeAliases := scope
	if active == 1 {
		activeAliases = []string{j.From.Alias()}
	}
	for _, a := range activeAliases {
		for _, coll := range c.sourceCollections(q, a) {
			if coll == lazyColl {
				return 0, lazySide{}, false
			}
		}
	}

	return active, lazy, true
}

// lazySource resolves the collection alias and the field path a lazy join input is loaded by.
// Only collections and plain filters over a collection qualify: a windowed subquery does not hold
// every row matching a key.
func (c *compiler) lazySource(s query.Source, ref *query.Ref) (lazySide, bool) {
	if len(ref.Path) < 2 {
		return lazySide{}, false
	}
	path := ref.Path[1:]

	switch src := s.(type) {
	case *query.CollectionRef:
		return lazySide{alias: src.As, path: path}, true
	case *query.QueryRef:
		sub := src.Query
		if sub.IsWindowed() || len(sub.Join) > 0 || sub.HasSelect() || len(sub.GroupBy) > 0 ||
			sub.HasAggregates() || sub.Distinct {
			return lazySide{}, false
		}
		inner, ok := sub.From.(*query.CollectionRef)
		if !ok {
			return lazySide{}, false
		}
		return lazySide{alias: inner.As, path: path}, true
	}
	return lazySide{}, false
}

// sourceCollection returns the collection a source reads if it reads exactly one.
func (c *compiler) sourceCollection(s query.Source) (string, bool) {
	switch src := s.(type) {
	case *query.CollectionRef:
		return src.Collection, true
	case *query.QueryRef:
		if len(src.Query.Join) == 0 {
			return c.sourceCollection(src.Query.From)
		}
	}
	return "", false
}

// sourceCollections returns every collection read through an alias of a query.
func (c *compiler) sourceCollections(q *query.Query, alias string) []string {
	var src query.Source
	for _, s := range append([]query.Source{q.From}, joinSources(q)...) {
		if s.Alias() == alias {
			src = s
		}
	}

	ret := []string{}
	var walk func(query.Source)
	walk = func(s query.Source) {
		switch x := s.(type) {
		case *query.CollectionRef:
			ret = append(ret, x.Collection)
		case *query.QueryRef:
			walk(x.Query.From)
			for _, js := range joinSources(x.Query) {
				walk(js)
			}
		}
	}
	if src != nil {
		walk(src)
	}
	return ret
}
