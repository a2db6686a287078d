package compiler

import (
	"maps"
	"slices"

	"github.com/l7mp/livequery/pkg/query"
)

// Validate checks the structural rules of a query and its subqueries.
func Validate(q *query.Query) error {
	return validate(q, map[string]bool{})
}

func validate(q *query.Query, ancestors map[string]bool) error {
	if q == nil || q.From == nil {
		return query.ErrMissingFrom
	}

	own := map[string]bool{}
	sources := append([]query.Source{q.From}, joinSources(q)...)
	for _, s := range sources {
		if s == nil {
			return query.ErrMissingFrom
		}
		alias := s.Alias()
		if own[alias] {
			return NewDuplicateAliasError(alias)
		}
		own[alias] = true

		if _, ok := s.(*query.CollectionRef); ok && ancestors[alias] {
			return &DuplicateAliasInSubqueryError{
				Alias:         alias,
				ParentAliases: slices.Sorted(maps.Keys(ancestors)),
			}
		}
	}

	if q.Distinct && !q.HasSelect() {
		return ErrDistinctRequiresSelect
	}
	if q.IsWindowed() && len(q.OrderBy) == 0 {
		return ErrLimitOffsetRequireOrderBy
	}
	if (len(q.Having) > 0 || len(q.FnHaving) > 0) && len(q.GroupBy) == 0 && !q.HasAggregates() {
		return ErrHavingRequiresGroupBy
	}

	for _, w := range q.Where {
		if query.ContainsAggregate(w) {
			return NewUnsupportedExpressionError("WHERE", w.String())
		}
	}
	for _, g := range q.GroupBy {
		if query.ContainsAggregate(g) {
			return NewUnsupportedExpressionError("GROUP BY", g.String())
		}
	}
	for _, j := range q.Join {
		if j.Left == nil || j.Right == nil {
			return NewJoinConditionError(j.From.Alias(), "missing join key")
		}
		if query.ContainsAggregate(j.Left) || query.ContainsAggregate(j.Right) {
			return NewUnsupportedExpressionError("JOIN", j.Left.String()+" = "+j.Right.String())
		}
	}

	scope := maps.Clone(ancestors)
	maps.Copy(scope, own)
	for _, s := range sources {
		if sub, ok := s.(*query.QueryRef); ok {
			if err := validate(sub.Query, scope); err != nil {
				return err
			}
		}
	}

	return nil
}

func joinSources(q *query.Query) []query.Source {
	ret := make([]query.Source, 0, len(q.Join))
	for _, j := range q.Join {
		ret = append(ret, j.From)
	}
	return ret
}
