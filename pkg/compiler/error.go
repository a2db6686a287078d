package compiler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDistinctRequiresSelect is returned for a DISTINCT query without a projection.
	ErrDistinctRequiresSelect = errors.New("DISTINCT requires a SELECT clause")
	// ErrLimitOffsetRequireOrderBy is returned for a LIMIT or OFFSET without ORDER BY.
	ErrLimitOffsetRequireOrderBy = errors.New("LIMIT and OFFSET require an ORDER BY clause")
	// ErrHavingRequiresGroupBy is returned for a HAVING clause without GROUP BY or aggregates.
	ErrHavingRequiresGroupBy = errors.New("HAVING requires a GROUP BY clause or an aggregate in SELECT")
	// ErrUnknownSource is returned when a source alias has no input stream.
	ErrUnknownSource = errors.New("unknown source")
	// ErrJoinConditionInvalid is returned for a join condition that does not compare the joined
	// source to the sources already in scope.
	ErrJoinConditionInvalid = errors.New("invalid join condition")
	// ErrUnsupportedExpression is returned for an expression that cannot be used in a clause.
	ErrUnsupportedExpression = errors.New("unsupported expression")
	// ErrDuplicateAlias is returned when a query binds the same alias twice.
	ErrDuplicateAlias = errors.New("duplicate alias")
)

// DuplicateAliasInSubqueryError is returned when a subquery binds a collection alias that is
// already bound by an ancestor query.
type DuplicateAliasInSubqueryError struct {
	Alias         string
	ParentAliases []string
}

// Error implements the error interface.
func (e *DuplicateAliasInSubqueryError) Error() string {
	return fmt.Sprintf("subquery uses alias %q which is already bound by a parent query "+
		"(parent aliases: %s)", e.Alias, strings.Join(e.ParentAliases, ", "))
}

type ErrCompile = error

func NewUnknownSourceError(alias string) ErrCompile {
	return fmt.Errorf("%w: no input for alias %q", ErrUnknownSource, alias)
}

func NewJoinConditionError(alias string, reason string) ErrCompile {
	return fmt.Errorf("%w: join of %q: %s", ErrJoinConditionInvalid, alias, reason)
}

func NewUnsupportedExpressionError(clause, expr string) ErrCompile {
	return fmt.Errorf("%w in %s: %s", ErrUnsupportedExpression, clause, expr)
}

func NewDuplicateAliasError(alias string) ErrCompile {
	return fmt.Errorf("%w: %q", ErrDuplicateAlias, alias)
}
