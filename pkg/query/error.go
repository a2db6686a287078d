package query

import (
	"errors"
	"fmt"
)

// ErrMissingFrom is returned for a query without a FROM clause.
var ErrMissingFrom = errors.New("query has no FROM clause")

type ErrInvalidArguments = error

func NewInvalidArgumentsError(content string) ErrInvalidArguments {
	return fmt.Errorf("invalid arguments at %q", content)
}

type ErrUnmarshal = error

func NewUnmarshalError(kind, content string) ErrUnmarshal {
	return fmt.Errorf("JSON parsing error in %s at %q", kind, content)
}

type ErrExpression = error

func NewExpressionError(e Expression, err error) ErrExpression {
	return fmt.Errorf("failed to evaluate expression %s: %w", e.String(), err)
}

type ErrUnknownFunction = error

func NewUnknownFunctionError(name string) ErrUnknownFunction {
	return fmt.Errorf("unknown function %q", name)
}

type ErrAliasConflict = error

func NewAliasConflictError(alias, c1, c2 string) ErrAliasConflict {
	return fmt.Errorf("alias %q is bound to both collection %q and %q", alias, c1, c2)
}
