// Package query defines the intermediate representation of live queries: sources, clauses and
// expressions, together with an evaluator and a JSON codec.
//
// Sources and expressions are closed sets of variants. A Source is a *CollectionRef or a
// *QueryRef, an Expression is a *Ref, a *Value, a *Func or an *Aggregate. Code dispatching on
// them uses exhaustive type switches.
package query

import (
	"strings"

	"github.com/l7mp/livequery/pkg/util"
)

// Row is a namespaced row: a map from source alias to the row of that source.
type Row = map[string]any

// SelectedKey is the name of the internal projection materialized by SELECT.
const SelectedKey = "$selected"

// Source is the FROM part of a query or a join.
type Source interface {
	// Alias returns the name the source is bound to inside the query.
	Alias() string
	isSource()
}

// CollectionRef refers to a source collection by its ID.
type CollectionRef struct {
	Collection string
	As         string
}

func (s *CollectionRef) Alias() string { return s.As }
func (s *CollectionRef) isSource()     {}

// QueryRef is a subquery used as a source.
type QueryRef struct {
	Query *Query
	As    string
}

func (s *QueryRef) Alias() string { return s.As }
func (s *QueryRef) isSource()     {}

// Expression is a node of an expression tree.
type Expression interface {
	String() string
	isExpression()
}

// Ref is a reference to a field. In a namespaced row the first path element is a source alias.
type Ref struct {
	Path []string
}

func (e *Ref) isExpression() {}
func (e *Ref) String() string { return "$." + strings.Join(e.Path, ".") }

// Alias returns the first path element.
func (e *Ref) Alias() string {
	if len(e.Path) == 0 {
		return ""
	}
	return e.Path[0]
}

// Value is a literal.
type Value struct {
	Value any
}

func (e *Value) isExpression()  {}
func (e *Value) String() string { return util.Stringify(e.Value) }

// Func is a scalar function call.
type Func struct {
	Name string
	Args []Expression
}

func (e *Func) isExpression() {}
func (e *Func) String() string {
	return e.Name + "(" + strings.Join(util.Map(Expression.String, e.Args), ",") + ")"
}

// Aggregate is an aggregate function call evaluated over a group of rows.
type Aggregate struct {
	Name string
	Args []Expression
}

func (e *Aggregate) isExpression() {}
func (e *Aggregate) String() string {
	return e.Name + "(" + strings.Join(util.Map(Expression.String, e.Args), ",") + ")"
}

// JoinClause joins a source to the query. The join condition is Left = Right, where one side
// refers to the joined source and the other side to the sources already in scope.
type JoinClause struct {
	From  Source
	Type  string
	Left  Expression
	Right Expression
}

// SelectField is a named projection.
type SelectField struct {
	Name string
	Expr Expression
}

// Direction is the sort direction of an ORDER BY clause.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Nulls controls where nulls are placed by an ORDER BY clause.
type Nulls string

const (
	NullsFirst Nulls = "first"
	NullsLast  Nulls = "last"
)

// OrderByClause is a single sort key.
type OrderByClause struct {
	Expr      Expression
	Direction Direction
	Nulls     Nulls
}

// Query is a query over one or more sources.
type Query struct {
	From     Source
	Join     []JoinClause
	Where    []Expression
	FnWhere  []func(Row) bool
	Select   []SelectField
	FnSelect func(Row) any
	GroupBy  []Expression
	Having   []Expression
	FnHaving []func(Row) bool
	Distinct bool
	OrderBy  []OrderByClause
	Limit    *int
	Offset   *int
}

// HasSelect is true if the query has a projection.
func (q *Query) HasSelect() bool { return len(q.Select) > 0 || q.FnSelect != nil }

// HasAggregates is true if the projection contains an aggregate.
func (q *Query) HasAggregates() bool {
	for _, f := range q.Select {
		if ContainsAggregate(f.Expr) {
			return true
		}
	}
	return false
}

// IsWindowed is true if the query has a limit or an offset.
func (q *Query) IsWindowed() bool { return q.Limit != nil || q.Offset != nil }

// Aliases returns the aliases bound by the query itself, FROM first.
func (q *Query) Aliases() []string {
	ret := []string{}
	if q.From != nil {
		ret = append(ret, q.From.Alias())
	}
	for _, j := range q.Join {
		if j.From != nil {
			ret = append(ret, j.From.Alias())
		}
	}
	return ret
}

// ContainsAggregate is true if the expression contains an aggregate.
func ContainsAggregate(e Expression) bool {
	switch x := e.(type) {
	case *Aggregate:
		return true
	case *Func:
		for _, a := range x.Args {
			if ContainsAggregate(a) {
				return true
			}
		}
	case *Ref, *Value:
	}
	return false
}

// ReferencedAliases returns the set of aliases the refs of an expression point to.
func ReferencedAliases(e Expression) map[string]bool {
	ret := map[string]bool{}
	var walk func(Expression)
	walk = func(e Expression) {
		switch x := e.(type) {
		case *Ref:
			ret[x.Alias()] = true
		case *Func:
			for _, a := range x.Args {
				walk(a)
			}
		case *Aggregate:
			for _, a := range x.Args {
				walk(a)
			}
		case *Value:
		}
	}
	walk(e)
	return ret
}

// StripAlias rewrites the refs pointing to an alias so that they point into the row of the source
// itself.
func StripAlias(e Expression, alias string) Expression {
	switch x := e.(type) {
	case *Ref:
		if x.Alias() == alias {
			return &Ref{Path: append([]string{}, x.Path[1:]...)}
		}
		return x
	case *Func:
		return &Func{Name: x.Name, Args: util.Map(func(a Expression) Expression { return StripAlias(a, alias) }, x.Args)}
	case *Aggregate:
		return &Aggregate{Name: x.Name, Args: util.Map(func(a Expression) Expression { return StripAlias(a, alias) }, x.Args)}
	case *Value:
		return x
	}
	return e
}

// CollectionAliases walks the query and its subqueries and returns the collection bound to each
// collection alias.
func CollectionAliases(q *Query) (map[string]string, error) {
	ret := map[string]string{}
	var walk func(*Query) error
	bind := func(s Source) error {
		switch src := s.(type) {
		case *CollectionRef:
			if c, ok := ret[src.As]; ok && c != src.Collection {
				return NewAliasConflictError(src.As, c, src.Collection)
			}
			ret[src.As] = src.Collection
		case *QueryRef:
			return walk(src.Query)
		}
		return nil
	}
	walk = func(q *Query) error {
		if q == nil || q.From == nil {
			return ErrMissingFrom
		}
		if err := bind(q.From); err != nil {
			return err
		}
		for _, j := range q.Join {
			if err := bind(j.From); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(q); err != nil {
		return nil, err
	}
	return ret, nil
}

// constructors

// NewRef creates a field reference from a dot-separated path.
func NewRef(path string) *Ref { return &Ref{Path: strings.Split(path, ".")} }

// NewValue creates a literal.
func NewValue(v any) *Value { return &Value{Value: v} }

// NewFunc creates a function call.
func NewFunc(name string, args ...Expression) *Func { return &Func{Name: name, Args: args} }

// NewAggregate creates an aggregate call.
func NewAggregate(name string, args ...Expression) *Aggregate {
	return &Aggregate{Name: name, Args: args}
}

// Eq is a shorthand for the eq function.
func Eq(a, b Expression) *Func { return NewFunc("eq", a, b) }

// Ptr returns a pointer to an int, for setting limits and offsets.
func Ptr(i int) *int { return &i }
