package query

import (
	"reflect"

	"golang.org/x/exp/constraints"

	"github.com/l7mp/livequery/pkg/util"
)

func compareOrdered[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// rank orders values of different types: nil < bool < number < string < anything else.
func rank(v any) int {
	switch {
	case v == nil:
		return 0
	case reflect.ValueOf(v).Kind() == reflect.Bool:
		return 1
	case IsNumber(v):
		return 2
	case reflect.ValueOf(v).Kind() == reflect.String:
		return 3
	default:
		return 4
	}
}

// Compare is a total order over values. Integers compare exactly, mixed numbers compare as
// floats, values of unrelated types are ordered by type, and lists and maps by their JSON
// representation.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return compareOrdered(ra, rb)
	}

	switch ra {
	case 0:
		return 0
	case 1:
		ba, bb := reflect.ValueOf(a).Bool(), reflect.ValueOf(b).Bool()
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case 2:
		if IsInt(a) && IsInt(b) {
			ia, errA := AsInt(a)
			ib, errB := AsInt(b)
			if errA == nil && errB == nil {
				return compareOrdered(ia, ib)
			}
		}
		fa, _ := AsFloat(a)
		fb, _ := AsFloat(b)
		return compareOrdered(fa, fb)
	case 3:
		return compareOrdered(reflect.ValueOf(a).String(), reflect.ValueOf(b).String())
	default:
		return compareOrdered(util.Stringify(a), util.Stringify(b))
	}
}

// Equivalent is true if two values compare equal.
func Equivalent(a, b any) bool { return Compare(a, b) == 0 }

// OrderComparator returns the ordering of a list of ORDER BY clauses over precomputed sort keys,
// one per clause. Nulls sort first unless NullsLast is given, independently of the direction.
func OrderComparator(clauses []OrderByClause) func(a, b []any) int {
	return func(a, b []any) int {
		for i, o := range clauses {
			x, y := a[i], b[i]
			nullsFirst := o.Nulls != NullsLast
			switch {
			case x == nil && y == nil:
				continue
			case x == nil:
				if nullsFirst {
					return -1
				}
				return 1
			case y == nil:
				if nullsFirst {
					return 1
				}
				return -1
			}
			c := Compare(x, y)
			if o.Direction == Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// SortKeys evaluates the ORDER BY expressions of a list of clauses over a row. Evaluation errors
// yield nil keys.
func SortKeys(clauses []OrderByClause, row any) []any {
	keys := make([]any, len(clauses))
	for i, o := range clauses {
		v, err := Evaluate(o.Expr, EvalCtx{Root: row})
		if err == nil {
			keys[i] = v
		}
	}
	return keys
}

// AtOrAfter returns a condition matching the rows that sort at or after a cursor, given as the
// sort keys of a row in the order of a list of ORDER BY clauses. A nil result matches every row.
func AtOrAfter(clauses []OrderByClause, cursor []any) Expression {
	var acc Expression
	for i := len(clauses) - 1; i >= 0; i-- {
		o, c := clauses[i], cursor[i]
		nullsLast := o.Nulls == NullsLast
		isNull := NewFunc("isNull", o.Expr)

		// the last clause admits the cursor itself
		if i == len(clauses)-1 {
			switch {
			case c == nil && nullsLast:
				acc = isNull
			case c == nil:
				acc = nil
			default:
				acc = NewFunc(cursorOp(o.Direction, true), o.Expr, NewValue(c))
				if nullsLast {
					acc = NewFunc("or", acc, isNull)
				}
			}
			continue
		}

		var same, after Expression
		if c == nil {
			same = isNull
			if !nullsLast {
				after = NewFunc("not", isNull)
			}
		} else {
			same = Eq(o.Expr, NewValue(c))
			after = NewFunc(cursorOp(o.Direction, false), o.Expr, NewValue(c))
			if nullsLast {
				after = NewFunc("or", after, isNull)
			}
		}
		if acc != nil {
			same = NewFunc("and", same, acc)
		}
		if after != nil {
			acc = NewFunc("or", after, same)
		} else {
			acc = same
		}
	}
	return acc
}

func cursorOp(dir Direction, inclusive bool) string {
	op := "gt"
	if dir == Descending {
		op = "lt"
	}
	if inclusive {
		op += "e"
	}
	return op
}
