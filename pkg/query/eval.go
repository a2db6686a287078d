package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"github.com/ohler55/ojg/jp"
)

// GroupRow is a row of a group together with its multiplicity.
type GroupRow struct {
	Row          any
	Multiplicity int
}

// EvalCtx is the context of an evaluation. Refs resolve against Root, aggregates are computed
// over Group.
type EvalCtx struct {
	Root  any
	Group []GroupRow
	Log   logr.Logger
}

// Evaluate computes the value of an expression.
func Evaluate(e Expression, ctx EvalCtx) (any, error) {
	var (
		v   any
		err error
	)

	switch x := e.(type) {
	case *Value:
		v = x.Value
	case *Ref:
		v = resolve(x.Path, ctx.Root)
	case *Func:
		v, err = evalFunc(x, ctx)
	case *Aggregate:
		v, err = evalAggregate(x, ctx)
	case nil:
		return nil, NewInvalidArgumentsError("<nil>")
	default:
		return nil, NewInvalidArgumentsError(fmt.Sprintf("%T", e))
	}
	if err != nil {
		return nil, NewExpressionError(e, err)
	}

	if l := ctx.Log.V(8); l.Enabled() {
		l.Info("eval ready", "expression", e.String(), "result", v)
	}

	return v, nil
}

// EvaluatePredicate evaluates an expression as a condition: a nil result is false.
func EvaluatePredicate(e Expression, ctx EvalCtx) (bool, error) {
	v, err := Evaluate(e, ctx)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	b, err := AsBool(v)
	if err != nil {
		return false, NewExpressionError(e, err)
	}
	return b, nil
}

// Matches evaluates a condition on a plain row. A nil condition matches everything; evaluation
// errors do not match.
func Matches(e Expression, row any) bool {
	if e == nil {
		return true
	}
	ok, err := EvaluatePredicate(e, EvalCtx{Root: row, Log: logr.Discard()})
	return err == nil && ok
}

func resolve(path []string, root any) any {
	if len(path) == 0 {
		return root
	}
	x := jp.C(path[0])
	for _, p := range path[1:] {
		x = x.C(p)
	}
	return x.First(root)
}

func evalArgs(f *Func, ctx EvalCtx) ([]any, error) {
	ret := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := Evaluate(a, ctx)
		if err != nil {
			return nil, err
		}
		ret[i] = v
	}
	return ret, nil
}

func checkArity(f *Func, args []any, n int) error {
	if len(args) != n {
		return NewInvalidArgumentsError(fmt.Sprintf("%s expects %d arguments, got %d", f.Name, n,
			len(args)))
	}
	return nil
}

func evalFunc(f *Func, ctx EvalCtx) (any, error) {
	// short-circuit logic
	switch f.Name {
	case "and":
		for _, a := range f.Args {
			ok, err := EvaluatePredicate(a, ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, a := range f.Args {
			ok, err := EvaluatePredicate(a, ctx)
			if err != nil {
				return nil, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	args, err := evalArgs(f, ctx)
	if err != nil {
		return nil, err
	}

	switch f.Name {
	case "eq", "ne", "gt", "gte", "lt", "lte":
		if err := checkArity(f, args, 2); err != nil {
			return nil, err
		}
		return compareOp(f.Name, args[0], args[1]), nil

	case "not":
		if err := checkArity(f, args, 1); err != nil {
			return nil, err
		}
		return !Truthy(args[0]), nil

	case "in":
		if err := checkArity(f, args, 2); err != nil {
			return nil, err
		}
		if args[1] == nil {
			return false, nil
		}
		list, err := AsList(args[1])
		if err != nil {
			return nil, err
		}
		for _, v := range list {
			if Equivalent(args[0], v) {
				return true, nil
			}
		}
		return false, nil

	case "like", "ilike":
		if err := checkArity(f, args, 2); err != nil {
			return nil, err
		}
		if args[0] == nil || args[1] == nil {
			return false, nil
		}
		s, err := AsString(args[0])
		if err != nil {
			return nil, err
		}
		p, err := AsString(args[1])
		if err != nil {
			return nil, err
		}
		return like(s, p, f.Name == "ilike")

	case "upper", "lower":
		if err := checkArity(f, args, 1); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return nil, nil
		}
		s, err := AsString(args[0])
		if err != nil {
			return nil, err
		}
		if f.Name == "upper" {
			return strings.ToUpper(s), nil
		}
		return strings.ToLower(s), nil

	case "length":
		if err := checkArity(f, args, 1); err != nil {
			return nil, err
		}
		switch {
		case args[0] == nil:
			return nil, nil
		case IsList(args[0]):
			l, err := AsList(args[0])
			if err != nil {
				return nil, err
			}
			return int64(len(l)), nil
		default:
			s, err := AsString(args[0])
			if err != nil {
				return nil, err
			}
			return int64(utf8.RuneCountInString(s)), nil
		}

	case "concat":
		var b strings.Builder
		for _, a := range args {
			if a == nil {
				continue
			}
			s, err := AsString(a)
			if err != nil {
				return nil, err
			}
			b.WriteString(s)
		}
		return b.String(), nil

	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil

	case "isNull", "isUndefined":
		if err := checkArity(f, args, 1); err != nil {
			return nil, err
		}
		return args[0] == nil, nil

	case "add", "subtract", "multiply", "divide":
		if err := checkArity(f, args, 2); err != nil {
			return nil, err
		}
		return arith(f.Name, args[0], args[1])

	default:
		return nil, NewUnknownFunctionError(f.Name)
	}
}

func compareOp(op string, a, b any) bool {
	if op == "eq" {
		return Equivalent(a, b)
	}
	if op == "ne" {
		return !Equivalent(a, b)
	}
	if a == nil || b == nil {
		return false
	}
	c := Compare(a, b)
	switch op {
	case "gt":
		return c > 0
	case "gte":
		return c >= 0
	case "lt":
		return c < 0
	default:
		return c <= 0
	}
}

func like(s, pattern string, caseInsensitive bool) (bool, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func arith(op string, a, b any) (any, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	if IsInt(a) && IsInt(b) && op != "divide" {
		x, _ := AsInt(a)
		y, _ := AsInt(b)
		switch op {
		case "add":
			return x + y, nil
		case "subtract":
			return x - y, nil
		default:
			return x * y, nil
		}
	}

	x, err := AsFloat(a)
	if err != nil {
		return nil, err
	}
	y, err := AsFloat(b)
	if err != nil {
		return nil, err
	}
	switch op {
	case "add":
		return x + y, nil
	case "subtract":
		return x - y, nil
	case "multiply":
		return x * y, nil
	default:
		if y == 0 {
			return nil, nil
		}
		return x / y, nil
	}
}

var errNoGroup = errors.New("aggregate outside of a group")

func evalAggregate(a *Aggregate, ctx EvalCtx) (any, error) {
	if ctx.Group == nil {
		return nil, errNoGroup
	}

	// values of the argument, weighted by multiplicity
	type weighted struct {
		v any
		m int
	}
	values := make([]weighted, 0, len(ctx.Group))
	for _, r := range ctx.Group {
		if len(a.Args) == 0 {
			values = append(values, weighted{v: true, m: r.Multiplicity})
			continue
		}
		v, err := Evaluate(a.Args[0], EvalCtx{Root: r.Row, Log: ctx.Log})
		if err != nil {
			return nil, err
		}
		if v != nil {
			values = append(values, weighted{v: v, m: r.Multiplicity})
		}
	}

	switch a.Name {
	case "count":
		n := int64(0)
		for _, w := range values {
			n += int64(w.m)
		}
		return n, nil

	case "sum", "avg":
		allInt := true
		isum, fsum, n := int64(0), 0.0, 0
		for _, w := range values {
			if !IsNumber(w.v) {
				return nil, NewInvalidArgumentsError(fmt.Sprintf("%s of a non-number", a.Name))
			}
			if IsInt(w.v) {
				i, _ := AsInt(w.v)
				isum += i * int64(w.m)
			} else {
				allInt = false
			}
			f, _ := AsFloat(w.v)
			fsum += f * float64(w.m)
			n += w.m
		}
		if a.Name == "avg" {
			if n == 0 {
				return nil, nil
			}
			return fsum / float64(n), nil
		}
		if allInt {
			return isum, nil
		}
		return fsum, nil

	case "min", "max":
		var ret any
		for _, w := range values {
			if w.m <= 0 {
				continue
			}
			c := Compare(w.v, ret)
			if ret == nil || (a.Name == "min" && c < 0) || (a.Name == "max" && c > 0) {
				ret = w.v
			}
		}
		return ret, nil

	default:
		return nil, NewUnknownFunctionError(a.Name)
	}
}
