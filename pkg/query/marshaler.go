package query

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// The JSON form of an expression is one of:
//
//	{"ref": "alias.field"} or {"ref": ["alias", "field"]} or "$.alias.field"
//	{"value": <any>} or a plain JSON literal
//	{"func": "eq", "args": [<expr>, <expr>]}
//	{"agg": "count", "args": [<expr>]}

type exprJSON struct {
	Ref   any               `json:"ref,omitempty"`
	Value any               `json:"value,omitempty"`
	Func  string            `json:"func,omitempty"`
	Agg   string            `json:"agg,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

// UnmarshalExpression parses an expression from JSON.
func UnmarshalExpression(b []byte) (Expression, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, NewUnmarshalError("expression", string(b))
	}

	if b[0] != '{' {
		v, err := decodeValue(b)
		if err != nil {
			return nil, NewUnmarshalError("expression", string(b))
		}
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$.") {
			return NewRef(s[2:]), nil
		}
		return NewValue(v), nil
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, NewUnmarshalError("expression", string(b))
	}

	if r, ok := raw["ref"]; ok {
		var path any
		if err := json.Unmarshal(r, &path); err != nil {
			return nil, NewUnmarshalError("ref", string(r))
		}
		switch p := path.(type) {
		case string:
			return NewRef(strings.TrimPrefix(p, "$.")), nil
		case []any:
			ref := &Ref{Path: make([]string, 0, len(p))}
			for _, e := range p {
				s, err := AsString(e)
				if err != nil {
					return nil, NewUnmarshalError("ref", string(r))
				}
				ref.Path = append(ref.Path, s)
			}
			return ref, nil
		default:
			return nil, NewUnmarshalError("ref", string(r))
		}
	}

	if v, ok := raw["value"]; ok {
		val, err := decodeValue(v)
		if err != nil {
			return nil, NewUnmarshalError("value", string(v))
		}
		return NewValue(val), nil
	}

	var e exprJSON
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, NewUnmarshalError("expression", string(b))
	}
	args := make([]Expression, 0, len(e.Args))
	for _, a := range e.Args {
		arg, err := UnmarshalExpression(a)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	switch {
	case e.Func != "":
		return NewFunc(e.Func, args...), nil
	case e.Agg != "":
		return NewAggregate(e.Agg, args...), nil
	}

	return nil, NewUnmarshalError("expression", string(b))
}

// MarshalExpression encodes an expression into JSON.
func MarshalExpression(e Expression) ([]byte, error) {
	switch x := e.(type) {
	case *Ref:
		return json.Marshal(map[string]any{"ref": x.Path})
	case *Value:
		return json.Marshal(map[string]any{"value": x.Value})
	case *Func:
		args, err := marshalArgs(x.Args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprJSON{Func: x.Name, Args: args})
	case *Aggregate:
		args, err := marshalArgs(x.Args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(exprJSON{Agg: x.Name, Args: args})
	case nil:
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("cannot marshal expression of type %T", e)
}

func marshalArgs(es []Expression) ([]json.RawMessage, error) {
	ret := make([]json.RawMessage, 0, len(es))
	for _, e := range es {
		b, err := MarshalExpression(e)
		if err != nil {
			return nil, err
		}
		ret = append(ret, b)
	}
	return ret, nil
}

// decodeValue decodes a JSON literal, converting integral numbers to int64 and all other numbers
// to float64.
func decodeValue(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
		return x
	}
	return v
}

// DecodeValue decodes an arbitrary JSON document the same way expression literals are decoded.
func DecodeValue(b []byte) (any, error) { return decodeValue(b) }

type exprBox struct{ e Expression }

func (b *exprBox) UnmarshalJSON(d []byte) error {
	e, err := UnmarshalExpression(d)
	if err != nil {
		return err
	}
	b.e = e
	return nil
}

func (b exprBox) MarshalJSON() ([]byte, error) { return MarshalExpression(b.e) }

func boxAll(es []Expression) []exprBox {
	ret := make([]exprBox, len(es))
	for i, e := range es {
		ret[i] = exprBox{e}
	}
	return ret
}

func unboxAll(bs []exprBox) []Expression {
	if len(bs) == 0 {
		return nil
	}
	ret := make([]Expression, len(bs))
	for i, b := range bs {
		ret[i] = b.e
	}
	return ret
}

type sourceJSON struct {
	Collection string `json:"collection,omitempty"`
	Query      *Query `json:"query,omitempty"`
	As         string `json:"as"`
}

func unmarshalSource(b []byte) (Source, error) {
	var s sourceJSON
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, NewUnmarshalError("source", string(b))
	}
	switch {
	case s.Collection != "" && s.Query == nil:
		as := s.As
		if as == "" {
			as = s.Collection
		}
		return &CollectionRef{Collection: s.Collection, As: as}, nil
	case s.Query != nil && s.Collection == "" && s.As != "":
		return &QueryRef{Query: s.Query, As: s.As}, nil
	}
	return nil, NewUnmarshalError("source", string(b))
}

func marshalSource(s Source) sourceJSON {
	switch src := s.(type) {
	case *CollectionRef:
		return sourceJSON{Collection: src.Collection, As: src.As}
	case *QueryRef:
		return sourceJSON{Query: src.Query, As: src.As}
	}
	return sourceJSON{}
}

type joinJSON struct {
	From  json.RawMessage `json:"from"`
	Type  string          `json:"type,omitempty"`
	Left  exprBox         `json:"left"`
	Right exprBox         `json:"right"`
}

type selectJSON struct {
	Name string  `json:"name"`
	Expr exprBox `json:"expr"`
}

type orderByJSON struct {
	Expr      exprBox   `json:"expr"`
	Direction Direction `json:"direction,omitempty"`
	Nulls     Nulls     `json:"nulls,omitempty"`
}

type queryJSON struct {
	From     json.RawMessage `json:"from"`
	Join     []joinJSON      `json:"join,omitempty"`
	Where    []exprBox       `json:"where,omitempty"`
	Select   []selectJSON    `json:"select,omitempty"`
	GroupBy  []exprBox       `json:"groupBy,omitempty"`
	Having   []exprBox       `json:"having,omitempty"`
	Distinct bool            `json:"distinct,omitempty"`
	OrderBy  []orderByJSON   `json:"orderBy,omitempty"`
	Limit    *int            `json:"limit,omitempty"`
	Offset   *int            `json:"offset,omitempty"`
}

// UnmarshalJSON decodes a query. Function-valued clauses (FnWhere, FnSelect, FnHaving) have no
// JSON form.
func (q *Query) UnmarshalJSON(b []byte) error {
	var j queryJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return NewUnmarshalError("query", string(b))
	}

	from, err := unmarshalSource(j.From)
	if err != nil {
		return err
	}

	*q = Query{
		From:     from,
		Where:    unboxAll(j.Where),
		GroupBy:  unboxAll(j.GroupBy),
		Having:   unboxAll(j.Having),
		Distinct: j.Distinct,
		Limit:    j.Limit,
		Offset:   j.Offset,
	}

	for _, jc := range j.Join {
		src, err := unmarshalSource(jc.From)
		if err != nil {
			return err
		}
		q.Join = append(q.Join, JoinClause{From: src, Type: jc.Type, Left: jc.Left.e, Right: jc.Right.e})
	}
	for _, s := range j.Select {
		q.Select = append(q.Select, SelectField{Name: s.Name, Expr: s.Expr.e})
	}
	for _, o := range j.OrderBy {
		q.OrderBy = append(q.OrderBy, OrderByClause{Expr: o.Expr.e, Direction: o.Direction, Nulls: o.Nulls})
	}

	return nil
}

// MarshalJSON encodes a query.
func (q *Query) MarshalJSON() ([]byte, error) {
	from, err := json.Marshal(marshalSource(q.From))
	if err != nil {
		return nil, err
	}

	j := queryJSON{
		From:     from,
		Where:    boxAll(q.Where),
		GroupBy:  boxAll(q.GroupBy),
		Having:   boxAll(q.Having),
		Distinct: q.Distinct,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	for _, jc := range q.Join {
		src, err := json.Marshal(marshalSource(jc.From))
		if err != nil {
			return nil, err
		}
		j.Join = append(j.Join, joinJSON{From: src, Type: jc.Type, Left: exprBox{jc.Left}, Right: exprBox{jc.Right}})
	}
	for _, s := range q.Select {
		j.Select = append(j.Select, selectJSON{Name: s.Name, Expr: exprBox{s.Expr}})
	}
	for _, o := range q.OrderBy {
		j.OrderBy = append(j.OrderBy, orderByJSON{Expr: exprBox{o.Expr}, Direction: o.Direction, Nulls: o.Nulls})
	}

	return json.Marshal(j)
}

// String returns the JSON form of the query.
func (q *Query) String() string {
	b, err := q.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid query: %s>", err)
	}
	return string(b)
}
