package loadsubset

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/livequery/pkg/query"
)

func cmp(op, field string, v any) query.Expression {
	return query.NewFunc(op, query.NewRef(field), query.NewValue(v))
}

func conj(es ...query.Expression) query.Expression { return query.NewFunc("and", es...) }

func disj(es ...query.Expression) query.Expression { return query.NewFunc("or", es...) }

func str(e query.Expression) string {
	if e == nil {
		return "<all>"
	}
	return e.String()
}

var _ = Describe("IsSubset", func() {
	It("should treat nil as everything", func() {
		Expect(IsSubset(cmp("eq", "id", 1), nil)).To(BeTrue())
		Expect(IsSubset(nil, nil)).To(BeTrue())
		Expect(IsSubset(nil, cmp("eq", "id", 1))).To(BeFalse())
	})

	It("should compare intervals", func() {
		Expect(IsSubset(cmp("gt", "age", 20), cmp("gt", "age", 10))).To(BeTrue())
		Expect(IsSubset(cmp("gte", "age", 10), cmp("gt", "age", 10))).To(BeFalse())
		Expect(IsSubset(cmp("gt", "age", 10), cmp("gte", "age", 10))).To(BeTrue())
		Expect(IsSubset(cmp("gt", "age", 10), cmp("gt", "age", 20))).To(BeFalse())
		Expect(IsSubset(cmp("lt", "age", 10), cmp("lte", "age", 10.5))).To(BeTrue())
		Expect(IsSubset(conj(cmp("gt", "age", 10), cmp("lt", "age", 20)), cmp("gt", "age", 5))).To(BeTrue())
	})

	It("should compare value sets", func() {
		Expect(IsSubset(cmp("eq", "id", 1), cmp("in", "id", []any{1, 2}))).To(BeTrue())
		Expect(IsSubset(cmp("in", "id", []any{1, 3}), cmp("in", "id", []any{1, 2}))).To(BeFalse())
		Expect(IsSubset(cmp("eq", "id", 5), cmp("gt", "id", 1))).To(BeTrue())
		Expect(IsSubset(cmp("gt", "id", 1), cmp("in", "id", []any{2, 3}))).To(BeFalse())
	})

	It("should handle conjunctions over several fields", func() {
		a := conj(cmp("eq", "team", "x"), cmp("gt", "age", 30))
		Expect(IsSubset(a, cmp("eq", "team", "x"))).To(BeTrue())
		Expect(IsSubset(cmp("eq", "team", "x"), a)).To(BeFalse())
		Expect(IsSubset(a, cmp("eq", "city", "y"))).To(BeFalse())
	})

	It("should handle disjunctions", func() {
		Expect(IsSubset(disj(cmp("eq", "id", 1), cmp("eq", "id", 2)), cmp("in", "id", []any{1, 2, 3}))).To(BeTrue())
		Expect(IsSubset(cmp("eq", "id", 2), disj(cmp("eq", "id", 1), cmp("gt", "id", 1)))).To(BeTrue())
		Expect(IsSubset(cmp("eq", "id", 0), disj(cmp("eq", "id", 1), cmp("gt", "id", 1)))).To(BeFalse())
	})

	It("should accept flipped comparisons", func() {
		flipped := query.NewFunc("lt", query.NewValue(10), query.NewRef("age"))
		Expect(IsSubset(flipped, cmp("gt", "age", 5))).To(BeTrue())
	})

	It("should be conservative for unknown forms", func() {
		Expect(IsSubset(cmp("like", "name", "a%"), cmp("like", "name", "%"))).To(BeFalse())
		Expect(IsSubset(cmp("like", "name", "a%"), cmp("like", "name", "a%"))).To(BeTrue())
	})
})

var _ = Describe("Minus", func() {
	It("should be empty for a covered request", func() {
		_, ok := Minus(cmp("gt", "age", 20), cmp("gt", "age", 10))
		Expect(ok).To(BeFalse())
		_, ok = Minus(cmp("eq", "id", 1), nil)
		Expect(ok).To(BeFalse())
	})

	It("should negate the coverage for an unbounded request", func() {
		d, ok := Minus(nil, cmp("eq", "id", 1))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal("not(eq($.id,1))"))
	})

	It("should cut intervals", func() {
		d, ok := Minus(cmp("gt", "age", 5), cmp("gt", "age", 10))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal("and(gt($.age,5),lte($.age,10))"))

		d, ok = Minus(conj(cmp("gt", "age", 0), cmp("lt", "age", 100)), conj(cmp("gte", "age", 10), cmp("lte", "age", 20)))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal("or(and(gt($.age,0),lt($.age,10)),and(gt($.age,20),lt($.age,100)))"))
	})

	It("should remove covered values", func() {
		d, ok := Minus(cmp("in", "id", []any{1, 2, 3}), cmp("in", "id", []any{2}))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal("in($.id,[1,3])"))

		d, ok = Minus(conj(cmp("eq", "team", "x"), cmp("in", "id", []any{1, 2})), cmp("eq", "id", 1))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal(`and(eq($.team,"x"),eq($.id,2))`))
	})

	It("should keep the bounds of a value set", func() {
		a := conj(cmp("in", "age", []any{1, 8, 20, 25}), cmp("gt", "age", 10))
		d, ok := Minus(a, cmp("eq", "age", 20))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal("eq($.age,25)"))

		d, ok = Minus(conj(cmp("lte", "age", 20), cmp("in", "age", []any{1, 8, 20, 25})), cmp("lt", "age", 5))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal("in($.age,[8,20])"))

		Expect(IsSubset(a, cmp("in", "age", []any{20, 25}))).To(BeTrue())
		_, ok = Minus(a, cmp("gte", "age", 20))
		Expect(ok).To(BeFalse())
	})

	It("should fall back to a negated conjunction", func() {
		d, ok := Minus(cmp("gt", "age", 5), cmp("eq", "team", "x"))
		Expect(ok).To(BeTrue())
		Expect(str(d)).To(Equal(`and(gt($.age,5),not(eq($.team,"x")))`))
	})

	// the rows of a and the rows of b together cover a
	It("should satisfy the difference law", func() {
		rows := []map[string]any{}
		for age := int64(0); age < 30; age++ {
			rows = append(rows, map[string]any{"age": age, "id": age % 7})
		}
		cases := [][2]query.Expression{
			{cmp("gt", "age", 5), cmp("gt", "age", 10)},
			{cmp("lte", "age", 20), cmp("gte", "age", 10)},
			{conj(cmp("gte", "age", 3), cmp("lt", "age", 25)), conj(cmp("gt", "age", 10), cmp("lte", "age", 12))},
			{cmp("in", "id", []any{1, 2, 3}), cmp("eq", "id", 2)},
			{nil, cmp("gt", "age", 15)},
			{cmp("gt", "age", 5), cmp("eq", "id", 3)},
			{conj(cmp("in", "age", []any{1, 8, 20, 25}), cmp("gt", "age", 10)), cmp("eq", "age", 20)},
			{conj(cmp("gte", "age", 4), cmp("in", "age", []any{2, 4, 6})), cmp("lt", "age", 5)},
		}
		for _, tc := range cases {
			a, b := tc[0], tc[1]
			d, ok := Minus(a, b)
			for _, r := range rows {
				inA, inB := query.Matches(a, r), query.Matches(b, r)
				inD := ok && query.Matches(d, r)
				Expect(inA).To(Equal(inB && inA || inD),
					"a=%s b=%s d=%s row=%v", str(a), str(b), str(d), r)
				if inD {
					Expect(inA).To(BeTrue(), "difference exceeds a: a=%s b=%s d=%s row=%v", str(a), str(b), str(d), r)
					Expect(inB).To(BeFalse(), "difference overlaps b: a=%s b=%s d=%s row=%v", str(a), str(b), str(d), r)
				}
			}
		}
	})
})

var _ = Describe("Union", func() {
	It("should keep the larger of nested predicates", func() {
		Expect(str(Union(cmp("gt", "age", 20), cmp("gt", "age", 10)))).To(Equal("gt($.age,10)"))
		Expect(str(Union(cmp("gt", "age", 10), nil))).To(Equal("<all>"))
	})

	It("should merge value sets", func() {
		Expect(str(Union(cmp("eq", "id", 1), cmp("in", "id", []any{2, 3})))).To(Equal("in($.id,[1,2,3])"))
	})

	It("should build a disjunction otherwise", func() {
		u := Union(cmp("gt", "age", 20), cmp("eq", "team", "x"))
		Expect(str(u)).To(Equal(`or(gt($.age,20),eq($.team,"x"))`))
		Expect(IsSubset(cmp("gt", "age", 30), u)).To(BeTrue())
	})
})
