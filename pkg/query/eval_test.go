package query

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Evaluating expressions", func() {
	var row Row

	BeforeEach(func() {
		row = Row{
			"t": map[string]any{
				"id":    int64(1),
				"name":  "Alice",
				"score": 2.5,
				"tags":  []any{"a", "b"},
				"addr":  map[string]any{"city": "Budapest"},
				"none":  nil,
			},
		}
	})

	eval := func(e Expression) any {
		v, err := Evaluate(e, EvalCtx{Root: row, Log: logger})
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	It("should resolve refs", func() {
		Expect(eval(NewRef("t.name"))).To(Equal("Alice"))
		Expect(eval(NewRef("t.addr.city"))).To(Equal("Budapest"))
		Expect(eval(NewRef("t.missing"))).To(BeNil())
		Expect(eval(NewRef("u.name"))).To(BeNil())
		Expect(eval(NewValue(int64(3)))).To(Equal(int64(3)))
	})

	It("should compare mixed numbers", func() {
		Expect(eval(Eq(NewRef("t.id"), NewValue(1)))).To(BeTrue())
		Expect(eval(Eq(NewRef("t.id"), NewValue(1.0)))).To(BeTrue())
		Expect(eval(NewFunc("gt", NewRef("t.score"), NewValue(2)))).To(BeTrue())
		Expect(eval(NewFunc("lte", NewRef("t.score"), NewValue(2)))).To(BeFalse())
		Expect(eval(NewFunc("ne", NewRef("t.name"), NewValue("Bob")))).To(BeTrue())
	})

	It("should treat nulls as unordered", func() {
		Expect(eval(NewFunc("gt", NewRef("t.none"), NewValue(0)))).To(BeFalse())
		Expect(eval(NewFunc("lt", NewRef("t.none"), NewValue(0)))).To(BeFalse())
		Expect(eval(Eq(NewRef("t.none"), NewValue(nil)))).To(BeTrue())
		Expect(eval(NewFunc("isNull", NewRef("t.missing")))).To(BeTrue())
	})

	It("should short-circuit logic", func() {
		// the second argument would fail with an unknown function
		bad := NewFunc("nosuchfunc")
		Expect(eval(NewFunc("and", NewValue(false), bad))).To(BeFalse())
		Expect(eval(NewFunc("or", NewValue(true), bad))).To(BeTrue())
		Expect(eval(NewFunc("not", NewRef("t.none")))).To(BeTrue())

		_, err := Evaluate(NewFunc("and", NewValue(true), bad), EvalCtx{Root: row, Log: logger})
		Expect(err).To(HaveOccurred())
	})

	It("should evaluate membership", func() {
		Expect(eval(NewFunc("in", NewValue("b"), NewRef("t.tags")))).To(BeTrue())
		Expect(eval(NewFunc("in", NewRef("t.id"), NewValue([]any{1.0, 2.0})))).To(BeTrue())
		Expect(eval(NewFunc("in", NewValue("c"), NewRef("t.missing")))).To(BeFalse())
	})

	It("should match LIKE patterns", func() {
		Expect(eval(NewFunc("like", NewRef("t.name"), NewValue("Al%")))).To(BeTrue())
		Expect(eval(NewFunc("like", NewRef("t.name"), NewValue("al%")))).To(BeFalse())
		Expect(eval(NewFunc("ilike", NewRef("t.name"), NewValue("al%")))).To(BeTrue())
		Expect(eval(NewFunc("like", NewRef("t.name"), NewValue("Alic_")))).To(BeTrue())
		Expect(eval(NewFunc("like", NewValue("a.c"), NewValue("a.c")))).To(BeTrue())
		Expect(eval(NewFunc("like", NewValue("abc"), NewValue("a.c")))).To(BeFalse())
	})

	It("should evaluate string functions", func() {
		Expect(eval(NewFunc("upper", NewRef("t.name")))).To(Equal("ALICE"))
		Expect(eval(NewFunc("lower", NewRef("t.name")))).To(Equal("alice"))
		Expect(eval(NewFunc("length", NewRef("t.name")))).To(Equal(int64(5)))
		Expect(eval(NewFunc("length", NewRef("t.tags")))).To(Equal(int64(2)))
		Expect(eval(NewFunc("concat", NewRef("t.name"), NewValue("-"), NewRef("t.none")))).
			To(Equal("Alice-"))
		Expect(eval(NewFunc("coalesce", NewRef("t.none"), NewRef("t.name")))).To(Equal("Alice"))
	})

	It("should evaluate arithmetic", func() {
		Expect(eval(NewFunc("add", NewRef("t.id"), NewValue(2)))).To(Equal(int64(3)))
		Expect(eval(NewFunc("multiply", NewRef("t.score"), NewValue(2)))).To(Equal(5.0))
		Expect(eval(NewFunc("divide", NewValue(3), NewValue(2)))).To(Equal(1.5))
		Expect(eval(NewFunc("divide", NewValue(3), NewValue(0)))).To(BeNil())
		Expect(eval(NewFunc("subtract", NewRef("t.none"), NewValue(1)))).To(BeNil())
	})

	It("should fail on unknown functions and bad arity", func() {
		_, err := Evaluate(NewFunc("frobnicate"), EvalCtx{Root: row})
		Expect(err).To(HaveOccurred())
		_, err = Evaluate(NewFunc("eq", NewValue(1)), EvalCtx{Root: row})
		Expect(err).To(HaveOccurred())
		_, err = Evaluate(nil, EvalCtx{Root: row})
		Expect(err).To(HaveOccurred())
	})

	It("should match rows", func() {
		Expect(Matches(nil, row)).To(BeTrue())
		Expect(Matches(Eq(NewRef("t.id"), NewValue(1)), row)).To(BeTrue())
		Expect(Matches(NewFunc("frobnicate"), row)).To(BeFalse())
		Expect(Matches(NewRef("t.none"), row)).To(BeFalse())
	})

	Describe("aggregates", func() {
		group := []GroupRow{
			{Row: map[string]any{"v": int64(1)}, Multiplicity: 1},
			{Row: map[string]any{"v": int64(4)}, Multiplicity: 2},
			{Row: map[string]any{"v": nil}, Multiplicity: 1},
		}

		agg := func(name string, args ...Expression) any {
			v, err := Evaluate(NewAggregate(name, args...), EvalCtx{Group: group, Log: logger})
			Expect(err).NotTo(HaveOccurred())
			return v
		}

		It("should weight by multiplicity", func() {
			Expect(agg("count")).To(Equal(int64(4)))
			Expect(agg("count", NewRef("v"))).To(Equal(int64(3)))
			Expect(agg("sum", NewRef("v"))).To(Equal(int64(9)))
			Expect(agg("avg", NewRef("v"))).To(Equal(3.0))
			Expect(agg("min", NewRef("v"))).To(Equal(int64(1)))
			Expect(agg("max", NewRef("v"))).To(Equal(int64(4)))
		})

		It("should fail outside a group", func() {
			_, err := Evaluate(NewAggregate("count"), EvalCtx{Root: row})
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Ordering", func() {
	It("should order values of different types", func() {
		Expect(Compare(nil, false)).To(Equal(-1))
		Expect(Compare(true, 0)).To(Equal(-1))
		Expect(Compare(100, "a")).To(Equal(-1))
		Expect(Compare(int64(2), 2.0)).To(Equal(0))
		Expect(Compare(int64(1)<<60, int64(1)<<60+1)).To(Equal(-1))
		Expect(Compare("b", "a")).To(Equal(1))
	})

	It("should sort by multiple clauses", func() {
		clauses := []OrderByClause{
			{Expr: NewRef("a"), Direction: Descending},
			{Expr: NewRef("b"), Nulls: NullsLast},
		}
		cmp := OrderComparator(clauses)
		key := func(a, b any) []any { return SortKeys(clauses, map[string]any{"a": a, "b": b}) }

		Expect(cmp(key(2, 1), key(1, 1))).To(Equal(-1))
		Expect(cmp(key(1, 1), key(1, 2))).To(Equal(-1))
		Expect(cmp(key(1, nil), key(1, 2))).To(Equal(1))
		Expect(cmp(key(nil, 1), key(1, 1))).To(Equal(-1), "nulls first even when descending")
		Expect(cmp(key(1, 1), key(1.0, 1))).To(Equal(0))
	})

	It("should select the rows from a cursor on", func() {
		values := []any{nil, 1, 2, 3}
		rows := []Row{}
		for _, a := range values {
			for _, b := range values {
				rows = append(rows, Row{"a": a, "b": b})
			}
		}

		for _, clauses := range [][]OrderByClause{
			{{Expr: NewRef("a")}},
			{{Expr: NewRef("a"), Direction: Descending, Nulls: NullsLast}},
			{{Expr: NewRef("a"), Direction: Descending}, {Expr: NewRef("b"), Nulls: NullsLast}},
			{{Expr: NewRef("a"), Nulls: NullsLast}, {Expr: NewRef("b"), Direction: Descending}},
		} {
			cmp := OrderComparator(clauses)
			for _, c := range rows {
				cursor := SortKeys(clauses, c)
				where := AtOrAfter(clauses, cursor)
				for _, r := range rows {
					want := cmp(SortKeys(clauses, r), cursor) >= 0
					Expect(Matches(where, r)).To(Equal(want), "cursor %v row %v", c, r)
				}
			}
		}

		where := AtOrAfter([]OrderByClause{{Expr: NewRef("v"), Direction: Descending}}, []any{80})
		Expect(where.String()).To(Equal("lte($.v,80)"))
	})
})

var _ = Describe("Aliases", func() {
	It("should collect the collections of a query and its subqueries", func() {
		q := &Query{
			From: &QueryRef{As: "s", Query: &Query{From: &CollectionRef{Collection: "users", As: "u"}}},
			Join: []JoinClause{{
				From: &CollectionRef{Collection: "orders", As: "o"},
				Left: NewRef("o.uid"), Right: NewRef("s.id"),
			}},
		}
		aliases, err := CollectionAliases(q)
		Expect(err).NotTo(HaveOccurred())
		Expect(aliases).To(Equal(map[string]string{"u": "users", "o": "orders"}))
		Expect(q.Aliases()).To(Equal([]string{"s", "o"}))
	})

	It("should reject an alias bound to two collections", func() {
		q := &Query{
			From: &CollectionRef{Collection: "users", As: "u"},
			Join: []JoinClause{{
				From: &QueryRef{As: "s", Query: &Query{From: &CollectionRef{Collection: "orders", As: "u"}}},
				Left: NewRef("u.id"), Right: NewRef("s.id"),
			}},
		}
		_, err := CollectionAliases(q)
		Expect(err).To(HaveOccurred())
	})

	It("should strip an alias from refs", func() {
		e := NewFunc("and", Eq(NewRef("u.id"), NewValue(1)), Eq(NewRef("o.id"), NewRef("u.x.y")))
		Expect(StripAlias(e, "u").String()).To(Equal("and(eq($.id,1),eq($.o.id,$.x.y))"))
		Expect(ReferencedAliases(e)).To(Equal(map[string]bool{"u": true, "o": true}))
		Expect(ContainsAggregate(e)).To(BeFalse())
		Expect(ContainsAggregate(NewFunc("add", NewAggregate("count"), NewValue(1)))).To(BeTrue())
	})
})
