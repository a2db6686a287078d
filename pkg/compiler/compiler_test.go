package compiler

import (
	"slices"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/livequery/pkg/query"
)

var _ = Describe("Validate", func() {
	users := &query.CollectionRef{Collection: "users", As: "u"}

	It("should require a FROM clause", func() {
		Expect(Validate(&query.Query{})).To(MatchError(query.ErrMissingFrom))
		Expect(Validate(nil)).To(MatchError(query.ErrMissingFrom))
	})

	It("should require SELECT for DISTINCT", func() {
		Expect(Validate(&query.Query{From: users, Distinct: true})).
			To(MatchError(ErrDistinctRequiresSelect))
	})

	It("should require ORDER BY for windows", func() {
		Expect(Validate(&query.Query{From: users, Limit: query.Ptr(1)})).
			To(MatchError(ErrLimitOffsetRequireOrderBy))
		Expect(Validate(&query.Query{From: users, Offset: query.Ptr(1)})).
			To(MatchError(ErrLimitOffsetRequireOrderBy))
	})

	It("should require grouping for HAVING", func() {
		q := &query.Query{From: users, Having: []query.Expression{fn("gt", query.NewAggregate("count"), val(1))}}
		Expect(Validate(q)).To(MatchError(ErrHavingRequiresGroupBy))

		q.Select = []query.SelectField{{Name: "n", Expr: query.NewAggregate("count")}}
		Expect(Validate(q)).To(Succeed())
	})

	It("should reject aggregates in WHERE", func() {
		q := &query.Query{From: users, Where: []query.Expression{fn("gt", query.NewAggregate("count"), val(1))}}
		Expect(Validate(q)).To(MatchError(ErrUnsupportedExpression))
	})

	It("should reject duplicate aliases", func() {
		q := &query.Query{From: users, Join: []query.JoinClause{{
			From: &query.CollectionRef{Collection: "orders", As: "u"},
			Left: ref("u.id"), Right: ref("u.id"),
		}}}
		Expect(Validate(q)).To(MatchError(ErrDuplicateAlias))
	})

	It("should reject a subquery rebinding an ancestor alias", func() {
		q := &query.Query{From: users, Join: []query.JoinClause{{
			From: &query.QueryRef{As: "s", Query: &query.Query{From: &query.CollectionRef{Collection: "users", As: "u"}}},
			Left: ref("s.id"), Right: ref("u.id"),
		}}}
		err := Validate(q)
		Expect(err).To(HaveOccurred())
		dup, ok := err.(*DuplicateAliasInSubqueryError)
		Expect(ok).To(BeTrue())
		Expect(dup.Alias).To(Equal("u"))
		Expect(dup.ParentAliases).To(Equal([]string{"s", "u"}))
	})

	It("should require a join condition", func() {
		q := &query.Query{From: users, Join: []query.JoinClause{{
			From: &query.CollectionRef{Collection: "orders", As: "o"},
		}}}
		Expect(Validate(q)).To(MatchError(ErrJoinConditionInvalid))
	})
})

var _ = Describe("Compile", func() {
	It("should fail for an alias without input", func() {
		q := &query.Query{From: &query.CollectionRef{Collection: "users", As: "u"}}
		_, err := Compile(q, nil, Options{Logger: logger})
		Expect(err).To(MatchError(ErrUnknownSource))
	})

	It("should fail for a join condition not touching the joined source", func() {
		q := &query.Query{
			From: &query.CollectionRef{Collection: "users", As: "u"},
			Join: []query.JoinClause{{
				From: &query.CollectionRef{Collection: "orders", As: "o"},
				Left: ref("u.id"), Right: ref("u.boss"),
			}},
		}
		_, err := compile(q, Options{})
		Expect(err).To(MatchError(ErrJoinConditionInvalid))
	})

	Describe("filters and projections", func() {
		var h *harness

		BeforeEach(func() {
			var err error
			h, err = compile(&query.Query{
				From:  &query.CollectionRef{Collection: "users", As: "u"},
				Where: []query.Expression{fn("gte", ref("u.age"), val(18))},
				Select: []query.SelectField{
					{Name: "name", Expr: fn("upper", ref("u.name"))},
					{Name: "age", Expr: ref("u.age")},
				},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should filter and project rows", func() {
			h.send("u", 1, row{"name": "alice", "age": int64(30)}, 1)
			h.send("u", 2, row{"name": "bob", "age": int64(12)}, 1)
			Expect(h.rows).To(HaveLen(1))
			Expect(h.value(1)).To(Equal(map[string]any{"name": "ALICE", "age": int64(30)}))
			Expect(h.rows[1].OrderIndex).To(BeEmpty())
		})

		It("should turn an update into a move across the filter", func() {
			h.send("u", 2, row{"name": "bob", "age": int64(12)}, 1)
			h.send("u", 2, row{"name": "bob", "age": int64(12)}, -1)
			h.send("u", 2, row{"name": "bob", "age": int64(19)}, 1)
			Expect(h.value(2)).To(Equal(map[string]any{"name": "BOB", "age": int64(19)}))

			h.send("u", 2, row{"name": "bob", "age": int64(19)}, -1)
			Expect(h.rows).To(BeEmpty())
		})

		It("should pass the row through without a projection", func() {
			h, err := compile(&query.Query{From: &query.CollectionRef{Collection: "users", As: "u"}}, Options{})
			Expect(err).NotTo(HaveOccurred())
			h.send("u", "k", row{"a": int64(1)}, 1)
			Expect(h.value("k")).To(Equal(row{"a": int64(1)}))
		})

		It("should apply function-valued clauses", func() {
			h, err := compile(&query.Query{
				From:     &query.CollectionRef{Collection: "users", As: "u"},
				FnWhere:  []func(query.Row) bool{func(r query.Row) bool { return r["u"].(row)["ok"] == true }},
				FnSelect: func(r query.Row) any { return r["u"].(row)["name"] },
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			h.send("u", 1, row{"ok": true, "name": "a"}, 1)
			h.send("u", 2, row{"ok": false, "name": "b"}, 1)
			Expect(h.rows).To(HaveLen(1))
			Expect(h.value(1)).To(Equal("a"))
		})
	})

	Describe("joins", func() {
		joinQuery := func(joinType string) *query.Query {
			return &query.Query{
				From: &query.CollectionRef{Collection: "users", As: "u"},
				Join: []query.JoinClause{{
					From: &query.CollectionRef{Collection: "orders", As: "o"},
					Type: joinType,
					Left: ref("o.uid"), Right: ref("u.id"),
				}},
				Select: []query.SelectField{
					{Name: "name", Expr: ref("u.name")},
					{Name: "amount", Expr: ref("o.amount")},
				},
			}
		}

		It("should join on equal keys", func() {
			h, err := compile(joinQuery(""), Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(BeEmpty())

			h.send("u", 1, row{"id": int64(1), "name": "a"}, 1)
			h.send("u", 2, row{"id": int64(2), "name": "b"}, 1)
			h.send("o", 10, row{"uid": int64(1), "amount": int64(5)}, 1)
			h.send("o", 11, row{"uid": 1.0, "amount": int64(7)}, 1)
			h.send("o", 12, row{"uid": int64(3), "amount": int64(9)}, 1)
			Expect(h.rows).To(HaveLen(2))
			Expect(h.value("[1,10]")).To(Equal(map[string]any{"name": "a", "amount": int64(5)}))
			Expect(h.value("[1,11]")).To(Equal(map[string]any{"name": "a", "amount": int64(7)}))

			h.send("u", 3, row{"id": int64(3), "name": "c"}, 1)
			Expect(h.value("[3,12]")).To(Equal(map[string]any{"name": "c", "amount": int64(9)}))

			h.send("u", 1, row{"id": int64(1), "name": "a"}, -1)
			Expect(h.rows).To(HaveLen(1))
		})

		It("should never match null join keys", func() {
			h, err := compile(joinQuery(""), Options{})
			Expect(err).NotTo(HaveOccurred())
			h.send("u", 1, row{"name": "a"}, 1)
			h.send("o", 10, row{"amount": int64(5)}, 1)
			Expect(h.rows).To(BeEmpty())
		})

		It("should null-extend unmatched rows of a left join", func() {
			h, err := compile(joinQuery("left"), Options{})
			Expect(err).NotTo(HaveOccurred())

			h.send("u", 2, row{"id": int64(2), "name": "b"}, 1)
			Expect(h.value("[2,null]")).To(Equal(map[string]any{"name": "b", "amount": nil}))

			h.send("o", 13, row{"uid": int64(2), "amount": int64(1)}, 1)
			Expect(h.rows).NotTo(HaveKey("[2,null]"))
			Expect(h.value("[2,13]")).To(Equal(map[string]any{"name": "b", "amount": int64(1)}))

			h.send("o", 13, row{"uid": int64(2), "amount": int64(1)}, -1)
			Expect(h.rows).To(HaveKey("[2,null]"))
			Expect(h.rows).To(HaveLen(1))
		})

		It("should expose every source without a projection", func() {
			q := joinQuery("")
			q.Select = nil
			h, err := compile(q, Options{})
			Expect(err).NotTo(HaveOccurred())
			h.send("u", 1, row{"id": int64(1)}, 1)
			h.send("o", 10, row{"uid": int64(1)}, 1)
			Expect(h.value("[1,10]")).To(Equal(map[string]any{
				"u": row{"id": int64(1)},
				"o": row{"uid": int64(1)},
			}))
		})

		It("should join a subquery", func() {
			h, err := compile(&query.Query{
				From: &query.CollectionRef{Collection: "users", As: "u"},
				Join: []query.JoinClause{{
					From: &query.QueryRef{As: "big", Query: &query.Query{
						From:  &query.CollectionRef{Collection: "orders", As: "o"},
						Where: []query.Expression{fn("gt", ref("o.amount"), val(5))},
					}},
					Left: ref("u.id"), Right: ref("big.uid"),
				}},
				Select: []query.SelectField{{Name: "amount", Expr: ref("big.amount")}},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())

			h.send("u", 1, row{"id": int64(1)}, 1)
			h.send("o", 10, row{"uid": int64(1), "amount": int64(3)}, 1)
			h.send("o", 11, row{"uid": int64(1), "amount": int64(8)}, 1)
			Expect(h.rows).To(HaveLen(1))
			Expect(h.value("[1,11]")).To(Equal(map[string]any{"amount": int64(8)}))
		})
	})

	Describe("join optimization", func() {
		sizes := map[string]int{}
		opts := Options{
			LoadLazyKeys:   anyLoad,
			CollectionSize: func(c string) int { return sizes[c] },
		}

		innerJoin := func(joinType string, left, right query.Expression) *query.Query {
			return &query.Query{
				From: &query.CollectionRef{Collection: "users", As: "u"},
				Join: []query.JoinClause{{
					From: &query.CollectionRef{Collection: "orders", As: "o"},
					Type: joinType, Left: left, Right: right,
				}},
			}
		}

		It("should load the larger side of an inner join lazily", func() {
			sizes["users"], sizes["orders"] = 100, 10
			h, err := compile(innerJoin("", ref("o.uid"), ref("u.id")), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(Equal(map[string]bool{"u": true}))

			h.send("o", 10, row{"uid": int64(1)}, 1)
			Expect(h.loads).To(Equal([]lazyLoad{{alias: "u", path: []string{"id"}, keys: []any{1.0}}}))

			// retractions do not trigger loads
			h.send("o", 10, row{"uid": int64(1)}, -1)
			Expect(h.loads).To(HaveLen(1))
		})

		It("should flip the sides with the sizes", func() {
			sizes["users"], sizes["orders"] = 10, 100
			h, err := compile(innerJoin("", ref("o.uid"), ref("u.id")), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(Equal(map[string]bool{"o": true}))

			h.send("u", 1, row{"id": int64(7)}, 1)
			Expect(h.loads).To(Equal([]lazyLoad{{alias: "o", path: []string{"uid"}, keys: []any{7.0}}}))
		})

		It("should load the optional side of outer joins lazily", func() {
			sizes["users"], sizes["orders"] = 100, 10
			h, err := compile(innerJoin("left", ref("o.uid"), ref("u.id")), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(Equal(map[string]bool{"o": true}))

			h, err = compile(innerJoin("right", ref("o.uid"), ref("u.id")), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(Equal(map[string]bool{"u": true}))
		})

		It("should not optimize full joins, computed keys or self joins", func() {
			h, err := compile(innerJoin("full", ref("o.uid"), ref("u.id")), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(BeEmpty())

			h, err = compile(innerJoin("", fn("lower", ref("o.name")), ref("u.name")), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(BeEmpty())

			h, err = compile(&query.Query{
				From: &query.CollectionRef{Collection: "users", As: "u"},
				Join: []query.JoinClause{{
					From: &query.CollectionRef{Collection: "users", As: "boss"},
					Left: ref("boss.id"), Right: ref("u.boss"),
				}},
			}, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(BeEmpty())
		})

		It("should not optimize without a loader", func() {
			h, err := compile(innerJoin("left", ref("o.uid"), ref("u.id")), Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(BeEmpty())
		})

		It("should load a filtered subquery by its collection", func() {
			sizes["users"], sizes["orders"] = 1, 100
			q := innerJoin("", ref("big.uid"), ref("u.id"))
			q.Join[0].From = &query.QueryRef{As: "big", Query: &query.Query{
				From:  &query.CollectionRef{Collection: "orders", As: "o"},
				Where: []query.Expression{fn("gt", ref("o.amount"), val(5))},
			}}
			h, err := compile(q, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(Equal(map[string]bool{"o": true}))
			Expect(h.res.SourceWhere).To(HaveKey("o"))

			q.Join[0].From.(*query.QueryRef).Query.OrderBy = []query.OrderByClause{{Expr: ref("o.amount")}}
			q.Join[0].From.(*query.QueryRef).Query.Limit = query.Ptr(1)
			h, err = compile(q, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.LazySources).To(BeEmpty())
		})
	})

	Describe("pushdown", func() {
		It("should push single-source clauses to the inner side of joins", func() {
			h, err := compile(&query.Query{
				From: &query.CollectionRef{Collection: "users", As: "u"},
				Join: []query.JoinClause{{
					From: &query.CollectionRef{Collection: "orders", As: "o"},
					Left: ref("o.uid"), Right: ref("u.id"),
				}},
				Where: []query.Expression{fn("and",
					query.Eq(ref("u.active"), val(true)),
					fn("gt", ref("o.amount"), val(5)),
					query.Eq(ref("u.name"), ref("o.name")),
				)},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.SourceWhere).To(HaveLen(2))
			Expect(h.res.SourceWhere["u"].String()).To(Equal("eq($.active,true)"))
			Expect(h.res.SourceWhere["o"].String()).To(Equal("gt($.amount,5)"))
		})

		It("should not push clauses to the null-extended side", func() {
			h, err := compile(&query.Query{
				From: &query.CollectionRef{Collection: "users", As: "u"},
				Join: []query.JoinClause{{
					From: &query.CollectionRef{Collection: "orders", As: "o"},
					Type: "left",
					Left: ref("o.uid"), Right: ref("u.id"),
				}},
				Where: []query.Expression{
					query.Eq(ref("u.active"), val(true)),
					fn("isNull", ref("o.amount")),
				},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.SourceWhere).To(HaveLen(1))
			Expect(h.res.SourceWhere).To(HaveKey("u"))
		})

		It("should combine the clauses of nested queries", func() {
			h, err := compile(&query.Query{
				From: &query.QueryRef{As: "s", Query: &query.Query{
					From:  &query.CollectionRef{Collection: "users", As: "u"},
					Where: []query.Expression{query.Eq(ref("u.active"), val(true))},
				}},
				Where: []query.Expression{fn("gt", ref("s.age"), val(1))},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.SourceWhere).To(Equal(map[string]query.Expression{
				"u": query.Eq(&query.Ref{Path: []string{"active"}}, val(true)),
			}))
		})

		It("should drop pushdown for a collection read twice", func() {
			sub := func(where query.Expression) *query.Query {
				return &query.Query{From: &query.CollectionRef{Collection: "users", As: "u"}, Where: []query.Expression{where}}
			}
			h, err := compile(&query.Query{
				From: &query.QueryRef{As: "a", Query: sub(query.Eq(ref("u.active"), val(true)))},
				Join: []query.JoinClause{{
					From: &query.QueryRef{As: "b", Query: sub(query.Eq(ref("u.role"), val("admin")))},
					Left: ref("b.id"), Right: ref("a.boss"),
				}},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.res.SourceWhere).To(BeEmpty())
		})
	})

	It("should compile a shared subquery once", func() {
		shared := &query.Query{From: &query.CollectionRef{Collection: "users", As: "u"}}
		q := func(b *query.Query) *query.Query {
			return &query.Query{
				From: &query.QueryRef{As: "a", Query: shared},
				Join: []query.JoinClause{{
					From: &query.QueryRef{As: "b", Query: b},
					Left: ref("b.id"), Right: ref("a.boss"),
				}},
			}
		}

		h1, err := compile(q(shared), Options{})
		Expect(err).NotTo(HaveOccurred())
		h2, err := compile(q(&query.Query{From: &query.CollectionRef{Collection: "users", As: "u"}}), Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(len(h1.g.Nodes())).To(BeNumerically("<", len(h2.g.Nodes())))

		h1.send("u", 1, row{"id": int64(1)}, 1)
		h1.send("u", 2, row{"id": int64(2), "boss": int64(1)}, 1)
		Expect(h1.rows).To(HaveLen(1))
		Expect(h1.rows).To(HaveKey("[2,1]"))
	})

	Describe("grouping", func() {
		It("should aggregate per group", func() {
			h, err := compile(&query.Query{
				From:    &query.CollectionRef{Collection: "orders", As: "o"},
				GroupBy: []query.Expression{ref("o.uid")},
				Select: []query.SelectField{
					{Name: "uid", Expr: ref("o.uid")},
					{Name: "total", Expr: query.NewAggregate("sum", ref("o.amount"))},
					{Name: "n", Expr: query.NewAggregate("count")},
				},
				Having: []query.Expression{fn("gt", query.NewAggregate("count"), val(1))},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())

			h.send("o", 10, row{"uid": int64(1), "amount": int64(5)}, 1)
			Expect(h.rows).To(BeEmpty())

			h.send("o", 11, row{"uid": int64(1), "amount": int64(7)}, 1)
			h.send("o", 12, row{"uid": int64(2), "amount": int64(9)}, 1)
			Expect(h.rows).To(HaveLen(1))
			Expect(h.value("[1]")).To(Equal(map[string]any{"uid": int64(1), "total": int64(12), "n": int64(2)}))

			h.send("o", 13, row{"uid": int64(1), "amount": int64(1)}, 1)
			Expect(h.value("[1]")).To(Equal(map[string]any{"uid": int64(1), "total": int64(13), "n": int64(3)}))

			h.send("o", 10, row{"uid": int64(1), "amount": int64(5)}, -1)
			h.send("o", 11, row{"uid": int64(1), "amount": int64(7)}, -1)
			Expect(h.rows).To(BeEmpty())
		})

		It("should aggregate implicitly into a single group", func() {
			h, err := compile(&query.Query{
				From:   &query.CollectionRef{Collection: "orders", As: "o"},
				Select: []query.SelectField{{Name: "max", Expr: query.NewAggregate("max", ref("o.amount"))}},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())

			h.send("o", 10, row{"amount": int64(5)}, 1)
			h.send("o", 11, row{"amount": int64(8)}, 1)
			Expect(h.rows).To(HaveLen(1))
			Expect(h.value("")).To(Equal(map[string]any{"max": int64(8)}))
		})

		It("should project the group keys without SELECT", func() {
			h, err := compile(&query.Query{
				From:    &query.CollectionRef{Collection: "orders", As: "o"},
				GroupBy: []query.Expression{ref("o.uid")},
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			h.send("o", 10, row{"uid": "x"}, 1)
			Expect(h.value(`["x"]`)).To(Equal(map[string]any{"uid": "x"}))
		})
	})

	It("should remove duplicates", func() {
		h, err := compile(&query.Query{
			From:     &query.CollectionRef{Collection: "users", As: "u"},
			Select:   []query.SelectField{{Name: "city", Expr: ref("u.city")}},
			Distinct: true,
		}, Options{})
		Expect(err).NotTo(HaveOccurred())

		h.send("u", 1, row{"city": "x"}, 1)
		h.send("u", 2, row{"city": "x"}, 1)
		h.send("u", 3, row{"city": "y"}, 1)
		Expect(h.rows).To(HaveLen(2))
		Expect(h.value(`{"city":"x"}`)).To(Equal(map[string]any{"city": "x"}))

		h.send("u", 1, row{"city": "x"}, -1)
		Expect(h.rows).To(HaveLen(2))
		h.send("u", 2, row{"city": "x"}, -1)
		Expect(h.rows).To(HaveLen(1))
	})

	Describe("ordering", func() {
		var h *harness

		ordered := func() []any {
			keys := []any{}
			for k := range h.rows {
				keys = append(keys, k)
			}
			slices.SortFunc(keys, func(a, b any) int {
				return query.Compare(h.rows[a].OrderIndex, h.rows[b].OrderIndex)
			})
			return keys
		}

		BeforeEach(func() {
			var err error
			h, err = compile(&query.Query{
				From:    &query.CollectionRef{Collection: "users", As: "u"},
				Where:   []query.Expression{query.Eq(ref("u.active"), val(true))},
				OrderBy: []query.OrderByClause{{Expr: ref("u.age"), Direction: query.Descending}},
				Limit:   query.Ptr(2),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			for i, age := range []int64{30, 20, 40, 10} {
				h.send("u", i+1, row{"age": age, "active": true}, 1)
			}
		})

		It("should keep the window in order", func() {
			Expect(ordered()).To(Equal([]any{3, 1}))
			Expect(h.res.Size()).To(Equal(2))
			for _, r := range h.rows {
				Expect(r.OrderIndex).NotTo(BeEmpty())
			}

			h.send("u", 3, row{"age": int64(40), "active": true}, -1)
			Expect(ordered()).To(Equal([]any{1, 2}))
		})

		It("should move the window", func() {
			h.res.SetWindow(1, 2)
			Expect(h.g.Run()).To(Succeed())
			Expect(ordered()).To(Equal([]any{1, 2}))

			h.res.SetWindow(0, 10)
			Expect(h.g.Run()).To(Succeed())
			Expect(ordered()).To(Equal([]any{3, 1, 2, 4}))
			Expect(h.res.Size()).To(Equal(4))
		})

		It("should detect a limited source", func() {
			Expect(h.res.LimitedSource).To(Equal(&LimitedSource{
				Alias:   "u",
				OrderBy: []query.OrderByClause{{Expr: &query.Ref{Path: []string{"age"}}, Direction: query.Descending}},
				Limit:   2,
			}))
		})

		It("should limit the source of a single collection but not of a join", func() {
			res, err := compile(&query.Query{
				From:    &query.CollectionRef{Collection: "users", As: "u"},
				OrderBy: []query.OrderByClause{{Expr: fn("lower", ref("u.name"))}},
				Limit:   query.Ptr(2),
				Offset:  query.Ptr(3),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.res.LimitedSource).NotTo(BeNil())
			Expect(res.res.LimitedSource.Limit).To(Equal(5))

			res, err = compile(&query.Query{
				From: &query.CollectionRef{Collection: "users", As: "u"},
				Join: []query.JoinClause{{
					From: &query.CollectionRef{Collection: "orders", As: "o"},
					Left: ref("o.uid"), Right: ref("u.id"),
				}},
				OrderBy: []query.OrderByClause{{Expr: ref("u.age")}},
				Limit:   query.Ptr(2),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.res.LimitedSource).To(BeNil())
			Expect(res.res.SetWindow).NotTo(BeNil())
		})

		It("should not expose the window of an unordered query", func() {
			res, err := compile(&query.Query{From: &query.CollectionRef{Collection: "users", As: "u"}}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.res.SetWindow).To(BeNil())
			Expect(res.res.Size).To(BeNil())
			Expect(res.res.LimitedSource).To(BeNil())
		})
	})
})
