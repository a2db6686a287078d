package query

import (
	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"sigs.k8s.io/yaml"
)

var _ = Describe("Expression codec", func() {
	It("should parse the short forms", func() {
		e, err := UnmarshalExpression([]byte(`"$.u.name"`))
		Expect(err).NotTo(HaveOccurred())
		Expect(e).To(Equal(&Ref{Path: []string{"u", "name"}}))

		e, err = UnmarshalExpression([]byte(`12`))
		Expect(err).NotTo(HaveOccurred())
		Expect(e).To(Equal(&Value{Value: int64(12)}))

		e, err = UnmarshalExpression([]byte(`1.5`))
		Expect(err).NotTo(HaveOccurred())
		Expect(e).To(Equal(&Value{Value: 1.5}))

		e, err = UnmarshalExpression([]byte(`"plain"`))
		Expect(err).NotTo(HaveOccurred())
		Expect(e).To(Equal(&Value{Value: "plain"}))
	})

	It("should parse the object forms", func() {
		e, err := UnmarshalExpression([]byte(`{"func":"and","args":[{"func":"eq","args":[{"ref":["u","id"]},{"value":1}]},{"func":"like","args":[{"ref":"u.name"},"A%"]}]}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(e.String()).To(Equal(`and(eq($.u.id,1),like($.u.name,"A%"))`))

		e, err = UnmarshalExpression([]byte(`{"agg":"sum","args":["$.o.amount"]}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(e).To(Equal(NewAggregate("sum", NewRef("o.amount"))))

		e, err = UnmarshalExpression([]byte(`{"value":{"a":[1,2]}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(e).To(Equal(&Value{Value: map[string]any{"a": []any{int64(1), int64(2)}}}))
	})

	It("should reject malformed expressions", func() {
		for _, s := range []string{``, `{}`, `{"ref":12}`, `{"func":"eq","args":[{}]}`, `{"x":1`} {
			_, err := UnmarshalExpression([]byte(s))
			Expect(err).To(HaveOccurred(), "input %q", s)
		}
	})

	It("should encode expressions in the object form", func() {
		b, err := MarshalExpression(Eq(NewRef("u.id"), NewValue(1)))
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(MatchJSON(`{"func":"eq","args":[{"ref":["u","id"]},{"value":1}]}`))
	})
})

var _ = Describe("Query codec", func() {
	const q = `
from:
  collection: users
  as: u
join:
  - from:
      query:
        from:
          collection: orders
        where:
          - func: gt
            args: ["$.orders.amount", 10]
      as: o
    type: left
    left: "$.o.uid"
    right: "$.u.id"
where:
  - func: eq
    args: ["$.u.active", true]
select:
  - name: name
    expr: "$.u.name"
  - name: total
    expr: {agg: sum, args: ["$.o.amount"]}
groupBy: ["$.u.name"]
orderBy:
  - expr: "$.u.name"
    direction: desc
    nulls: last
limit: 10
offset: 5
`

	It("should decode a YAML query", func() {
		var query Query
		Expect(yaml.Unmarshal([]byte(q), &query)).To(Succeed())

		Expect(query.From).To(Equal(&CollectionRef{Collection: "users", As: "u"}))
		Expect(query.Join).To(HaveLen(1))
		sub, ok := query.Join[0].From.(*QueryRef)
		Expect(ok).To(BeTrue())
		Expect(sub.As).To(Equal("o"))
		Expect(sub.Query.From).To(Equal(&CollectionRef{Collection: "orders", As: "orders"}))
		Expect(sub.Query.Where[0].String()).To(Equal(`gt($.orders.amount,10)`))
		Expect(query.Join[0].Type).To(Equal("left"))
		Expect(query.Join[0].Left).To(Equal(NewRef("o.uid")))

		Expect(query.Select).To(HaveLen(2))
		Expect(query.HasAggregates()).To(BeTrue())
		Expect(query.OrderBy).To(Equal([]OrderByClause{
			{Expr: NewRef("u.name"), Direction: Descending, Nulls: NullsLast},
		}))
		Expect(*query.Limit).To(Equal(10))
		Expect(*query.Offset).To(Equal(5))
		Expect(query.IsWindowed()).To(BeTrue())
	})

	It("should encode a query into an equivalent form", func() {
		var query Query
		Expect(yaml.Unmarshal([]byte(q), &query)).To(Succeed())

		b, err := json.Marshal(&query)
		Expect(err).NotTo(HaveOccurred())

		var again Query
		Expect(json.Unmarshal(b, &again)).To(Succeed())
		Expect(again.String()).To(Equal(query.String()))
	})

	It("should reject a source without a collection or a query", func() {
		var query Query
		Expect(json.Unmarshal([]byte(`{"from":{"as":"x"}}`), &query)).NotTo(Succeed())
		Expect(json.Unmarshal([]byte(`{"from":{"query":{"from":{"collection":"a"}}}}`), &query)).
			NotTo(Succeed())
	})
})
