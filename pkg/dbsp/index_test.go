package dbsp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// tagged carries an index prefix that does not take part in its content hash.
type tagged struct {
	Name string
	tag  string
}

func (t tagged) IndexPrefix() (any, bool) { return t.tag, true }

func sumOf(idx *Index, key any) int {
	n := 0
	for _, m := range idx.Get(key) {
		n += m
	}
	return n
}

var _ = Describe("Index", func() {
	var idx *Index

	BeforeEach(func() {
		idx = NewIndex()
	})

	It("should track presence separately from storage", func() {
		idx.AddValue("k", "a", 1)
		Expect(idx.Has("k")).To(BeTrue())
		Expect(idx.ConsolidatedMultiplicity("k")).To(Equal(1))

		idx.AddValue("k", "b", -1)
		Expect(idx.Has("k")).To(BeFalse())
		Expect(idx.Entries("k")).To(ConsistOf(Elem[any]{"a", 1}, Elem[any]{"b", -1}))

		idx.AddValue("k", "a", -1)
		idx.AddValue("k", "b", 1)
		Expect(idx.Size()).To(BeZero())
		Expect(idx.Entries("k")).To(BeEmpty())
	})

	It("should ignore zero multiplicities", func() {
		idx.AddValue("k", "a", 0)
		Expect(idx.Size()).To(BeZero())
		Expect(idx.Has("k")).To(BeFalse())
	})

	It("should hash values only when a key holds more than one", func() {
		idx.AddValue("k", map[string]any{"x": 1}, 1)
		Expect(idx.slots["k"].single.hashed).To(BeFalse())

		idx.AddValue("k", map[string]any{"x": 2}, 1)
		Expect(idx.slots["k"].kind).To(Equal(slotValues))
		for _, e := range idx.slots["k"].values {
			Expect(e.hashed).To(BeTrue())
		}

		// a retraction of the single value of a key needs the hash to match it
		idx.AddValue("j", "a", 1)
		idx.AddValue("j", "a", -1)
		Expect(idx.Has("j")).To(BeFalse())
		Expect(idx.Entries("j")).To(BeEmpty())
	})

	It("should conserve multiplicities when escalating from single to value map", func() {
		for i := range 10 {
			idx.AddValue("k", i, 1)
		}
		idx.AddValue("k", 3, 2)
		Expect(sumOf(idx, "k")).To(Equal(12))
		Expect(idx.ConsolidatedMultiplicity("k")).To(Equal(12))
		Expect(idx.Entries("k")).To(HaveLen(10))

		for i := range 10 {
			idx.AddValue("k", i, -1)
		}
		Expect(idx.Entries("k")).To(ConsistOf(Elem[any]{3, 2}))
	})

	It("should conserve multiplicities when escalating to prefix map", func() {
		idx.AddValue("k", "plain", 1)
		idx.AddValue("k", map[string]any{"x": 1}, 1)
		idx.AddValue("k", []any{"p", 1}, 1)
		idx.AddValue("k", []any{"p", 2}, 1)
		idx.AddValue("k", []any{int64(7), "q"}, 3)
		Expect(sumOf(idx, "k")).To(Equal(7))
		Expect(idx.Entries("k")).To(HaveLen(5))

		idx.AddValue("k", []any{"p", 1}, -1)
		idx.AddValue("k", "plain", -1)
		Expect(idx.Entries("k")).To(ConsistOf(
			Elem[any]{map[string]any{"x": 1}, 1},
			Elem[any]{[]any{"p", 2}, 1},
			Elem[any]{[]any{int64(7), "q"}, 3},
		))
		Expect(idx.ConsolidatedMultiplicity("k")).To(Equal(5))
	})

	It("should panic on a prefix mismatch", func() {
		idx.AddValue("k", tagged{Name: "a", tag: "x"}, 1)
		Expect(func() { idx.AddValue("k", tagged{Name: "a", tag: "y"}, 1) }).
			To(PanicWith(BeAssignableToTypeOf(&PrefixMismatchError{})))
	})

	It("should append another index", func() {
		other := NewIndex()
		idx.AddValue("a", 1, 1)
		other.AddValue("a", 1, 1)
		other.AddValue("b", 2, 1)
		idx.Append(other)
		Expect(idx.Size()).To(Equal(2))
		Expect(idx.Entries("a")).To(ConsistOf(Elem[any]{1, 2}))

		keys := []any{}
		for k := range idx.Keys() {
			keys = append(keys, k)
		}
		Expect(keys).To(ConsistOf("a", "b"))
	})

	It("should join with multiplicity products", func() {
		other := NewIndex()
		idx.AddValue("a", "l1", 2)
		idx.AddValue("a", "l2", 1)
		idx.AddValue("b", "l3", 1)
		other.AddValue("a", "r1", 3)
		other.AddValue("c", "r2", 1)

		m := idx.Join(other)
		Expect(multiplicities(m)).To(Equal(map[string]int{
			"a/{l1 r1}": 6,
			"a/{l2 r1}": 3,
		}))

		// the sides stay in place when the iterated side is swapped
		other.AddValue("d", "r3", 1)
		other.AddValue("e", "r4", 1)
		m = idx.Join(other)
		for t := range m.All() {
			Expect(t.Value.(JoinedValue).Left).To(HavePrefix("l"))
			Expect(t.Value.(JoinedValue).Right).To(HavePrefix("r"))
		}
	})
})
