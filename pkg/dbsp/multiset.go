package dbsp

import (
	"fmt"
	"iter"
	"strings"
)

// Elem is an item with its signed multiplicity.
type Elem[T any] struct {
	Item         T
	Multiplicity int
}

// Tuple is the element type flowing along graph streams.
type Tuple struct {
	Key   any
	Value any
}

// MultiSet is a bag of (item, multiplicity) pairs representing a signed delta. A MultiSet is never
// consolidated implicitly: entries for the same item are kept side by side until an operator asks
// for Consolidate.
type MultiSet[T any] struct {
	entries []Elem[T]
}

// NewMultiSet creates a multiset from a list of entries. Entries with zero multiplicity are
// dropped.
func NewMultiSet[T any](entries ...Elem[T]) *MultiSet[T] {
	m := &MultiSet[T]{entries: make([]Elem[T], 0, len(entries))}
	for _, e := range entries {
		m.Add(e.Item, e.Multiplicity)
	}
	return m
}

// Add appends an item with the given multiplicity in place.
func (m *MultiSet[T]) Add(item T, multiplicity int) {
	if multiplicity == 0 {
		return
	}
	m.entries = append(m.entries, Elem[T]{Item: item, Multiplicity: multiplicity})
}

// Extend appends all entries of another multiset in place.
func (m *MultiSet[T]) Extend(other *MultiSet[T]) {
	if other == nil {
		return
	}
	m.entries = append(m.entries, other.entries...)
}

// Entries returns the raw entries. The slice must not be modified.
func (m *MultiSet[T]) Entries() []Elem[T] {
	if m == nil {
		return nil
	}
	return m.entries
}

// All iterates over the entries.
func (m *MultiSet[T]) All() iter.Seq2[T, int] {
	return func(yield func(T, int) bool) {
		if m == nil {
			return
		}
		for _, e := range m.entries {
			if !yield(e.Item, e.Multiplicity) {
				return
			}
		}
	}
}

// Len returns the number of entries (not the sum of multiplicities).
func (m *MultiSet[T]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// IsEmpty is true if the multiset has no entries.
func (m *MultiSet[T]) IsEmpty() bool { return m.Len() == 0 }

// Concat returns the multiset union of two multisets: multiplicities are added, nothing is
// deduplicated.
func (m *MultiSet[T]) Concat(other *MultiSet[T]) *MultiSet[T] {
	ret := &MultiSet[T]{entries: make([]Elem[T], 0, m.Len()+other.Len())}
	ret.Extend(m)
	ret.Extend(other)
	return ret
}

// Negate flips the sign of every multiplicity.
func (m *MultiSet[T]) Negate() *MultiSet[T] {
	ret := &MultiSet[T]{entries: make([]Elem[T], 0, m.Len())}
	for item, mult := range m.All() {
		ret.entries = append(ret.entries, Elem[T]{Item: item, Multiplicity: -mult})
	}
	return ret
}

// Filter keeps the entries whose item satisfies the predicate.
func (m *MultiSet[T]) Filter(f func(T) bool) *MultiSet[T] {
	ret := &MultiSet[T]{}
	for item, mult := range m.All() {
		if f(item) {
			ret.entries = append(ret.entries, Elem[T]{Item: item, Multiplicity: mult})
		}
	}
	return ret
}

// Consolidate collapses entries with equal content so that opposite-sign entries cancel. Items
// with a zero net multiplicity are dropped. The order of first appearance is preserved.
func (m *MultiSet[T]) Consolidate() *MultiSet[T] {
	pos := make(map[uint64]int, m.Len())
	entries := make([]Elem[T], 0, m.Len())
	for item, mult := range m.All() {
		h := Hash(item)
		if i, ok := pos[h]; ok {
			entries[i].Multiplicity += mult
			continue
		}
		pos[h] = len(entries)
		entries = append(entries, Elem[T]{Item: item, Multiplicity: mult})
	}

	ret := &MultiSet[T]{entries: make([]Elem[T], 0, len(entries))}
	for _, e := range entries {
		ret.Add(e.Item, e.Multiplicity)
	}
	return ret
}

// String returns a string representation of the multiset for debugging.
func (m *MultiSet[T]) String() string {
	if m.IsEmpty() {
		return "∅"
	}
	parts := make([]string, 0, m.Len())
	for item, mult := range m.All() {
		parts = append(parts, fmt.Sprintf("%v×%d", item, mult))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MapMultiSet applies a function to every item, keeping multiplicities.
func MapMultiSet[T, U any](m *MultiSet[T], f func(T) U) *MultiSet[U] {
	ret := &MultiSet[U]{entries: make([]Elem[U], 0, m.Len())}
	for item, mult := range m.All() {
		ret.entries = append(ret.entries, Elem[U]{Item: f(item), Multiplicity: mult})
	}
	return ret
}
