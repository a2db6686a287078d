package dbsp

import (
	"iter"
)

// Prefixed is implemented by values that carry an index prefix. Plain []any values whose first
// element is a string or a number get a prefix without implementing this interface. Prefixes
// must be comparable.
type Prefixed interface {
	IndexPrefix() (any, bool)
}

// JoinedValue is the value of a joined tuple. A nil side marks the missing side of an outer join.
type JoinedValue struct {
	Left  any
	Right any
}

func prefixOf(value any) (any, bool) {
	switch v := value.(type) {
	case Prefixed:
		return v.IndexPrefix()
	case []any:
		if len(v) == 0 {
			return nil, false
		}
		switch p := v[0].(type) {
		case string, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, float32, float64:
			return p, true
		}
	}
	return nil, false
}

// noPrefix is the prefix-map key of values without a prefix.
type noPrefix struct{}

type valueEntry struct {
	value     any
	hash      uint64
	hashed    bool
	mult      int
	prefix    any
	hasPrefix bool
}

func newValueEntry(value any, mult int, prefix any, hasPrefix bool) valueEntry {
	return valueEntry{value: value, mult: mult, prefix: prefix, hasPrefix: hasPrefix}
}

// digest returns the content hash of the value. The hash is only computed once two values meet
// under the same key or prefix.
func (e *valueEntry) digest() uint64 {
	if !e.hashed {
		e.hash, e.hashed = Hash(e.value), true
	}
	return e.hash
}

func (e *valueEntry) merge(key any, prefix any, hasPrefix bool, mult int) {
	if e.hasPrefix != hasPrefix || (hasPrefix && e.prefix != prefix) {
		stored := any(noPrefix{})
		if e.hasPrefix {
			stored = e.prefix
		}
		computed := any(noPrefix{})
		if hasPrefix {
			computed = prefix
		}
		panic(&PrefixMismatchError{Key: key, StoredPrefix: stored, ComputedPrefix: computed})
	}
	e.mult += mult
}

type valueMap map[uint64]*valueEntry

// add merges an entry into the map and reports whether the map became empty.
func (vm valueMap) add(key any, e valueEntry) bool {
	h := e.digest()
	if cur, ok := vm[h]; ok {
		cur.merge(key, e.prefix, e.hasPrefix, e.mult)
		if cur.mult == 0 {
			delete(vm, h)
		}
		return len(vm) == 0
	}
	vm[h] = &e
	return false
}

type bucketKind uint8

const (
	bucketSingle bucketKind = iota
	bucketValues
)

// bucket stores the values of a single prefix.
type bucket struct {
	kind   bucketKind
	single valueEntry
	values valueMap
}

func (b *bucket) add(key any, e valueEntry) bool {
	switch b.kind {
	case bucketSingle:
		if b.single.digest() == e.digest() {
			b.single.merge(key, e.prefix, e.hasPrefix, e.mult)
			return b.single.mult == 0
		}
		single := b.single
		b.kind = bucketValues
		b.values = valueMap{single.digest(): &single}
		b.single = valueEntry{}
		return b.values.add(key, e)
	default:
		return b.values.add(key, e)
	}
}

func (b *bucket) each(yield func(any, int) bool) bool {
	if b.kind == bucketSingle {
		return yield(b.single.value, b.single.mult)
	}
	for _, e := range b.values {
		if !yield(e.value, e.mult) {
			return false
		}
	}
	return true
}

type slotKind uint8

const (
	slotSingle slotKind = iota
	slotValues
	slotPrefixes
)

// slot is the storage of a single key. The representation escalates from a single value to a
// hashed value map when two unprefixed values collide, and to a prefix map as soon as any value
// carries a prefix.
type slot struct {
	kind     slotKind
	single   valueEntry
	values   valueMap
	prefixes map[any]*bucket
}

func prefixKey(e valueEntry) any {
	if e.hasPrefix {
		return e.prefix
	}
	return noPrefix{}
}

func (s *slot) toValues() {
	s.kind = slotValues
	single := s.single
	s.values = valueMap{single.digest(): &single}
	s.single = valueEntry{}
}

func (s *slot) toPrefixes() {
	switch s.kind {
	case slotSingle:
		s.prefixes = map[any]*bucket{prefixKey(s.single): {kind: bucketSingle, single: s.single}}
		s.single = valueEntry{}
	case slotValues:
		// a value map only ever holds unprefixed values
		s.prefixes = map[any]*bucket{noPrefix{}: {kind: bucketValues, values: s.values}}
		s.values = nil
	}
	s.kind = slotPrefixes
}

func (s *slot) addPrefixed(key any, e valueEntry) bool {
	pk := prefixKey(e)
	b, ok := s.prefixes[pk]
	if !ok {
		s.prefixes[pk] = &bucket{kind: bucketSingle, single: e}
		return false
	}
	if b.add(key, e) {
		delete(s.prefixes, pk)
	}
	return len(s.prefixes) == 0
}

// add merges an entry into the slot and reports whether the slot became empty.
func (s *slot) add(key any, e valueEntry) bool {
	switch s.kind {
	case slotSingle:
		if s.single.digest() == e.digest() {
			s.single.merge(key, e.prefix, e.hasPrefix, e.mult)
			return s.single.mult == 0
		}
		if !e.hasPrefix && !s.single.hasPrefix {
			s.toValues()
			return s.values.add(key, e)
		}
		s.toPrefixes()
		return s.addPrefixed(key, e)

	case slotValues:
		if e.hasPrefix {
			s.toPrefixes()
			return s.addPrefixed(key, e)
		}
		return s.values.add(key, e)

	default:
		return s.addPrefixed(key, e)
	}
}

func (s *slot) each(yield func(any, int) bool) bool {
	switch s.kind {
	case slotSingle:
		return yield(s.single.value, s.single.mult)
	case slotValues:
		for _, e := range s.values {
			if !yield(e.value, e.mult) {
				return false
			}
		}
	default:
		for _, b := range s.prefixes {
			if !b.each(yield) {
				return false
			}
		}
	}
	return true
}

// Index is a key -> value -> multiplicity store. It tracks the consolidated multiplicity of each
// key separately so that presence checks never touch the value storage.
type Index struct {
	slots    map[any]*slot
	presence map[any]int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		slots:    make(map[any]*slot),
		presence: make(map[any]int),
	}
}

// AddValue merges a value with the given multiplicity into the storage of a key. Keys must be
// comparable.
func (i *Index) AddValue(key, value any, multiplicity int) {
	if multiplicity == 0 {
		return
	}

	if n := i.presence[key] + multiplicity; n == 0 {
		delete(i.presence, key)
	} else {
		i.presence[key] = n
	}

	prefix, hasPrefix := prefixOf(value)
	e := newValueEntry(value, multiplicity, prefix, hasPrefix)

	s, ok := i.slots[key]
	if !ok {
		i.slots[key] = &slot{kind: slotSingle, single: e}
		return
	}
	if s.add(key, e) {
		delete(i.slots, key)
	}
}

// Get iterates over the values stored for a key together with their multiplicities.
func (i *Index) Get(key any) iter.Seq2[any, int] {
	return func(yield func(any, int) bool) {
		s, ok := i.slots[key]
		if !ok {
			return
		}
		s.each(yield)
	}
}

// Entries returns the values stored for a key as a list.
func (i *Index) Entries(key any) []Elem[any] {
	var ret []Elem[any]
	for v, m := range i.Get(key) {
		ret = append(ret, Elem[any]{Item: v, Multiplicity: m})
	}
	return ret
}

// Has reports whether the consolidated multiplicity of a key is non-zero.
func (i *Index) Has(key any) bool {
	_, ok := i.presence[key]
	return ok
}

// ConsolidatedMultiplicity returns the sum of the multiplicities stored for a key.
func (i *Index) ConsolidatedMultiplicity(key any) int { return i.presence[key] }

// Keys iterates over the keys with stored values.
func (i *Index) Keys() iter.Seq[any] {
	return func(yield func(any) bool) {
		for k := range i.slots {
			if !yield(k) {
				return
			}
		}
	}
}

// Size returns the number of keys with stored values.
func (i *Index) Size() int { return len(i.slots) }

// Append merges the content of another index into this one.
func (i *Index) Append(other *Index) {
	for key, s := range other.slots {
		s.each(func(v any, m int) bool {
			i.AddValue(key, v, m)
			return true
		})
	}
}

// Join computes the join of two indexes on their keys. The output multiplicity of a pair is the
// product of the multiplicities of its sides. The smaller index is iterated and the larger one is
// looked up only for matching keys.
func (i *Index) Join(other *Index) *MultiSet[Tuple] {
	ret := &MultiSet[Tuple]{}

	small, large, swapped := i, other, false
	if other.Size() < i.Size() {
		small, large, swapped = other, i, true
	}

	for key, s := range small.slots {
		ls, ok := large.slots[key]
		if !ok {
			continue
		}
		s.each(func(v1 any, m1 int) bool {
			ls.each(func(v2 any, m2 int) bool {
				jv := JoinedValue{Left: v1, Right: v2}
				if swapped {
					jv = JoinedValue{Left: v2, Right: v1}
				}
				ret.Add(Tuple{Key: key, Value: jv}, m1*m2)
				return true
			})
			return true
		})
	}

	return ret
}
