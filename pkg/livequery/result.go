package livequery

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/l7mp/livequery/pkg/collection"
	"github.com/l7mp/livequery/pkg/compiler"
	"github.com/l7mp/livequery/pkg/dbsp"
	"github.com/l7mp/livequery/pkg/query"
)

// Row is a row of a live query result.
type Row struct {
	Key   any
	Value any
	// OrderIndex is the fractional index of the row in an ordered query, empty otherwise.
	OrderIndex string
	// Token is the identity of the row, stable across updates.
	Token uuid.UUID
}

// rowMeta is the side-table entry of a result row.
type rowMeta struct {
	token      uuid.UUID
	orderIndex string
}

// netChange accumulates the output of the graph for a single key.
type netChange struct {
	inserts, deletes int
	value            compiler.ResultValue
	hasValue         bool
}

// collect accumulates a batch of graph output. Called from the graph, under the lock.
func (lq *LiveQuery) collect(m *dbsp.MultiSet[dbsp.Tuple]) error {
	for t, mult := range m.All() {
		nc, ok := lq.pending[t.Key]
		if !ok {
			nc = &netChange{}
			lq.pending[t.Key] = nc
			lq.pendingKeys = append(lq.pendingKeys, t.Key)
		}
		rv, _ := t.Value.(compiler.ResultValue)
		if mult > 0 {
			nc.inserts += mult
			nc.value, nc.hasValue = rv, true
		} else {
			nc.deletes -= mult
			if !nc.hasValue {
				nc.value = rv
			}
		}
	}
	return nil
}

// classify converts a net change into a change type.
func classify(key any, nc *netChange, present bool) (collection.ChangeType, error) {
	switch {
	case nc.inserts > 0 && nc.deletes == 0:
		return collection.Insert, nil
	case nc.inserts > nc.deletes, nc.inserts == nc.deletes && nc.inserts > 0 && present:
		return collection.Update, nil
	case nc.deletes > 0:
		return collection.Delete, nil
	default:
		return "", NewUnclassifiableChangeError(key, nc.inserts, nc.deletes)
	}
}

// changes classifies the pending net changes into a batch for the result collection and updates
// the side tables. Must be called under the lock.
func (lq *LiveQuery) changes() ([]collection.ChangeMessage, error) {
	keys := lq.pendingKeys
	pending := lq.pending
	lq.pending, lq.pendingKeys = map[any]*netChange{}, nil

	ret := make([]collection.ChangeMessage, 0, len(keys))
	for _, key := range keys {
		nc := pending[key]
		_, present := lq.meta[key]
		typ, err := classify(key, nc, present)
		if err != nil {
			return nil, err
		}

		// a batch may span several graph passes, so the classification is reconciled with
		// the rows actually present
		switch {
		case typ == collection.Insert && present:
			typ = collection.Update
		case typ == collection.Update && !present:
			typ = collection.Insert
		case typ == collection.Delete && !present:
			continue
		}

		switch typ {
		case collection.Insert:
			lq.meta[key] = rowMeta{token: lq.idGen(), orderIndex: nc.value.OrderIndex}
			lq.tokens[lq.meta[key].token] = key
		case collection.Update:
			meta := lq.meta[key]
			meta.orderIndex = nc.value.OrderIndex
			lq.meta[key] = meta
		case collection.Delete:
			delete(lq.tokens, lq.meta[key].token)
			delete(lq.meta, key)
		}
		ret = append(ret, collection.ChangeMessage{Type: typ, Key: key, Value: nc.value.Value})
	}

	slices.SortStableFunc(ret, func(a, b collection.ChangeMessage) int {
		return query.Compare(a.Key, b.Key)
	})
	return ret, nil
}

// Rows returns the current result, ordered by the fractional index for ordered queries and by
// key otherwise.
func (lq *LiveQuery) Rows() []Row {
	rows := lq.out.Rows()

	lq.mu.Lock()
	ret := make([]Row, 0, len(rows))
	for _, r := range rows {
		meta := lq.meta[r.Key]
		ret = append(ret, Row{Key: r.Key, Value: r.Value, OrderIndex: meta.orderIndex, Token: meta.token})
	}
	lq.mu.Unlock()

	slices.SortStableFunc(ret, func(a, b Row) int { return strings.Compare(a.OrderIndex, b.OrderIndex) })
	return ret
}

// Values returns the values of the current result in result order.
func (lq *LiveQuery) Values() []any {
	rows := lq.Rows()
	ret := make([]any, len(rows))
	for i, r := range rows {
		ret[i] = r.Value
	}
	return ret
}

// Keys returns the keys of the current result in result order.
func (lq *LiveQuery) Keys() []any {
	rows := lq.Rows()
	ret := make([]any, len(rows))
	for i, r := range rows {
		ret[i] = r.Key
	}
	return ret
}

// Get returns the result row of a key.
func (lq *LiveQuery) Get(key any) (any, bool) { return lq.out.Get(key) }

// Token returns the identity token of the result row of a key.
func (lq *LiveQuery) Token(key any) (uuid.UUID, bool) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	meta, ok := lq.meta[key]
	return meta.token, ok
}

// KeyOf returns the key of the result row with an identity token.
func (lq *LiveQuery) KeyOf(token uuid.UUID) (any, bool) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	key, ok := lq.tokens[token]
	return key, ok
}

// OrderIndex returns the fractional index of the result row of a key.
func (lq *LiveQuery) OrderIndex(key any) (string, bool) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	meta, ok := lq.meta[key]
	return meta.orderIndex, ok
}
