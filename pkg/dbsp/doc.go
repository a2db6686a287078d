// Package dbsp implements the differential dataflow substrate of the live query engine: a
// multiset-of-changes algebra, an adaptive multi-level index and a pull-scheduled graph of
// incremental operators. See https://mihaibudiu.github.io/work/dbsp-spec.pdf for the theory.
//
// Data is represented as multisets of (key, value) tuples where each tuple carries a signed
// multiplicity: positive multiplicities are insertions, negative ones are deletions, and an
// update is a deletion of the old value followed by an insertion of the new one. Operators consume
// such deltas and produce deltas, so the cost of a mutation is O(|changes|) and not O(|dataset|).
//
// Key components:
//   - MultiSet: the unit of data movement between operators.
//   - Index: key -> value -> multiplicity store with a storage representation that escalates
//     from a single value to hashed value maps and prefix maps only when it must.
//   - Graph: a finalized DAG of operators driven by the host through PendingWork and Step.
//
// Operator types:
//   - Linear: map, filter, negate, concat (stateless, commute with addition).
//   - Bilinear: join (multiplication-like semantics, keeps an Index per side).
//   - Nonlinear: consolidate, reduce, distinct and the grouped top-K operator.
//
// Example usage:
//
//	g := dbsp.NewGraph(logr.Discard())
//	in := g.NewInput("users")
//	in.Stream().
//		Filter(func(t dbsp.Tuple) bool { return t.Value.(map[string]any)["active"] == true }).
//		Output(func(m *dbsp.MultiSet[dbsp.Tuple]) error { fmt.Println(m); return nil })
//	g.Finalize()
//	in.Send(dbsp.NewMultiSet(dbsp.Elem[dbsp.Tuple]{Item: dbsp.Tuple{Key: 1, Value: row}, Multiplicity: 1}))
//	_ = g.Run()
package dbsp
