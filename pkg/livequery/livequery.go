// Package livequery maintains the results of queries over live collections incrementally.
//
// A LiveQuery compiles a query into a dataflow graph, subscribes to the collections the query
// reads and feeds their changes into the graph as signed deltas. After every graph run the net
// change of each result key is classified as an insert, update or delete and applied to a result
// collection in a single batch. Graph runs are scheduled through a transaction-scoped scheduler,
// so that the mutations made inside a transaction yield exactly one batch.
//
// Joins that the compiler optimized load their lazy side on demand, only for the join keys seen on
// the active side. Ordered and limited queries over a single collection only load the first rows
// of the collection and refill the window when it runs short.
package livequery

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/livequery/pkg/collection"
	"github.com/l7mp/livequery/pkg/compiler"
	"github.com/l7mp/livequery/pkg/dbsp"
	"github.com/l7mp/livequery/pkg/query"
	"github.com/l7mp/livequery/pkg/scheduler"
)

// Status is the lifecycle state of a live query.
type Status = collection.Status

// Options configures a live query.
type Options struct {
	// ID names the live query and its result collection.
	ID string
	// Scheduler schedules the graph runs. A private scheduler is used if unset.
	Scheduler *scheduler.Scheduler
	// IDGen issues the identity tokens of result rows. Defaults to random UUIDs.
	IDGen func() uuid.UUID
	// Logger is the logger.
	Logger logr.Logger
}

type lazyRequest struct {
	alias string
	path  []string
	keys  []any
}

// LiveQuery is the incrementally maintained result of a query.
type LiveQuery struct {
	mu      sync.Mutex
	id      string
	token   uuid.UUID
	q       *query.Query
	sources map[string]*collection.Collection
	aliases map[string]string
	sched   *scheduler.Scheduler
	idGen   func() uuid.UUID

	graph  *dbsp.Graph
	inputs map[string]*dbsp.Input
	result *compiler.Result
	subs   map[string]*collection.Subscription

	// window of an ordered query
	offset, limit int

	pending     map[any]*netChange
	pendingKeys []any
	lazyReqs    []lazyRequest
	lazyLoaded  map[string]sets.Set[any]

	// side tables of the result rows
	meta   map[any]rowMeta
	tokens map[uuid.UUID]any

	out      *collection.Collection
	running  bool
	hold     int
	runCount int
	status   Status
	err      error

	ctx    context.Context
	cancel context.CancelFunc
	logger logr.Logger
	log    logr.Logger
}

// New creates a live query over a set of collections, keyed by collection name. The query is
// compiled, the collections are subscribed to and the initial result is computed (or scheduled,
// inside a transaction).
func New(q *query.Query, collections map[string]*collection.Collection, opts Options) (*LiveQuery, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	if opts.IDGen == nil {
		opts.IDGen = uuid.New
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(logger)
	}

	if err := compiler.Validate(q); err != nil {
		return nil, err
	}
	aliases, err := query.CollectionAliases(q)
	if err != nil {
		return nil, err
	}
	sources := map[string]*collection.Collection{}
	for _, coll := range aliases {
		c, ok := collections[coll]
		if !ok {
			return nil, NewUnknownCollectionError(coll)
		}
		sources[coll] = c
	}

	ctx, cancel := context.WithCancel(context.Background())
	lq := &LiveQuery{
		id:      opts.ID,
		token:   uuid.New(),
		q:       q,
		sources: sources,
		aliases: aliases,
		sched:   opts.Scheduler,
		idGen:   opts.IDGen,
		meta:    map[any]rowMeta{},
		tokens:  map[uuid.UUID]any{},
		status:  collection.StatusIdle,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		log:     logger.WithName("livequery").WithValues("id", opts.ID),
	}
	lq.out = collection.New(collection.Options{ID: opts.ID, Logger: logger})

	if err := lq.build(); err != nil {
		cancel()
		return nil, err
	}

	lq.log.V(2).Info("live query created", "query", q.String())
	lq.start()
	return lq, nil
}

// build compiles the query into a fresh graph.
func (lq *LiveQuery) build() error {
	graph := dbsp.NewGraph(lq.logger)
	inputs := map[string]*dbsp.Input{}
	streams := map[string]*dbsp.Stream{}
	for alias := range lq.aliases {
		in := graph.NewInput(alias)
		inputs[alias] = in
		streams[alias] = in.Stream()
	}

	res, err := compiler.Compile(lq.q, streams, compiler.Options{
		CollectionSize: func(coll string) int {
			if c, ok := lq.sources[coll]; ok {
				return c.Size()
			}
			return 0
		},
		LoadLazyKeys: lq.requestLazyKeys,
		Logger:       lq.logger,
	})
	if err != nil {
		return err
	}
	res.Pipeline.Consolidate().Output(lq.collect)
	graph.Finalize()

	lq.graph, lq.inputs, lq.result = graph, inputs, res
	lq.pending, lq.pendingKeys, lq.lazyReqs = map[any]*netChange{}, nil, nil
	lq.lazyLoaded = map[string]sets.Set[any]{}
	for alias := range res.LazySources {
		lq.lazyLoaded[alias] = sets.New[any]()
	}
	lq.offset, lq.limit = 0, dbsp.NoLimit
	if lq.q.Offset != nil {
		lq.offset = *lq.q.Offset
	}
	if lq.q.Limit != nil {
		lq.limit = *lq.q.Limit
	}
	return nil
}

// start subscribes to the sources and schedules the initial run.
func (lq *LiveQuery) start() {
	lq.mu.Lock()
	lq.hold++
	lq.mu.Unlock()

	subs := map[string]*collection.Subscription{}
	for _, alias := range slices.Sorted(maps.Keys(lq.aliases)) {
		coll := lq.aliases[alias]
		lazy := lq.result.LazySources[alias]
		opts := collection.SubscribeOptions{
			IncludeInitialState: !lazy,
			OnDemand:            lazy,
			Where:               lq.result.SourceWhere[alias],
			OnStatusChange:      func(st collection.Status) { lq.onSourceStatus(coll, st) },
			OnTruncate:          func() { lq.onTruncate(alias) },
		}
		if ls := lq.result.LimitedSource; ls != nil && ls.Alias == alias {
			opts.OrderBy, opts.Limit = ls.OrderBy, ls.Limit
		}
		subs[alias] = lq.sources[coll].SubscribeChanges(func(changes []collection.ChangeMessage) {
			lq.onChanges(alias, changes)
		}, opts)
	}

	lq.mu.Lock()
	lq.subs = subs
	lq.hold--
	lq.mu.Unlock()

	// sources may have failed before the subscription
	for _, coll := range slices.Sorted(maps.Keys(lq.sources)) {
		if st := lq.sources[coll].Status(); st == collection.StatusError || st == collection.StatusCleanedUp {
			lq.onSourceStatus(coll, st)
		}
	}

	lq.schedule()
}

// onChanges converts the changes of a source into a delta of its graph input.
func (lq *LiveQuery) onChanges(alias string, changes []collection.ChangeMessage) {
	m := dbsp.NewMultiSet[dbsp.Tuple]()
	for _, ch := range changes {
		switch ch.Type {
		case collection.Insert:
			m.Add(dbsp.Tuple{Key: ch.Key, Value: ch.Value}, 1)
		case collection.Update:
			m.Add(dbsp.Tuple{Key: ch.Key, Value: ch.PreviousValue}, -1)
			m.Add(dbsp.Tuple{Key: ch.Key, Value: ch.Value}, 1)
		case collection.Delete:
			m.Add(dbsp.Tuple{Key: ch.Key, Value: ch.Value}, -1)
		}
	}

	lq.mu.Lock()
	in, ok := lq.inputs[alias]
	if ok {
		in.Send(m)
	}
	deferred := lq.running || lq.hold > 0
	lq.mu.Unlock()

	lq.log.V(4).Info("source changes", "alias", alias, "changes", len(changes))
	if ok && !deferred {
		lq.schedule()
	}
}

func (lq *LiveQuery) onSourceStatus(coll string, st collection.Status) {
	switch st {
	case collection.StatusError:
		_ = lq.fail(NewSourceError(coll, lq.sources[coll].Err()))
	case collection.StatusCleanedUp:
		_ = lq.fail(NewSourceCleanedUpError(coll))
	}
}

func (lq *LiveQuery) onTruncate(alias string) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if _, ok := lq.lazyLoaded[alias]; ok {
		lq.lazyLoaded[alias] = sets.New[any]()
	}
}

// requestLazyKeys queues the load of the join keys seen by an optimized join. Called from the
// graph, under the lock.
func (lq *LiveQuery) requestLazyKeys(alias string, path []string, keys []any) {
	loaded, ok := lq.lazyLoaded[alias]
	if !ok {
		return
	}
	missing := []any{}
	for _, k := range keys {
		if !loaded.Has(k) {
			loaded.Insert(k)
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		lq.lazyReqs = append(lq.lazyReqs, lazyRequest{alias: alias, path: path, keys: missing})
	}
}

// schedule runs the graph, or defers the run to the end of the active transaction.
func (lq *LiveQuery) schedule() {
	if err := lq.sched.ScheduleOrRun(lq.token, lq.run); err != nil {
		lq.log.V(2).Info("graph run failed", "error", err.Error())
	}
}

// needsRefill is true if the window of a limited source runs short. Must be called under the lock.
func (lq *LiveQuery) needsRefill() bool {
	return lq.result.LimitedSource != nil && lq.result.Size != nil && lq.result.Size() < lq.limit
}

// run runs the graph to quiescence, loading the lazy join keys and refilling the window of a
// limited source in between, and then emits the net change as a single batch.
func (lq *LiveQuery) run() error {
	lq.mu.Lock()
	if lq.running || lq.status == collection.StatusError || lq.status == collection.StatusCleanedUp {
		lq.mu.Unlock()
		return nil
	}
	lq.running = true

	refilled := false
	for {
		if err := lq.graph.Run(); err != nil {
			lq.running = false
			lq.mu.Unlock()
			return lq.fail(err)
		}

		reqs := lq.lazyReqs
		lq.lazyReqs = nil
		refill := !refilled && lq.needsRefill()
		if len(reqs) == 0 && !refill {
			break
		}
		refilled = refilled || refill
		limited := lq.result.LimitedSource
		subs := lq.subs
		lq.mu.Unlock()

		err := lq.load(subs, reqs, refill, limited)

		lq.mu.Lock()
		if err != nil {
			lq.running = false
			lq.mu.Unlock()
			return lq.fail(err)
		}
	}

	lq.running = false
	lq.runCount++
	changes, err := lq.changes()
	if err == nil && lq.status != collection.StatusError {
		lq.status = collection.StatusReady
	}
	lq.mu.Unlock()

	graphRunsTotal.Inc()
	if err != nil {
		return lq.fail(err)
	}
	if len(changes) == 0 {
		return nil
	}

	lq.log.V(2).Info("emitting changes", "changes", len(changes))
	for _, ch := range changes {
		changesEmittedTotal.WithLabelValues(string(ch.Type)).Inc()
	}
	if err := lq.out.ApplyChanges(changes); err != nil {
		return lq.fail(err)
	}
	return nil
}

// load issues the lazy-key snapshots and the window refill of a run.
func (lq *LiveQuery) load(subs map[string]*collection.Subscription, reqs []lazyRequest, refill bool,
	limited *compiler.LimitedSource) error {
	for _, r := range reqs {
		sub, ok := subs[r.alias]
		if !ok {
			continue
		}
		ref := &query.Ref{Path: r.path}
		var where query.Expression
		if len(r.keys) == 1 {
			where = query.Eq(ref, query.NewValue(r.keys[0]))
		} else {
			where = query.NewFunc("in", ref, query.NewValue(r.keys))
		}
		lq.log.V(4).Info("loading lazy join keys", "alias", r.alias, "keys", len(r.keys))
		if _, err := sub.RequestSnapshot(lq.ctx, collection.SnapshotOptions{Where: where}); err != nil {
			return err
		}
	}

	if refill && limited != nil {
		if sub, ok := subs[limited.Alias]; ok {
			// continue after the rows already sent, the cursor row included
			opts := collection.LimitedSnapshotOptions{Limit: limited.Limit}
			if sub.Cursor() != nil {
				opts.Limit, opts.Continue = max(limited.Limit-sub.SentCount(), 1)+1, true
			}
			lq.log.V(4).Info("refilling window", "alias", limited.Alias, "limit", opts.Limit,
				"continue", opts.Continue)
			if _, err := sub.RequestLimitedSnapshot(lq.ctx, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

// fail moves the live query and its result collection to the error state.
func (lq *LiveQuery) fail(err error) error {
	lq.mu.Lock()
	if lq.status == collection.StatusCleanedUp {
		lq.mu.Unlock()
		return err
	}
	lq.status, lq.err = collection.StatusError, err
	lq.mu.Unlock()

	errorsTotal.Inc()
	lq.log.Error(err, "live query failed")
	lq.out.SetError(err)
	return err
}

// Preload loads every eagerly read source concurrently and runs the graph once the loads
// complete. Failed loads are returned and leave the result untouched.
func (lq *LiveQuery) Preload(ctx context.Context) error {
	lq.mu.Lock()
	if lq.status == collection.StatusCleanedUp {
		lq.mu.Unlock()
		return ErrDisposed
	}
	lq.hold++
	if lq.status != collection.StatusError {
		lq.status = collection.StatusLoadingSubset
	}
	subs, res := lq.subs, lq.result
	window := 0
	if res.LimitedSource != nil {
		window = res.LimitedSource.Limit
	}
	lq.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for alias, sub := range subs {
		if res.LazySources[alias] {
			continue
		}
		if ls := res.LimitedSource; ls != nil && ls.Alias == alias {
			g.Go(func() error {
				_, err := sub.RequestLimitedSnapshot(gctx, collection.LimitedSnapshotOptions{Limit: window})
				return err
			})
			continue
		}
		g.Go(func() error {
			_, err := sub.RequestSnapshot(gctx, collection.SnapshotOptions{})
			return err
		})
	}
	err := g.Wait()

	lq.mu.Lock()
	lq.hold--
	if lq.status == collection.StatusLoadingSubset {
		lq.status = collection.StatusReady
	}
	lq.mu.Unlock()

	if err != nil {
		return err
	}
	return lq.sched.ScheduleOrRun(lq.token, lq.run)
}

// SetWindow changes the offset and limit of an ordered query. Only the affected rows are
// recomputed.
func (lq *LiveQuery) SetWindow(offset, limit int) error {
	lq.mu.Lock()
	if lq.status == collection.StatusCleanedUp {
		lq.mu.Unlock()
		return ErrDisposed
	}
	if lq.result.SetWindow == nil {
		lq.mu.Unlock()
		return ErrNotOrdered
	}
	lq.result.SetWindow(offset, limit)
	lq.offset, lq.limit = offset, limit
	if ls := lq.result.LimitedSource; ls != nil {
		ls.Limit = offset + limit
	}
	lq.mu.Unlock()

	lq.log.V(2).Info("window changed", "offset", offset, "limit", limit)
	return lq.sched.ScheduleOrRun(lq.token, lq.run)
}

// Reset rebuilds the live query from scratch, clearing any error state. The result collection
// emits the retraction of the previous result followed by the new result.
func (lq *LiveQuery) Reset() error {
	lq.mu.Lock()
	if lq.status == collection.StatusCleanedUp {
		lq.mu.Unlock()
		return ErrDisposed
	}
	subs := lq.subs
	lq.subs = nil
	lq.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}

	lq.out.Truncate()

	lq.mu.Lock()
	lq.meta, lq.tokens = map[any]rowMeta{}, map[uuid.UUID]any{}
	err := lq.build()
	if err == nil {
		lq.status, lq.err = collection.StatusIdle, nil
	}
	lq.mu.Unlock()
	if err != nil {
		return lq.fail(err)
	}

	lq.out.MarkReady()
	lq.log.V(2).Info("live query reset")
	lq.start()
	return lq.Err()
}

// Dispose unsubscribes from the sources and releases the graph, the result collection and the side
// tables. Loads in flight are cancelled and their results dropped.
func (lq *LiveQuery) Dispose() {
	lq.mu.Lock()
	if lq.status == collection.StatusCleanedUp {
		lq.mu.Unlock()
		return
	}
	lq.status = collection.StatusCleanedUp
	subs := lq.subs
	lq.subs = nil
	lq.mu.Unlock()

	lq.cancel()
	for _, s := range subs {
		s.Unsubscribe()
	}

	lq.mu.Lock()
	lq.meta, lq.tokens = nil, nil
	lq.pending, lq.pendingKeys, lq.lazyReqs = nil, nil, nil
	lq.graph, lq.inputs = nil, nil
	lq.mu.Unlock()

	lq.out.Cleanup()
	lq.log.V(2).Info("live query disposed")
}

// ID returns the name of the live query.
func (lq *LiveQuery) ID() string { return lq.id }

// Collection returns the result collection. It can be the source of other live queries.
func (lq *LiveQuery) Collection() *collection.Collection { return lq.out }

// SubscribeChanges registers a callback for the changes of the result.
func (lq *LiveQuery) SubscribeChanges(cb func([]collection.ChangeMessage),
	opts collection.SubscribeOptions) *collection.Subscription {
	return lq.out.SubscribeChanges(cb, opts)
}

// RunCount returns the number of completed graph runs.
func (lq *LiveQuery) RunCount() int {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.runCount
}

// Status returns the lifecycle state of the live query.
func (lq *LiveQuery) Status() Status {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.status
}

// Err returns the error that moved the live query to the error state.
func (lq *LiveQuery) Err() error {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.err
}

// Graph returns the dataflow graph of the live query.
func (lq *LiveQuery) Graph() *dbsp.Graph {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.graph
}

// Compiled returns the compiled query.
func (lq *LiveQuery) Compiled() *compiler.Result {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.result
}
