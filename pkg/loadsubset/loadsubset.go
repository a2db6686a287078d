// Package loadsubset deduplicates requests for loading subsets of a source.
//
// A Deduplicator sits in front of a LoadFunc. It remembers the union of the predicates of all
// unbounded loads issued so far and fetches only the part of a new request that is not covered
// yet. Limited loads (ordered and capped) are served from the unbounded coverage or from an
// earlier limited load of the same subset with an equal or larger window, and are otherwise
// issued verbatim. Failed loads are never recorded as covered.
package loadsubset

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru"

	"github.com/l7mp/livequery/pkg/query"
	"github.com/l7mp/livequery/pkg/util"
)

// DefaultLimitedCacheSize is the default number of limited loads remembered.
const DefaultLimitedCacheSize = 256

// Options describes a subset of a source. Limit zero means no limit.
type Options struct {
	Where   query.Expression
	OrderBy []query.OrderByClause
	Limit   int
	Offset  int
}

// IsLimited is true for an ordered and capped request.
func (o Options) IsLimited() bool { return o.Limit > 0 }

// String returns a human-readable representation of the request.
func (o Options) String() string {
	where := "true"
	if o.Where != nil {
		where = o.Where.String()
	}
	if !o.IsLimited() {
		return where
	}
	return util.Stringify(map[string]any{
		"where":   where,
		"orderBy": orderByKey(o.OrderBy),
		"limit":   o.Limit,
		"offset":  o.Offset,
	})
}

// LoadFunc loads a subset of a source. It returns once the rows are visible to reads.
type LoadFunc func(ctx context.Context, opts Options) error

// DeduplicatorOptions configures a deduplicator.
type DeduplicatorOptions struct {
	// OnDeduplicate is called with each request that was satisfied without a new load, once the
	// in-flight loads it may depend on have completed.
	OnDeduplicate func(Options)
	// LimitedCacheSize is the number of limited loads remembered.
	LimitedCacheSize int
	// Logger is the logger.
	Logger logr.Logger
}

type inflight struct {
	opts Options
	done chan struct{}
	err  error
}

type window struct {
	offset, limit int
}

// Deduplicator deduplicates the loads of a single source. It is safe for concurrent use.
type Deduplicator struct {
	mu       sync.Mutex
	load     LoadFunc
	loads    []query.Expression // unbounded loads issued and not failed; a nil entry covers all
	covered  query.Expression
	anyLoad  bool
	limited  *lru.Cache
	inflight []*inflight
	opts     DeduplicatorOptions
	log      logr.Logger
}

// New creates a deduplicator for a load function.
func New(load LoadFunc, opts DeduplicatorOptions) *Deduplicator {
	if opts.LimitedCacheSize <= 0 {
		opts.LimitedCacheSize = DefaultLimitedCacheSize
	}
	cache, err := lru.New(opts.LimitedCacheSize)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &Deduplicator{
		load:    load,
		limited: cache,
		opts:    opts,
		log:     opts.Logger.WithName("loadsubset"),
	}
}

func orderByKey(orderBy []query.OrderByClause) string {
	parts := make([]any, 0, len(orderBy))
	for _, o := range orderBy {
		parts = append(parts, []any{o.Expr.String(), string(o.Direction), string(o.Nulls)})
	}
	return util.Stringify(parts)
}

func limitedKey(opts Options) string {
	where := ""
	if opts.Where != nil {
		where = opts.Where.String()
	}
	return where + "|" + orderByKey(opts.OrderBy)
}

// isCovered is true if the unbounded coverage contains the rows matching a predicate. Must be
// called under the lock.
func (d *Deduplicator) isCovered(where query.Expression) bool {
	return d.anyLoad && IsSubset(where, d.covered)
}

// LoadSubset satisfies a request. The returned flag is true if no new load was issued.
func (d *Deduplicator) LoadSubset(ctx context.Context, opts Options) (bool, error) {
	d.mu.Lock()

	// covered by the unbounded loads, ignoring the window of a limited request
	if d.isCovered(opts.Where) {
		wait := d.pending(nil)
		d.mu.Unlock()
		return true, d.deduplicated(ctx, opts, wait)
	}

	if opts.IsLimited() {
		return d.loadLimited(ctx, opts)
	}

	// fetch only the difference to the current coverage
	req := opts
	if d.anyLoad {
		diff, ok := Minus(opts.Where, d.covered)
		if !ok {
			wait := d.pending(nil)
			d.mu.Unlock()
			return true, d.deduplicated(ctx, opts, wait)
		}
		req.Where = diff
	}

	d.loads = append(d.loads, opts.Where)
	d.recompute()
	flight := d.start(req)
	d.mu.Unlock()

	d.log.V(2).Info("loading subset", "request", opts.String(), "fetch", req.String())
	err := d.load(ctx, req)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.finish(flight, err)
	if err != nil {
		if i := slices.IndexFunc(d.loads, func(e query.Expression) bool { return e == opts.Where }); i >= 0 {
			d.loads = slices.Delete(d.loads, i, i+1)
		}
		d.recompute()
		return false, err
	}
	subsetLoadsTotal.WithLabelValues("fetched").Inc()
	return false, nil
}

// loadLimited handles a limited request. Must be called with the lock held, releases the lock.
func (d *Deduplicator) loadLimited(ctx context.Context, opts Options) (bool, error) {
	key := limitedKey(opts)
	w := window{offset: opts.Offset, limit: opts.Limit}

	var prev *window
	if v, ok := d.limited.Get(key); ok {
		p := v.(window)
		prev = &p
		if p.offset <= w.offset && p.offset+p.limit >= w.offset+w.limit {
			wait := d.pending(func(o Options) bool { return limitedKey(o) == key })
			d.mu.Unlock()
			return true, d.deduplicated(ctx, opts, wait)
		}
	}

	d.limited.Add(key, w)
	flight := d.start(opts)
	d.mu.Unlock()

	d.log.V(2).Info("loading limited subset", "request", opts.String())
	err := d.load(ctx, opts)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.finish(flight, err)
	if err != nil {
		if v, ok := d.limited.Peek(key); ok && v.(window) == w {
			if prev != nil {
				d.limited.Add(key, *prev)
			} else {
				d.limited.Remove(key)
			}
		}
		return false, err
	}
	subsetLoadsTotal.WithLabelValues("fetched").Inc()
	return false, nil
}

// recompute rebuilds the coverage from the recorded loads. Must be called under the lock.
func (d *Deduplicator) recompute() {
	d.covered, d.anyLoad = nil, false
	for i, e := range d.loads {
		if i == 0 {
			d.covered, d.anyLoad = e, true
			continue
		}
		d.covered = Union(d.covered, e)
	}
}

func (d *Deduplicator) start(opts Options) *inflight {
	f := &inflight{opts: opts, done: make(chan struct{})}
	d.inflight = append(d.inflight, f)
	return f
}

// finish removes an in-flight load and wakes its waiters. Must be called under the lock.
func (d *Deduplicator) finish(f *inflight, err error) {
	f.err = err
	close(f.done)
	d.inflight = slices.DeleteFunc(d.inflight, func(x *inflight) bool { return x == f })
}

// pending returns the in-flight loads a deduplicated request may depend on: all unbounded loads
// and the limited loads selected by the filter. Must be called under the lock.
func (d *Deduplicator) pending(limited func(Options) bool) []*inflight {
	ret := []*inflight{}
	for _, f := range d.inflight {
		if !f.opts.IsLimited() || (limited != nil && limited(f.opts)) {
			ret = append(ret, f)
		}
	}
	return ret
}

// ErrDependencyFailed is returned for a deduplicated request when a load it depended on failed.
var ErrDependencyFailed = errors.New("in-flight load failed")

func (d *Deduplicator) deduplicated(ctx context.Context, opts Options, wait []*inflight) error {
	for _, f := range wait {
		select {
		case <-f.done:
			if f.err != nil {
				return errors.Join(ErrDependencyFailed, f.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	subsetLoadsTotal.WithLabelValues("deduplicated").Inc()
	d.log.V(4).Info("subset load deduplicated", "request", opts.String())
	if d.opts.OnDeduplicate != nil {
		d.opts.OnDeduplicate(opts)
	}
	return nil
}

// Reset forgets all coverage, for example after the source was truncated.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads, d.covered, d.anyLoad = nil, nil, false
	d.limited.Purge()
}
