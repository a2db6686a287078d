package collection

import (
	"context"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/livequery/pkg/loadsubset"
	"github.com/l7mp/livequery/pkg/query"
)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// IncludeInitialState sends the rows already in the collection on subscribe. If OrderBy and
	// Limit are set only the first Limit rows are sent. Without it the rows already in the
	// collection count as known to the subscriber, so their updates and deletes are delivered.
	IncludeInitialState bool
	// OnDemand marks a subscriber that only learns about existing rows through snapshots. Changes
	// of rows never delivered are flipped or dropped.
	OnDemand bool
	// Where restricts the subscription to the rows matching a predicate.
	Where query.Expression
	// OrderBy and Limit describe the window the subscriber consumes.
	OrderBy []query.OrderByClause
	Limit   int
	// OnStatusChange is called on every status change of the collection.
	OnStatusChange func(Status)
	// OnTruncate is called after the collection was truncated and the retractions of the rows
	// sent were delivered.
	OnTruncate func()
}

// SnapshotOptions requests the rows matching a predicate, on top of the subscription predicate.
type SnapshotOptions struct {
	Where query.Expression
}

// LimitedSnapshotOptions requests the first Limit rows in the given order. Zero values default to
// the ordering and limit of the subscription.
type LimitedSnapshotOptions struct {
	Where   query.Expression
	OrderBy []query.OrderByClause
	Limit   int
	// Continue requests the rows from the cursor of the subscription on, instead of the first
	// rows. Only applies to the ordering of the subscription.
	Continue bool
}

// Subscription delivers the changes of a collection to a callback. Every row is delivered at
// most once: a subscription remembers the keys it sent and flips the changes of the collection
// accordingly, so an update of a row never sent becomes an insert and a delete of a row never
// sent is dropped.
//
// Limited snapshots in the ordering of the subscription advance a cursor, the sort keys of the last
// row of the window delivered. A truncate resets the sent keys and the cursor.
//
// Callbacks run synchronously. A single subscription must not be driven from concurrent
// goroutines.
type Subscription struct {
	mu     sync.Mutex
	c      *Collection
	cb     func([]ChangeMessage)
	opts   SubscribeOptions
	sent   sets.Set[any]
	cursor []any
	closed bool
	log    logr.Logger
}

// SubscribeChanges registers a callback for the changes of the collection.
func (c *Collection) SubscribeChanges(cb func([]ChangeMessage), opts SubscribeOptions) *Subscription {
	s := &Subscription{
		c:    c,
		cb:   cb,
		opts: opts,
		sent: sets.New[any](),
		log:  c.log.WithName("subscription"),
	}

	c.mu.Lock()
	if c.status == StatusCleanedUp {
		s.closed = true
	} else {
		if !opts.IncludeInitialState && !opts.OnDemand {
			for k, v := range c.rows {
				if s.matches(v) {
					s.sent.Insert(k)
				}
			}
		}
		c.subs = append(c.subs, s)
	}
	c.mu.Unlock()

	if opts.IncludeInitialState && !s.closed {
		if len(opts.OrderBy) > 0 && opts.Limit > 0 {
			s.sendLimited(nil, opts.OrderBy, opts.Limit, true)
		} else {
			s.send(nil)
		}
	}
	return s
}

// Collection returns the collection of the subscription.
func (s *Subscription) Collection() *Collection { return s.c }

// Unsubscribe stops the delivery of changes. Loads in flight complete, but their rows are not
// delivered.
func (s *Subscription) Unsubscribe() {
	s.c.removeSubscription(s)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// IsClosed is true once the subscription was unsubscribed or its collection cleaned up.
func (s *Subscription) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// HasSent is true if the row of a key was delivered and not deleted since.
func (s *Subscription) HasSent(key any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent.Has(key)
}

// SentCount returns the number of rows delivered and not deleted since.
func (s *Subscription) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent.Len()
}

// Cursor returns the sort keys of the last row delivered by a limited snapshot, or nil.
func (s *Subscription) Cursor() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cursor)
}

func (s *Subscription) matches(v any) bool { return query.Matches(s.opts.Where, v) }

// deliver filters and flips a batch of collection changes.
func (s *Subscription) deliver(changes []ChangeMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	out := make([]ChangeMessage, 0, len(changes))
	for _, ch := range changes {
		switch ch.Type {
		case Insert:
			if s.sent.Has(ch.Key) || !s.matches(ch.Value) {
				continue
			}
			s.sent.Insert(ch.Key)
			out = append(out, ch)

		case Update:
			was, now := s.sent.Has(ch.Key), s.matches(ch.Value)
			switch {
			case was && now:
				out = append(out, ch)
			case was:
				s.sent.Delete(ch.Key)
				out = append(out, ChangeMessage{Type: Delete, Key: ch.Key, Value: ch.PreviousValue})
			case now:
				s.sent.Insert(ch.Key)
				out = append(out, ChangeMessage{Type: Insert, Key: ch.Key, Value: ch.Value})
			}

		case Delete:
			if !s.sent.Has(ch.Key) {
				continue
			}
			s.sent.Delete(ch.Key)
			out = append(out, ch)
		}
	}
	s.mu.Unlock()

	if len(out) > 0 {
		s.log.V(4).Info("delivering changes", "changes", len(out))
		s.cb(out)
	}
}

// truncate retracts every row sent and forgets the sent keys.
func (s *Subscription) truncate(rows []Row) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	out := []ChangeMessage{}
	for _, r := range rows {
		if s.sent.Has(r.Key) {
			out = append(out, ChangeMessage{Type: Delete, Key: r.Key, Value: r.Value})
		}
	}
	s.sent, s.cursor = sets.New[any](), nil
	s.mu.Unlock()

	if len(out) > 0 {
		s.cb(out)
	}
	if s.opts.OnTruncate != nil {
		s.opts.OnTruncate()
	}
}

// send delivers the unsent rows matching the subscription and an extra predicate.
func (s *Subscription) send(where query.Expression) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.c.mu.RLock()
	rows := s.c.sortedRows(andWhere(s.opts.Where, where))
	s.c.mu.RUnlock()

	out := s.markUnsent(rows)
	s.mu.Unlock()

	if len(out) > 0 {
		s.cb(out)
	}
}

// sendLimited delivers the unsent rows among the first limit rows in the given order. If track is
// set the cursor moves to the last row of the window.
func (s *Subscription) sendLimited(where query.Expression, orderBy []query.OrderByClause, limit int, track bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.c.mu.RLock()
	rows := s.c.sortedRows(andWhere(s.opts.Where, where))
	s.c.mu.RUnlock()

	type keyed struct {
		row  Row
		keys []any
	}
	ks := make([]keyed, len(rows))
	for i, r := range rows {
		ks[i] = keyed{row: r, keys: query.SortKeys(orderBy, r.Value)}
	}
	cmp := query.OrderComparator(orderBy)
	slices.SortStableFunc(ks, func(a, b keyed) int { return cmp(a.keys, b.keys) })
	if len(ks) > limit {
		ks = ks[:limit]
	}
	if track && len(ks) > 0 {
		if last := ks[len(ks)-1].keys; s.cursor == nil || cmp(last, s.cursor) > 0 {
			s.cursor = last
		}
	}
	rows = rows[:0]
	for _, k := range ks {
		rows = append(rows, k.row)
	}

	out := s.markUnsent(rows)
	s.mu.Unlock()

	if len(out) > 0 {
		s.cb(out)
	}
}

// markUnsent converts the unsent rows into inserts. Must be called under the lock.
func (s *Subscription) markUnsent(rows []Row) []ChangeMessage {
	out := []ChangeMessage{}
	for _, r := range rows {
		if s.sent.Has(r.Key) {
			continue
		}
		s.sent.Insert(r.Key)
		out = append(out, ChangeMessage{Type: Insert, Key: r.Key, Value: r.Value})
	}
	return out
}

// RequestSnapshot loads the rows matching the subscription predicate and an extra predicate and
// delivers the ones not sent yet. The returned flag is true if no new load was issued.
func (s *Subscription) RequestSnapshot(ctx context.Context, opts SnapshotOptions) (bool, error) {
	where := andWhere(s.opts.Where, opts.Where)
	deduplicated, err := s.load(ctx, loadsubset.Options{Where: where})
	if err != nil {
		return false, err
	}
	if s.IsClosed() {
		s.log.V(2).Info("dropping snapshot of closed subscription")
		return deduplicated, nil
	}
	s.send(opts.Where)
	return deduplicated, nil
}

// RequestLimitedSnapshot loads the first rows in an order and delivers the ones not sent yet.
// The returned flag is true if no new load was issued.
func (s *Subscription) RequestLimitedSnapshot(ctx context.Context, opts LimitedSnapshotOptions) (bool, error) {
	orderBy, limit := opts.OrderBy, opts.Limit
	own := len(orderBy) == 0
	if own {
		orderBy = s.opts.OrderBy
	}
	if limit <= 0 {
		limit = s.opts.Limit
	}
	if len(orderBy) == 0 || limit <= 0 {
		return s.RequestSnapshot(ctx, SnapshotOptions{Where: opts.Where})
	}

	extra := opts.Where
	if cursor := s.Cursor(); opts.Continue && own && cursor != nil {
		extra = andWhere(extra, query.AtOrAfter(orderBy, cursor))
	}

	where := andWhere(s.opts.Where, extra)
	deduplicated, err := s.load(ctx, loadsubset.Options{Where: where, OrderBy: orderBy, Limit: limit})
	if err != nil {
		return false, err
	}
	if s.IsClosed() {
		s.log.V(2).Info("dropping limited snapshot of closed subscription")
		return deduplicated, nil
	}
	s.sendLimited(extra, orderBy, limit, own)
	return deduplicated, nil
}

func (s *Subscription) load(ctx context.Context, opts loadsubset.Options) (bool, error) {
	if s.c.dedup == nil {
		return true, nil
	}
	s.c.beginLoad()
	defer s.c.endLoad()
	return s.c.dedup.LoadSubset(ctx, opts)
}

func andWhere(a, b query.Expression) query.Expression {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return query.NewFunc("and", a, b)
	}
}
