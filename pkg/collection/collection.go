// Package collection implements keyed in-memory collections that emit change events.
//
// A Collection stores rows by primary key and notifies its subscriptions about every batch of
// changes. Collections may have a loader that fetches subsets of a remote source on demand;
// subscriptions request these subsets through snapshots, which are deduplicated per collection.
package collection

import (
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/l7mp/livequery/pkg/loadsubset"
	"github.com/l7mp/livequery/pkg/query"
)

// Row is a key-value pair stored in a collection.
type Row struct {
	Key   any
	Value any
}

// Options configures a collection.
type Options struct {
	// ID names the collection.
	ID string
	// LoadSubset loads subsets of the source into the collection on demand. Collections without
	// a loader hold all their rows in memory.
	LoadSubset loadsubset.LoadFunc
	// LimitedCacheSize is the number of limited loads remembered by the deduplicator.
	LimitedCacheSize int
	// Logger is the logger.
	Logger logr.Logger
}

// Collection is a keyed set of rows. Keys must be comparable. It is safe for concurrent use,
// but subscription callbacks are invoked synchronously from the mutating goroutine.
type Collection struct {
	mu       sync.RWMutex
	id       string
	rows     map[any]any
	subs     []*Subscription
	status   Status
	err      error
	loading  int
	dedup    *loadsubset.Deduplicator
	watchers []func(Status)
	log      logr.Logger
}

// New creates a collection.
func New(opts Options) *Collection {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	c := &Collection{
		id:     opts.ID,
		rows:   map[any]any{},
		status: StatusReady,
		log:    logger.WithName("collection").WithValues("id", opts.ID),
	}
	if opts.LoadSubset != nil {
		c.dedup = loadsubset.New(opts.LoadSubset, loadsubset.DeduplicatorOptions{
			LimitedCacheSize: opts.LimitedCacheSize,
			Logger:           logger.WithValues("collection", opts.ID),
		})
	}
	return c
}

// ID returns the name of the collection.
func (c *Collection) ID() string { return c.id }

// Size returns the number of rows.
func (c *Collection) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Get returns the row stored under a key.
func (c *Collection) Get(key any) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.rows[key]
	return v, ok
}

// Has is true if a key is present.
func (c *Collection) Has(key any) bool {
	_, ok := c.Get(key)
	return ok
}

// Rows returns the rows ordered by key.
func (c *Collection) Rows() []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedRows(nil)
}

// sortedRows returns the rows matching a predicate ordered by key. Must be called under the lock.
func (c *Collection) sortedRows(where query.Expression) []Row {
	ret := make([]Row, 0, len(c.rows))
	for k, v := range c.rows {
		if query.Matches(where, v) {
			ret = append(ret, Row{Key: k, Value: v})
		}
	}
	slices.SortFunc(ret, func(a, b Row) int { return query.Compare(a.Key, b.Key) })
	return ret
}

// Insert adds a new row.
func (c *Collection) Insert(key, value any) error {
	return c.ApplyChanges([]ChangeMessage{{Type: Insert, Key: key, Value: value}})
}

// Update replaces an existing row.
func (c *Collection) Update(key, value any) error {
	return c.ApplyChanges([]ChangeMessage{{Type: Update, Key: key, Value: value}})
}

// Upsert inserts or replaces a row.
func (c *Collection) Upsert(key, value any) error {
	if c.Has(key) {
		return c.Update(key, value)
	}
	return c.Insert(key, value)
}

// Delete removes a row.
func (c *Collection) Delete(key any) error {
	return c.ApplyChanges([]ChangeMessage{{Type: Delete, Key: key}})
}

// ApplyChanges applies a batch of changes atomically and emits them to the subscriptions as a
// single batch. The previous values of updates and the removed values of deletes are filled in
// from the store. If any change fails none is applied.
func (c *Collection) ApplyChanges(changes []ChangeMessage) error {
	if len(changes) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.status == StatusCleanedUp {
		c.mu.Unlock()
		return ErrCleanedUp
	}

	type undo struct {
		key     any
		value   any
		present bool
	}
	undos := make([]undo, 0, len(changes))
	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			u := undos[i]
			if u.present {
				c.rows[u.key] = u.value
			} else {
				delete(c.rows, u.key)
			}
		}
	}

	emitted := make([]ChangeMessage, 0, len(changes))
	for _, ch := range changes {
		prev, present := c.rows[ch.Key]
		var err error
		switch ch.Type {
		case Insert:
			if present {
				err = NewDuplicateKeyError(c.id, ch.Key)
				break
			}
			c.rows[ch.Key] = ch.Value
			emitted = append(emitted, ChangeMessage{Type: Insert, Key: ch.Key, Value: ch.Value})
		case Update:
			if !present {
				err = NewKeyNotFoundError(c.id, ch.Key)
				break
			}
			c.rows[ch.Key] = ch.Value
			emitted = append(emitted, ChangeMessage{Type: Update, Key: ch.Key, Value: ch.Value,
				PreviousValue: prev})
		case Delete:
			if !present {
				err = NewKeyNotFoundError(c.id, ch.Key)
				break
			}
			delete(c.rows, ch.Key)
			emitted = append(emitted, ChangeMessage{Type: Delete, Key: ch.Key, Value: prev})
		default:
			err = ErrUnknownChangeType
		}
		if err != nil {
			rollback()
			c.mu.Unlock()
			return err
		}
		undos = append(undos, undo{key: ch.Key, value: prev, present: present})
	}
	subs := slices.Clone(c.subs)
	c.mu.Unlock()

	c.log.V(4).Info("changes applied", "changes", len(emitted))
	for _, s := range subs {
		s.deliver(emitted)
	}
	return nil
}

// Truncate removes every row. Subscriptions receive a delete for each row they were sent and
// forget their sent keys, and the load coverage of the collection is reset.
func (c *Collection) Truncate() {
	c.mu.Lock()
	rows := c.sortedRows(nil)
	c.rows = map[any]any{}
	subs := slices.Clone(c.subs)
	c.mu.Unlock()

	if c.dedup != nil {
		c.dedup.Reset()
	}

	c.log.V(2).Info("collection truncated", "rows", len(rows))
	for _, s := range subs {
		s.truncate(rows)
	}
}

// Status returns the lifecycle state of the collection.
func (c *Collection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err returns the error that moved the collection to the error state.
func (c *Collection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Watch registers a callback for status changes.
func (c *Collection) Watch(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// SetError moves the collection to the error state.
func (c *Collection) SetError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.log.Error(err, "collection failed")
	c.setStatus(StatusError)
}

// MarkReady moves the collection to the ready state and clears any error.
func (c *Collection) MarkReady() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	c.setStatus(StatusReady)
}

// Cleanup drops every row and subscription. The collection cannot be mutated afterwards.
func (c *Collection) Cleanup() {
	c.setStatus(StatusCleanedUp)

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.rows = map[any]any{}
	c.watchers = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	c.log.V(2).Info("collection cleaned up")
}

func (c *Collection) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status || c.status == StatusCleanedUp {
		c.mu.Unlock()
		return
	}
	c.status = status
	subs := slices.Clone(c.subs)
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()

	c.log.V(2).Info("status changed", "status", status)
	for _, w := range watchers {
		w(status)
	}
	for _, s := range subs {
		if s.opts.OnStatusChange != nil {
			s.opts.OnStatusChange(status)
		}
	}
}

// beginLoad and endLoad track the subset loads in flight.
func (c *Collection) beginLoad() {
	c.mu.Lock()
	c.loading++
	first := c.loading == 1 && c.status != StatusError
	c.mu.Unlock()
	if first {
		c.setStatus(StatusLoadingSubset)
	}
}

func (c *Collection) endLoad() {
	c.mu.Lock()
	c.loading--
	last := c.loading == 0 && c.status == StatusLoadingSubset
	c.mu.Unlock()
	if last {
		c.setStatus(StatusReady)
	}
}

func (c *Collection) removeSubscription(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = slices.DeleteFunc(c.subs, func(x *Subscription) bool { return x == s })
}
