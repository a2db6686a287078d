// Package scenario runs scripted mutations against live queries and reports their change batches.
//
// A scenario declares a set of collections with their initial rows, a list of named queries and
// a list of steps. Queries may read the results of the queries declared before them by name.
// Each step applies a set of changes, optionally inside a single transaction, changes the window
// of an ordered query or truncates a collection.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/goccy/go-json"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/livequery/pkg/collection"
	"github.com/l7mp/livequery/pkg/livequery"
	"github.com/l7mp/livequery/pkg/query"
	"github.com/l7mp/livequery/pkg/scheduler"
)

// Scenario is a scripted run.
type Scenario struct {
	Collections []CollectionSpec `json:"collections"`
	Queries     []QuerySpec      `json:"queries"`
	Steps       []Step           `json:"steps,omitempty"`
}

// CollectionSpec declares a collection and its initial rows.
type CollectionSpec struct {
	Name string    `json:"name"`
	Rows []RowSpec `json:"rows,omitempty"`
}

// RowSpec is a row of a collection.
type RowSpec struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// QuerySpec declares a named live query.
type QuerySpec struct {
	Name  string       `json:"name"`
	Query *query.Query `json:"query"`
}

// Step is a single step of a scenario.
type Step struct {
	// Transaction applies the changes of the step inside a single transaction.
	Transaction bool         `json:"transaction,omitempty"`
	Changes     []ChangeSpec `json:"changes,omitempty"`
	Window      *WindowSpec  `json:"window,omitempty"`
	// Truncate names a collection to truncate.
	Truncate string `json:"truncate,omitempty"`
}

// ChangeSpec is a change of a collection row. Deletes need no value.
type ChangeSpec struct {
	Collection string                `json:"collection"`
	Type       collection.ChangeType `json:"type"`
	Key        json.RawMessage       `json:"key"`
	Value      json.RawMessage       `json:"value,omitempty"`
}

// WindowSpec changes the window of an ordered query.
type WindowSpec struct {
	Query  string `json:"query"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

var (
	// ErrInvalidScenario is returned for a malformed scenario.
	ErrInvalidScenario = errors.New("invalid scenario")
)

func NewInvalidScenarioError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
}

// Parse parses a YAML or JSON scenario.
func Parse(b []byte) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, err
	}
	for i, q := range s.Queries {
		if q.Name == "" || q.Query == nil {
			return nil, NewInvalidScenarioError("query %d: name and query are required", i)
		}
	}
	return s, nil
}

func decode(b json.RawMessage) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return query.DecodeValue(b)
}

// Batch is a change batch of a query, as reported by a runner.
type Batch struct {
	Step    int      `json:"step"`
	Query   string   `json:"query"`
	Changes []Change `json:"changes"`
}

// Change is a reported change.
type Change struct {
	Type  collection.ChangeType `json:"type"`
	Key   any                   `json:"key"`
	Value any                   `json:"value,omitempty"`
}

// Result is the final state of a query, as reported by a runner.
type Result struct {
	Query  string `json:"query"`
	Status string `json:"status"`
	Rows   []any  `json:"rows"`
}

// Runner executes a scenario.
type Runner struct {
	s           *Scenario
	sched       *scheduler.Scheduler
	collections map[string]*collection.Collection
	queries     map[string]*livequery.LiveQuery
	names       []string
	step        int
	w           io.Writer
	werr        error
	log         logr.Logger
}

// NewRunner creates the collections and the live queries of a scenario. Change batches and final
// results are written to w as JSON lines.
func NewRunner(s *Scenario, w io.Writer, logger logr.Logger) (*Runner, error) {
	r := &Runner{
		s:           s,
		sched:       scheduler.New(logger),
		collections: map[string]*collection.Collection{},
		queries:     map[string]*livequery.LiveQuery{},
		w:           w,
		log:         logger.WithName("scenario"),
	}

	for _, cs := range s.Collections {
		if _, ok := r.collections[cs.Name]; ok {
			return nil, NewInvalidScenarioError("duplicate collection %q", cs.Name)
		}
		c := collection.New(collection.Options{ID: cs.Name, Logger: logger})
		for _, row := range cs.Rows {
			key, err := decode(row.Key)
			if err != nil {
				return nil, err
			}
			value, err := decode(row.Value)
			if err != nil {
				return nil, err
			}
			if err := c.Insert(key, value); err != nil {
				return nil, err
			}
		}
		r.collections[cs.Name] = c
	}

	for _, qs := range s.Queries {
		if _, ok := r.collections[qs.Name]; ok {
			return nil, NewInvalidScenarioError("query %q shadows a collection", qs.Name)
		}
		lq, err := livequery.New(qs.Query, r.collections, livequery.Options{
			ID:        qs.Name,
			Scheduler: r.sched,
			Logger:    logger,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("query %q: %w", qs.Name, err)
		}
		r.queries[qs.Name] = lq
		r.names = append(r.names, qs.Name)
		r.collections[qs.Name] = lq.Collection()

		name := qs.Name
		lq.SubscribeChanges(func(changes []collection.ChangeMessage) {
			r.report(name, changes)
		}, collection.SubscribeOptions{IncludeInitialState: true})
	}

	return r, nil
}

// QueryNames returns the names of the queries in declaration order.
func (r *Runner) QueryNames() []string { return r.names }

// Query returns a live query by name.
func (r *Runner) Query(name string) *livequery.LiveQuery { return r.queries[name] }

// Collection returns a collection by name.
func (r *Runner) Collection(name string) *collection.Collection { return r.collections[name] }

// Run executes the steps and reports the final results.
func (r *Runner) Run(ctx context.Context) error {
	for i, step := range r.s.Steps {
		r.step = i + 1
		r.log.V(2).Info("running step", "step", r.step)
		if err := r.runStep(ctx, step); err != nil {
			return fmt.Errorf("step %d: %w", r.step, err)
		}
	}

	for _, name := range r.names {
		lq := r.queries[name]
		r.write(Result{Query: name, Status: string(lq.Status()), Rows: lq.Values()})
	}
	return r.werr
}

func (r *Runner) runStep(ctx context.Context, step Step) error {
	if step.Transaction {
		tx := r.sched.Begin()
		if err := r.applyChanges(step.Changes); err != nil {
			return errors.Join(err, tx.Rollback(ctx))
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	} else if err := r.applyChanges(step.Changes); err != nil {
		return err
	}

	if w := step.Window; w != nil {
		lq, ok := r.queries[w.Query]
		if !ok {
			return NewInvalidScenarioError("unknown query %q", w.Query)
		}
		if err := lq.SetWindow(w.Offset, w.Limit); err != nil {
			return err
		}
	}

	if step.Truncate != "" {
		c, ok := r.collections[step.Truncate]
		if !ok {
			return NewInvalidScenarioError("unknown collection %q", step.Truncate)
		}
		c.Truncate()
	}
	return nil
}

func (r *Runner) applyChanges(changes []ChangeSpec) error {
	for _, cs := range changes {
		c, ok := r.collections[cs.Collection]
		if !ok {
			return NewInvalidScenarioError("unknown collection %q", cs.Collection)
		}
		key, err := decode(cs.Key)
		if err != nil {
			return err
		}
		value, err := decode(cs.Value)
		if err != nil {
			return err
		}
		if err := c.ApplyChanges([]collection.ChangeMessage{{Type: cs.Type, Key: key, Value: value}}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) report(name string, changes []collection.ChangeMessage) {
	b := Batch{Step: r.step, Query: name, Changes: make([]Change, 0, len(changes))}
	for _, ch := range changes {
		c := Change{Type: ch.Type, Key: ch.Key}
		if ch.Type != collection.Delete {
			c.Value = ch.Value
		}
		b.Changes = append(b.Changes, c)
	}
	r.write(b)
}

func (r *Runner) write(v any) {
	if r.werr != nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		r.werr = err
		return
	}
	_, r.werr = fmt.Fprintln(r.w, string(b))
}

// Close disposes the live queries.
func (r *Runner) Close() {
	for i := len(r.names) - 1; i >= 0; i-- {
		r.queries[r.names[i]].Dispose()
	}
}
