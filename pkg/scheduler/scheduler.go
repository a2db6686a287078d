// Package scheduler coalesces the work triggered inside a transaction.
//
// Work is scheduled into a context, identified by a ContextID, under a job ID. Scheduling the same
// job repeatedly into a context before the context is flushed runs the job once. Transactions
// open contexts; nested transactions hand their pending work over to the enclosing transaction, so
// that the outermost commit runs every job exactly once.
package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// ContextID identifies a scheduling context.
type ContextID = uuid.UUID

// ErrTransactionDone is returned when a transaction is committed or rolled back twice, or out of
// order.
var ErrTransactionDone = errors.New("transaction is not the innermost active transaction")

type job struct {
	id any
	fn func() error
}

// Scheduler holds the pending work per context.
type Scheduler struct {
	mu      sync.Mutex
	pending map[ContextID][]*job
	stack   []*Transaction
	log     logr.Logger
}

// New creates a scheduler.
func New(log logr.Logger) *Scheduler {
	return &Scheduler{
		pending: map[ContextID][]*job{},
		log:     log.WithName("scheduler"),
	}
}

// Schedule adds a job to a context. A job already pending in the context under the same ID is
// replaced in place.
func (s *Scheduler) Schedule(id ContextID, jobID any, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.pending[id]
	if i := slices.IndexFunc(jobs, func(j *job) bool { return j.id == jobID }); i >= 0 {
		jobs[i].fn = fn
		return
	}
	s.pending[id] = append(jobs, &job{id: jobID, fn: fn})
	s.log.V(4).Info("job scheduled", "context", id, "job", jobID)
}

// HasPending is true if a context has pending work.
func (s *Scheduler) HasPending(id ContextID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[id]) > 0
}

// Flush runs the pending jobs of a context in the order they were first scheduled. Jobs scheduled
// into the same context while flushing run in the same flush. Errors are collected and returned
// after all jobs have run.
func (s *Scheduler) Flush(ctx context.Context, id ContextID) error {
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		s.mu.Lock()
		jobs := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()

		if len(jobs) == 0 {
			return errors.Join(errs...)
		}

		s.log.V(4).Info("flushing context", "context", id, "jobs", len(jobs))
		for _, j := range jobs {
			if err := j.fn(); err != nil {
				errs = append(errs, err)
			}
		}
	}
}

// FlushAll flushes every context with pending work.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	var errs []error
	for {
		s.mu.Lock()
		var id ContextID
		found := false
		for k := range s.pending {
			id, found = k, true
			break
		}
		s.mu.Unlock()

		if !found {
			return errors.Join(errs...)
		}
		if err := s.Flush(ctx, id); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				return errors.Join(errs...)
			}
		}
	}
}

// Clear drops the pending work of a context without running it.
func (s *Scheduler) Clear(id ContextID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// merge moves the pending work of a context into another one, keeping first-scheduled order.
func (s *Scheduler) merge(from, to ContextID) {
	s.mu.Lock()
	jobs := s.pending[from]
	delete(s.pending, from)
	s.mu.Unlock()

	for _, j := range jobs {
		s.Schedule(to, j.id, j.fn)
	}
}

// Transaction is a scheduling context opened by Begin.
type Transaction struct {
	ID     ContextID
	parent *Transaction
	s      *Scheduler
}

// Begin opens a transaction. If a transaction is already active the new one is nested into it.
func (s *Scheduler) Begin() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Transaction{ID: uuid.New(), s: s}
	if n := len(s.stack); n > 0 {
		t.parent = s.stack[n-1]
	}
	s.stack = append(s.stack, t)
	s.log.V(4).Info("transaction started", "context", t.ID, "depth", len(s.stack))
	return t
}

// Current returns the context of the innermost active transaction.
func (s *Scheduler) Current() (ContextID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.stack); n > 0 {
		return s.stack[n-1].ID, true
	}
	return ContextID{}, false
}

// ScheduleOrRun schedules a job into the innermost active transaction, or runs it immediately if
// there is none.
func (s *Scheduler) ScheduleOrRun(jobID any, fn func() error) error {
	if id, ok := s.Current(); ok {
		s.Schedule(id, jobID, fn)
		return nil
	}
	return fn()
}

// Commit ends the transaction. A nested transaction hands its pending work over to its parent;
// the outermost transaction flushes it.
func (t *Transaction) Commit(ctx context.Context) error { return t.end(ctx) }

// Rollback ends the transaction after the caller has reverted its mutations. The work triggered
// by the mutations and their reversal is flushed like on commit so that observers see the net
// effect.
func (t *Transaction) Rollback(ctx context.Context) error { return t.end(ctx) }

func (t *Transaction) end(ctx context.Context) error {
	s := t.s
	s.mu.Lock()
	n := len(s.stack)
	if n == 0 || s.stack[n-1] != t {
		s.mu.Unlock()
		return ErrTransactionDone
	}
	s.mu.Unlock()

	if t.parent != nil {
		s.merge(t.ID, t.parent.ID)
		s.pop()
		return nil
	}

	// jobs triggered while flushing still join this context
	err := s.Flush(ctx, t.ID)
	s.pop()
	return err
}

func (s *Scheduler) pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.stack); n > 0 {
		s.stack = s.stack[:n-1]
	}
}
