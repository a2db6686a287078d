package dbsp

import (
	"errors"
	"fmt"
	"math"
)

// NoLimit is the window size of a top-K operator that does not limit its output.
const NoLimit = math.MaxInt

var (
	// ErrGraphFinalized is raised when a graph is modified after Finalize.
	ErrGraphFinalized = errors.New("graph is already finalized")
	// ErrGraphNotFinalized is returned when a graph is run before Finalize.
	ErrGraphNotFinalized = errors.New("graph must be finalized before running")
)

// PrefixMismatchError signals that the prefix recomputed from a value differs from the prefix the
// value was stored under. This can only happen if a value was mutated after it was added to an
// index, which is a bug in the caller.
type PrefixMismatchError struct {
	Key            any
	StoredPrefix   any
	ComputedPrefix any
}

// Error implements the error interface.
func (e *PrefixMismatchError) Error() string {
	return fmt.Sprintf("index consistency violation at key %v: value stored under prefix %v "+
		"recomputes to prefix %v", e.Key, e.StoredPrefix, e.ComputedPrefix)
}

type ErrOperator = error

// NewOperatorError wraps an error raised inside an operator.
func NewOperatorError(op string, err error) ErrOperator {
	return fmt.Errorf("operator %s failed: %w", op, err)
}
