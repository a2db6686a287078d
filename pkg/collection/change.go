package collection

import (
	"errors"
	"fmt"
)

// ChangeType is the type of a change.
type ChangeType string

const (
	Insert ChangeType = "insert"
	Update ChangeType = "update"
	Delete ChangeType = "delete"
)

// ChangeMessage registers a change on a row. For deletes Value holds the removed value. For
// updates PreviousValue holds the value before the change.
type ChangeMessage struct {
	Type          ChangeType
	Key           any
	Value         any
	PreviousValue any
}

// String returns a human-readable representation of the change.
func (m ChangeMessage) String() string {
	return fmt.Sprintf("%s{key=%v}", m.Type, m.Key)
}

// Status is the lifecycle state of a collection.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusLoadingSubset Status = "loadingSubset"
	StatusReady         Status = "ready"
	StatusError         Status = "error"
	StatusCleanedUp     Status = "cleanedUp"
)

var (
	// ErrDuplicateKey is returned when inserting a key that is already present.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrKeyNotFound is returned when updating or deleting a missing key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrCleanedUp is returned for operations on a cleaned-up collection.
	ErrCleanedUp = errors.New("collection is cleaned up")
	// ErrUnknownChangeType is returned for a change with an invalid type.
	ErrUnknownChangeType = errors.New("unknown change type")
)

type ErrMutation = error

func NewDuplicateKeyError(id string, key any) ErrMutation {
	return fmt.Errorf("%w in collection %q: %v", ErrDuplicateKey, id, key)
}

func NewKeyNotFoundError(id string, key any) ErrMutation {
	return fmt.Errorf("%w in collection %q: %v", ErrKeyNotFound, id, key)
}
