package livequery

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCollection is returned when a query reads a collection that was not supplied.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnclassifiableChange is returned when the net change of a result key cannot be
	// classified as an insert, update or delete.
	ErrUnclassifiableChange = errors.New("unclassifiable net change")
	// ErrSourceFailed is the error of a live query whose source collection failed.
	ErrSourceFailed = errors.New("source collection failed")
	// ErrSourceCleanedUp is the error of a live query whose source collection was cleaned up.
	ErrSourceCleanedUp = errors.New("source collection cleaned up")
	// ErrNotOrdered is returned when setting the window of a query without ORDER BY.
	ErrNotOrdered = errors.New("query has no ORDER BY")
	// ErrDisposed is returned for operations on a disposed live query.
	ErrDisposed = errors.New("live query is disposed")
)

type ErrLiveQuery = error

func NewUnknownCollectionError(collection string) ErrLiveQuery {
	return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
}

func NewUnclassifiableChangeError(key any, inserts, deletes int) ErrLiveQuery {
	return fmt.Errorf("%w for key %v: %d inserts, %d deletes", ErrUnclassifiableChange, key,
		inserts, deletes)
}

func NewSourceError(collection string, err error) ErrLiveQuery {
	if err == nil {
		return fmt.Errorf("%w: %q", ErrSourceFailed, collection)
	}
	return fmt.Errorf("%w: %q: %w", ErrSourceFailed, collection, err)
}

func NewSourceCleanedUpError(collection string) ErrLiveQuery {
	return fmt.Errorf("%w: %q", ErrSourceCleanedUp, collection)
}
