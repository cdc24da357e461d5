package store

import "errors"

var (
	// ErrNotFound is returned when a record, cache entry, or status row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStale is returned when a sync confirmation loses the compare-and-set
	// against a newer local mutation. The record stays unsynced for re-delivery.
	ErrStale = errors.New("record modified since read")
	// ErrCorrupt is returned for a cache row whose stored value cannot be decoded.
	ErrCorrupt = errors.New("cache entry corrupt")
)
