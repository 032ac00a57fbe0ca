package storage

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a rebalance insert loses a race on the
// (strategy, version) uniqueness constraint.
var ErrVersionConflict = errors.New("rebalance version conflict")
