package domain

import "errors"

// ErrConcurrencyConflict indicates that the underlying storage rejected a
// write because the row changed since it was read.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ErrStaleUpdate is returned when the view already reflects a sequence number
// at or beyond the update's.
var ErrStaleUpdate = errors.New("stale update")
