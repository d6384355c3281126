package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned when commands are sent to a stopped entity.
	ErrStopped = errors.New("entity stopped")
	// ErrInvariant marks a transition failure on an event that passed the
	// applicability guard. The entity stops when it happens.
	ErrInvariant = errors.New("state machine invariant violated")
	// ErrStateMismatch is reported when replaying an entry does not reach the
	// state recorded with it.
	ErrStateMismatch = errors.New("replayed state differs from recorded state")
	// ErrUnknownSession is returned by read-only lookups of a scope that has
	// neither journal entries nor a snapshot.
	ErrUnknownSession = errors.New("unknown session")
)

// PersistError wraps a failed journal append.
type PersistError struct {
	Seq uint64
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist entry %d: %v", e.Seq, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// ReplayError reports the first entry that could not be replayed.
type ReplayError struct {
	Key string
	Seq uint64
	Err error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s at entry %d: %v", e.Key, e.Seq, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }
