// Package journal persists the append-only per-entity event log and the
// snapshots used to compact it.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

var (
	// ErrClosed is returned by a journal after Close.
	ErrClosed = errors.New("journal closed")
	// ErrOutOfOrder is returned when an entry does not extend the log.
	ErrOutOfOrder = errors.New("entry sequence out of order")
)

// Entry is one persisted transition: the state reached and the event causing it.
type Entry struct {
	Seq        uint64           `json:"seq"`
	Tag        int              `json:"tag"`
	State      domain.UserState `json:"state"`
	Event      domain.Envelope  `json:"event"`
	RecordedAt time.Time        `json:"recordedAt"`
}

// NewEntry builds the entry recording ev at seq.
func NewEntry(seq uint64, state domain.UserState, ev domain.DrivingEvent, now time.Time) (Entry, error) {
	env, err := domain.EncodeEvent(ev)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Seq:        seq,
		Tag:        domain.ScopeOf(ev).FanoutTag(),
		State:      state,
		Event:      env,
		RecordedAt: now.UTC(),
	}, nil
}

// Snapshot is a full session as of the entry Seq.
type Snapshot struct {
	Seq     uint64         `json:"seq"`
	Session domain.Session `json:"session"`
	TakenAt time.Time      `json:"takenAt"`
}

// Journal is the per-entity append-only log. Keys are encoded scopes.
type Journal interface {
	// Append durably records e. Sequences must be strictly increasing per key.
	Append(ctx context.Context, key string, e Entry) error
	// Read returns the entries with Seq > afterSeq in order.
	Read(ctx context.Context, key string, afterSeq uint64) ([]Entry, error)
	// Compact deletes the entries with Seq <= uptoSeq.
	Compact(ctx context.Context, key string, uptoSeq uint64) error
}

// Releaser is implemented by journals holding per-key resources that can be
// freed when an entity is passivated.
type Releaser interface {
	Release(key string) error
}

// SnapshotStore keeps the most recent snapshot of each entity.
type SnapshotStore interface {
	Save(ctx context.Context, key string, s Snapshot) error
	// Latest returns nil without error when no snapshot exists.
	Latest(ctx context.Context, key string) (*Snapshot, error)
}
