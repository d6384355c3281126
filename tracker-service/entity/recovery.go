package entity

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

// recoverSession rebuilds the session from the latest snapshot and the entries
// recorded after it. Stored states are only compared with the recomputed
// ones, never trusted.
func (e *Entity) recoverSession() error {
	ctx, cancel := e.storageContext()
	defer cancel()

	session := domain.NewSession(e.scope)
	var seq uint64
	snap, err := e.deps.Snapshots.Latest(ctx, e.key)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", e.key, err)
	}
	if snap != nil {
		if snap.Session.Scope != e.scope {
			return &ReplayError{Key: e.key, Seq: snap.Seq, Err: domain.ErrScopeMismatch}
		}
		session, seq = snap.Session, snap.Seq
	}
	snapshotSeq := seq

	entries, err := e.deps.Journal.Read(ctx, e.key, seq)
	if err != nil {
		return fmt.Errorf("read journal %s: %w", e.key, err)
	}

	var replayErr *ReplayError
	for _, entry := range entries {
		if replayErr == nil {
			next, err := replay(session, entry.Event, entry.State)
			if err != nil {
				replayErr = &ReplayError{Key: e.key, Seq: entry.Seq, Err: err}
			} else {
				session = next
			}
		}
		// Sequence numbers are never reused, even past a failed entry.
		seq = entry.Seq
	}

	if replayErr != nil {
		if !e.cfg.TolerateReplayErrors {
			return replayErr
		}
		e.log.WithError(replayErr).Error("recovered session stops before the failing entry")
	}

	e.session = session
	e.seq = seq
	e.snapshotSeq = snapshotSeq
	e.log.WithFields(log.Fields{
		"seq":      seq,
		"replayed": len(entries),
		"state":    session.State,
	}).Debug("session recovered")
	return nil
}

func replay(s domain.Session, env domain.Envelope, recorded domain.UserState) (domain.Session, error) {
	ev, err := domain.DecodeEvent(env)
	if err != nil {
		return s, err
	}
	next, err := domain.UpdateWith(s, ev)
	if err != nil {
		return s, err
	}
	if next.State != recorded {
		return s, errors.Join(ErrStateMismatch, fmt.Errorf("recomputed %s, recorded %s", next.State, recorded))
	}
	return next, nil
}
