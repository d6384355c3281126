package entity

import (
	"context"
	"time"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

// GroupUpdate tells the group aggregate that a member changed state.
type GroupUpdate struct {
	GroupID string           `json:"groupId"`
	UserID  string           `json:"userId"`
	Key     string           `json:"key"`
	Seq     uint64           `json:"seq"`
	Status  domain.UserState `json:"status"`
	Event   domain.Envelope  `json:"event"`
	At      time.Time        `json:"at"`
}

// Propagator forwards accepted changes to the group aggregate. Delivery is
// at most once: failures are only logged.
type Propagator interface {
	Propagate(ctx context.Context, u GroupUpdate) error
}

func (e *Entity) propagate(seq uint64, env domain.Envelope) {
	if e.deps.Propagator == nil {
		return
	}
	u := GroupUpdate{
		GroupID: e.scope.GroupID,
		UserID:  e.scope.UserID,
		Key:     e.key,
		Seq:     seq,
		Status:  e.session.State,
		Event:   env,
		At:      e.now(),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PropagationTimeout)
		defer cancel()
		if err := e.deps.Propagator.Propagate(ctx, u); err != nil {
			e.log.WithError(err).WithField("seq", seq).Warn("failed to propagate group update")
		}
	}()
}
