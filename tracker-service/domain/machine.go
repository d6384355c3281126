package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned by Next for a (state, event) pair the
	// state machine does not define.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrScopeMismatch is returned when an event is applied to another session.
	ErrScopeMismatch = errors.New("event scope does not match session")
	// ErrUnknownEvent is returned for event types the machine does not know.
	ErrUnknownEvent = errors.New("unknown event")
)

// Next computes the state reached from current when ev is applied. It is pure
// and must only be called with events that passed CanBeAppliedTo.
func Next(current UserState, ev DrivingEvent, tc Tracking) (UserState, error) {
	switch e := ev.(type) {
	case LocationSampled:
		switch current {
		case StateArrived, StateOverdue:
			return current, nil
		case StateStationary:
			if !movedFrom(tc.LastSample, e.Position) {
				return StateStationary, nil
			}
		}
		return movingState(tc), nil
	case RouteStarted:
		return StateOnRoute, nil
	case RouteStopped:
		if tc.Route == nil {
			return current, transitionError(current, ev)
		}
		return StateRouteStopped, nil
	case ModeChanged:
		return current, nil
	case WentOffline:
		return StateOffline, nil
	case DestinationReached:
		if tc.Route == nil {
			return current, transitionError(current, ev)
		}
		return StateArrived, nil
	case BecameStationary:
		return StateStationary, nil
	case ArrivalOverdue:
		if tc.Route == nil {
			return current, transitionError(current, ev)
		}
		return StateOverdue, nil
	default:
		return current, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

func movingState(tc Tracking) UserState {
	if tc.Route != nil {
		return StateOnRoute
	}
	return StateActive
}

func transitionError(current UserState, ev DrivingEvent) error {
	return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind(), current)
}

// CanBeAppliedTo reports whether ev is applicable to the session. Events that
// are not applicable are discarded without any effect.
func CanBeAppliedTo(ev DrivingEvent, s Session) bool {
	m := ev.meta()
	if m.Scope != s.Scope || m.At.IsZero() {
		return false
	}
	tc := s.Tracking
	switch e := ev.(type) {
	case LocationSampled:
		if !e.Position.Valid() {
			return false
		}
		return tc.LastSample == nil || m.At.After(tc.LastSample.At)
	case RouteStarted:
		if !e.Destination.Valid() {
			return false
		}
		return tc.Route == nil || m.At.After(tc.Route.StartedAt)
	case RouteStopped:
		return tc.Route != nil && !m.At.Before(tc.Route.StartedAt)
	case ModeChanged:
		return e.Mode.Valid() && e.Mode != tc.Mode
	case WentOffline:
		return tc.LastSample != nil && s.State != StateOffline
	case DestinationReached:
		if !sameRoute(tc.Route, e.RouteStartedAt) || tc.Route.Arrived() {
			return false
		}
		return s.State == StateOnRoute || s.State == StateStationary || s.State == StateOverdue
	case BecameStationary:
		if tc.LastSample == nil || m.At.Before(tc.LastSample.At) {
			return false
		}
		// a newer sample outside the radius moves StationarySince forward
		if !tc.StationarySince.Equal(e.Since) {
			return false
		}
		return s.State == StateActive || s.State == StateOnRoute
	case ArrivalOverdue:
		if !sameRoute(tc.Route, e.RouteStartedAt) || tc.Route.Arrived() {
			return false
		}
		if tc.Route.ExpectedArrival.IsZero() || m.At.Before(tc.Route.ExpectedArrival) {
			return false
		}
		return s.State == StateOnRoute || s.State == StateStationary
	default:
		return false
	}
}

func sameRoute(r *Route, startedAt time.Time) bool {
	return r != nil && r.StartedAt.Equal(startedAt)
}

// UpdateWith applies an accepted event to the session. It is used for live
// application after persistence and for replay, so it must stay pure and agree
// with Next on the resulting state.
func UpdateWith(s Session, ev DrivingEvent) (Session, error) {
	m := ev.meta()
	if m.Scope != s.Scope {
		return s, fmt.Errorf("%w: %s != %s", ErrScopeMismatch, m.Scope, s.Scope)
	}
	state, err := Next(s.State, ev, s.Tracking)
	if err != nil {
		return s, err
	}

	tc := s.Tracking
	switch e := ev.(type) {
	case LocationSampled:
		if movedFrom(tc.LastSample, e.Position) {
			tc.StationarySince = m.At
		}
		tc.LastSample = &Sample{Position: e.Position, Speed: e.Speed, At: m.At}
	case RouteStarted:
		tc.Route = &Route{
			Destination:     e.Destination,
			Label:           e.Label,
			StartedAt:       m.At,
			ExpectedArrival: e.ExpectedArrival,
		}
	case RouteStopped:
		tc.Route = nil
	case ModeChanged:
		tc.Mode = e.Mode
	case DestinationReached:
		r := *tc.Route
		r.ArrivedAt = m.At
		tc.Route = &r
	}

	return Session{Scope: s.Scope, State: state, Tracking: tc}, nil
}
