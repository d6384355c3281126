package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// ErrMalformedEvent is returned when an envelope cannot be turned into an event.
var ErrMalformedEvent = errors.New("malformed event")

// Envelope is the wire and journal representation of a DrivingEvent.
type Envelope struct {
	Kind    EventKind              `json:"kind"`
	UserID  string                 `json:"userId"`
	GroupID string                 `json:"groupId"`
	At      time.Time              `json:"at"`
	Data    sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// Scope returns the scope carried by the envelope.
func (e Envelope) Scope() Scope {
	return Scope{UserID: e.UserID, GroupID: e.GroupID}
}

// EncodeEvent wraps ev in an envelope.
func EncodeEvent(ev DrivingEvent) (Envelope, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	m := ev.meta()
	return Envelope{
		Kind:    ev.Kind(),
		UserID:  m.Scope.UserID,
		GroupID: m.Scope.GroupID,
		At:      m.At,
		Data:    data,
	}, nil
}

// DecodeEvent is the inverse of EncodeEvent. Scope and timestamp always come
// from the envelope, so Data only needs the variant specific fields.
func DecodeEvent(env Envelope) (DrivingEvent, error) {
	scope := env.Scope()
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: missing scope", ErrMalformedEvent)
	}

	switch env.Kind {
	case LocationSampledKind:
		var e LocationSampled
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		return NewLocationSampled(scope, env.At, e.Position, e.Speed), nil
	case RouteStartedKind:
		var e RouteStarted
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		return NewRouteStarted(scope, env.At, e.Destination, e.Label, e.ExpectedArrival), nil
	case RouteStoppedKind:
		return NewRouteStopped(scope, env.At), nil
	case ModeChangedKind:
		var e ModeChanged
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		return NewModeChanged(scope, env.At, e.Mode), nil
	case WentOfflineKind:
		return NewWentOffline(scope, env.At), nil
	case DestinationReachedKind:
		var e DestinationReached
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		return NewDestinationReached(scope, env.At, e.RouteStartedAt), nil
	case BecameStationaryKind:
		var e BecameStationary
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		return NewBecameStationary(scope, env.At, e.Since), nil
	case ArrivalOverdueKind:
		var e ArrivalOverdue
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		return NewArrivalOverdue(scope, env.At, e.RouteStartedAt), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Kind)
	}
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Kind, err)
	}
	return nil
}
