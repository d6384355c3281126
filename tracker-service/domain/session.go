package domain

import "time"

// Sample is the last position reported by the client.
type Sample struct {
	Position Location  `json:"position"`
	Speed    float64   `json:"speed,omitempty"`
	At       time.Time `json:"at"`
}

// Route is the trip in progress, if any.
type Route struct {
	Destination     Location  `json:"destination"`
	Label           string    `json:"label,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	ExpectedArrival time.Time `json:"expectedArrival,omitempty"`
	ArrivedAt       time.Time `json:"arrivedAt,omitempty"`
}

// Arrived reports whether the destination has been reached.
func (r *Route) Arrived() bool {
	return r != nil && !r.ArrivedAt.IsZero()
}

// Tracking is the context the state machine needs besides the current state.
type Tracking struct {
	Mode            TrackingMode `json:"mode"`
	Route           *Route       `json:"route,omitempty"`
	LastSample      *Sample      `json:"lastSample,omitempty"`
	StationarySince time.Time    `json:"stationarySince,omitempty"`
}

// Session is the reconstructable state of one tracked session. It is owned by
// a single entity process and replaced, never mutated in place.
type Session struct {
	Scope    Scope     `json:"scope"`
	State    UserState `json:"state"`
	Tracking Tracking  `json:"tracking"`
}

// NewSession returns the state of a session that never received an event.
func NewSession(scope Scope) Session {
	return Session{
		Scope:    scope,
		State:    StateInactive,
		Tracking: Tracking{Mode: ModeContinuous},
	}
}

// LastSample returns the last sampled position or nil.
func (s Session) LastSample() *Sample {
	return s.Tracking.LastSample
}
