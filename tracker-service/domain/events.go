package domain

import "time"

// EventKind names a DrivingEvent variant on the wire and in the journal.
type EventKind string

const (
	LocationSampledKind    EventKind = "location-sampled"
	RouteStartedKind       EventKind = "route-started"
	RouteStoppedKind       EventKind = "route-stopped"
	ModeChangedKind        EventKind = "mode-changed"
	WentOfflineKind        EventKind = "went-offline"
	DestinationReachedKind EventKind = "destination-reached"
	BecameStationaryKind   EventKind = "became-stationary"
	ArrivalOverdueKind     EventKind = "arrival-overdue"
)

// ClientOriginated reports whether events of this kind are reported by the
// tracked client. The others are synthesized by the service itself.
func (k EventKind) ClientOriginated() bool {
	switch k {
	case LocationSampledKind, RouteStartedKind, RouteStoppedKind, ModeChangedKind:
		return true
	}
	return false
}

// Meta is carried by every event.
type Meta struct {
	Scope Scope     `json:"scope"`
	At    time.Time `json:"at"`
}

// NewMeta normalises at to UTC without a monotonic reading so that an event
// decoded from the journal compares equal to the live one.
func NewMeta(scope Scope, at time.Time) Meta {
	return Meta{Scope: scope, At: normalizeTime(at)}
}

func (m Meta) meta() Meta { return m }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Round(0)
}

// DrivingEvent is any fact that can advance a session. The set of
// implementations is closed to this package.
type DrivingEvent interface {
	Kind() EventKind
	meta() Meta
}

// ScopeOf returns the scope the event applies to.
func ScopeOf(ev DrivingEvent) Scope { return ev.meta().Scope }

// TimeOf returns the event timestamp.
func TimeOf(ev DrivingEvent) time.Time { return ev.meta().At }

// Location is a WGS84 coordinate.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Valid reports whether the coordinate is within range.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// LocationSampled is a position reported by the client.
type LocationSampled struct {
	Meta
	Position Location `json:"position"`
	Speed    float64  `json:"speed,omitempty"`
}

func (LocationSampled) Kind() EventKind { return LocationSampledKind }

// RouteStarted announces a trip towards a destination.
type RouteStarted struct {
	Meta
	Destination     Location  `json:"destination"`
	Label           string    `json:"label,omitempty"`
	ExpectedArrival time.Time `json:"expectedArrival,omitempty"`
}

func (RouteStarted) Kind() EventKind { return RouteStartedKind }

// RouteStopped is the explicit end of the current route.
type RouteStopped struct {
	Meta
}

func (RouteStopped) Kind() EventKind { return RouteStoppedKind }

// ModeChanged switches the client sampling mode.
type ModeChanged struct {
	Meta
	Mode TrackingMode `json:"mode"`
}

func (ModeChanged) Kind() EventKind { return ModeChangedKind }

// WentOffline is synthesized when the client stopped reporting.
type WentOffline struct {
	Meta
}

func (WentOffline) Kind() EventKind { return WentOfflineKind }

// DestinationReached is derived when a sample lands close to the destination
// of the route started at RouteStartedAt.
type DestinationReached struct {
	Meta
	RouteStartedAt time.Time `json:"routeStartedAt"`
}

func (DestinationReached) Kind() EventKind { return DestinationReachedKind }

// BecameStationary is derived when the client has not moved for a while.
type BecameStationary struct {
	Meta
	Since time.Time `json:"since"`
}

func (BecameStationary) Kind() EventKind { return BecameStationaryKind }

// ArrivalOverdue is derived when the expected arrival of a route passed.
type ArrivalOverdue struct {
	Meta
	RouteStartedAt time.Time `json:"routeStartedAt"`
}

func (ArrivalOverdue) Kind() EventKind { return ArrivalOverdueKind }

func NewLocationSampled(scope Scope, at time.Time, pos Location, speed float64) LocationSampled {
	return LocationSampled{Meta: NewMeta(scope, at), Position: pos, Speed: speed}
}

func NewRouteStarted(scope Scope, at time.Time, dest Location, label string, expected time.Time) RouteStarted {
	return RouteStarted{Meta: NewMeta(scope, at), Destination: dest, Label: label, ExpectedArrival: normalizeTime(expected)}
}

func NewRouteStopped(scope Scope, at time.Time) RouteStopped {
	return RouteStopped{Meta: NewMeta(scope, at)}
}

func NewModeChanged(scope Scope, at time.Time, mode TrackingMode) ModeChanged {
	return ModeChanged{Meta: NewMeta(scope, at), Mode: mode}
}

func NewWentOffline(scope Scope, at time.Time) WentOffline {
	return WentOffline{Meta: NewMeta(scope, at)}
}

func NewDestinationReached(scope Scope, at, routeStartedAt time.Time) DestinationReached {
	return DestinationReached{Meta: NewMeta(scope, at), RouteStartedAt: normalizeTime(routeStartedAt)}
}

func NewBecameStationary(scope Scope, at, since time.Time) BecameStationary {
	return BecameStationary{Meta: NewMeta(scope, at), Since: normalizeTime(since)}
}

func NewArrivalOverdue(scope Scope, at, routeStartedAt time.Time) ArrivalOverdue {
	return ArrivalOverdue{Meta: NewMeta(scope, at), RouteStartedAt: normalizeTime(routeStartedAt)}
}
