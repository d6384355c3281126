package reaction

import (
	"context"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

const (
	// ArrivalRadius is the distance from the destination under which a route
	// is considered completed.
	ArrivalRadius = 100.0
	// StationaryAfter is how long a client must stay within
	// domain.StationaryRadius to be considered stationary.
	StationaryAfter = 10 * time.Minute
)

func notify(ctx context.Context, n Notifier, logger *log.Logger, a Alert) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, a); err != nil && logger != nil {
		logger.WithError(err).WithFields(log.Fields{
			"alert":   a.Kind,
			"userId":  a.UserID,
			"groupId": a.GroupID,
		}).Warn("failed to dispatch alert")
	}
}

// Gate checks that the user still belongs to the group whenever tracking
// starts or a route changes, and tells the group about route changes.
type Gate struct {
	Directory Directory
	Notifier  Notifier
	Logger    *log.Logger
}

func (g *Gate) Name() string { return "gate" }

func (g *Gate) React(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error) {
	var alert *Alert
	switch e := ev.(type) {
	case domain.RouteStarted:
		a := newAlert(AlertRouteStarted, ev)
		a.Label = e.Label
		a.Position = &e.Destination
		alert = &a
	case domain.RouteStopped:
		a := newAlert(AlertRouteStopped, ev)
		alert = &a
	case domain.LocationSampled:
		if s.State != domain.StateInactive && s.State != domain.StateOffline {
			return nil, nil
		}
	default:
		return nil, nil
	}

	scope := domain.ScopeOf(ev)
	members, err := g.Directory.Members(ctx, scope.GroupID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, scope.UserID) {
		return domain.NewWentOffline(scope, domain.TimeOf(ev)), nil
	}
	if alert != nil {
		notify(ctx, g.Notifier, g.Logger, *alert)
	}
	return nil, nil
}

// ArrivalCheck detects a sample close enough to the route destination.
type ArrivalCheck struct {
	Maps     Maps
	Notifier Notifier
	Logger   *log.Logger
	Radius   float64
}

func (c *ArrivalCheck) Name() string { return "arrival" }

func (c *ArrivalCheck) React(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error) {
	sample, ok := ev.(domain.LocationSampled)
	route := s.Tracking.Route
	if !ok || route == nil || route.Arrived() {
		return nil, nil
	}
	dist, err := c.Maps.Distance(ctx, sample.Position, route.Destination)
	if err != nil {
		return nil, err
	}
	if dist > radiusOr(c.Radius, ArrivalRadius) {
		return nil, nil
	}

	a := newAlert(AlertArrived, ev)
	a.Label = route.Label
	a.Position = &sample.Position
	notify(ctx, c.Notifier, c.Logger, a)
	return domain.NewDestinationReached(s.Scope, sample.At, route.StartedAt), nil
}

// StationaryCheck detects a client that has not moved for a while.
type StationaryCheck struct {
	Maps     Maps
	Notifier Notifier
	Logger   *log.Logger
	Radius   float64
	After    time.Duration
}

func (c *StationaryCheck) Name() string { return "stationary" }

func (c *StationaryCheck) React(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error) {
	sample, ok := ev.(domain.LocationSampled)
	last := s.LastSample()
	if !ok || last == nil {
		return nil, nil
	}
	if s.State != domain.StateActive && s.State != domain.StateOnRoute {
		return nil, nil
	}
	since := s.Tracking.StationarySince
	after := c.After
	if after <= 0 {
		after = StationaryAfter
	}
	if since.IsZero() || sample.At.Sub(since) < after {
		return nil, nil
	}
	dist, err := c.Maps.Distance(ctx, last.Position, sample.Position)
	if err != nil {
		return nil, err
	}
	if dist > radiusOr(c.Radius, domain.StationaryRadius) {
		return nil, nil
	}

	if s.State == domain.StateOnRoute {
		a := newAlert(AlertStationary, ev)
		a.Position = &sample.Position
		notify(ctx, c.Notifier, c.Logger, a)
	}
	return domain.NewBecameStationary(s.Scope, sample.At, since), nil
}

// ArrivalTimeoutCheck detects a route past its expected arrival.
type ArrivalTimeoutCheck struct {
	Notifier Notifier
	Logger   *log.Logger
}

func (c *ArrivalTimeoutCheck) Name() string { return "arrival-timeout" }

func (c *ArrivalTimeoutCheck) React(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error) {
	sample, ok := ev.(domain.LocationSampled)
	route := s.Tracking.Route
	if !ok || route == nil || route.Arrived() || route.ExpectedArrival.IsZero() {
		return nil, nil
	}
	if s.State != domain.StateOnRoute && s.State != domain.StateStationary {
		return nil, nil
	}
	if sample.At.Before(route.ExpectedArrival) {
		return nil, nil
	}

	a := newAlert(AlertOverdue, ev)
	a.Label = route.Label
	a.Position = &sample.Position
	notify(ctx, c.Notifier, c.Logger, a)
	return domain.NewArrivalOverdue(s.Scope, sample.At, route.StartedAt), nil
}

func radiusOr(r, def float64) float64 {
	if r > 0 {
		return r
	}
	return def
}

// Config holds the collaborators of the default pipeline.
type Config struct {
	Directory Directory
	Notifier  Notifier
	Maps      Maps
	Logger    *log.Logger
}

// NewDefaultPipeline wires the gate, arrival, stationary and arrival timeout
// stages in this order.
func NewDefaultPipeline(cfg Config) *Pipeline {
	if cfg.Maps == nil {
		cfg.Maps = LocalMaps{}
	}
	return NewPipeline(
		&Gate{Directory: cfg.Directory, Notifier: cfg.Notifier, Logger: cfg.Logger},
		&ArrivalCheck{Maps: cfg.Maps, Notifier: cfg.Notifier, Logger: cfg.Logger},
		&StationaryCheck{Maps: cfg.Maps, Notifier: cfg.Notifier, Logger: cfg.Logger},
		&ArrivalTimeoutCheck{Notifier: cfg.Notifier, Logger: cfg.Logger},
	)
}
