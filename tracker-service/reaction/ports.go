package reaction

import (
	"context"
	"time"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

// AlertKind names the situation an alert reports.
type AlertKind string

const (
	AlertRouteStarted AlertKind = "route-started"
	AlertRouteStopped AlertKind = "route-stopped"
	AlertArrived      AlertKind = "arrived"
	AlertStationary   AlertKind = "stationary"
	AlertOverdue      AlertKind = "overdue"
)

// Alert is dispatched to the members of a group. Fan out to the single
// recipients is up to the delivery side.
type Alert struct {
	Kind     AlertKind        `json:"kind"`
	UserID   string           `json:"userId"`
	GroupID  string           `json:"groupId"`
	Label    string           `json:"label,omitempty"`
	Position *domain.Location `json:"position,omitempty"`
	At       time.Time        `json:"at"`
}

func newAlert(kind AlertKind, ev domain.DrivingEvent) Alert {
	scope := domain.ScopeOf(ev)
	return Alert{Kind: kind, UserID: scope.UserID, GroupID: scope.GroupID, At: domain.TimeOf(ev)}
}

// Notifier dispatches alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Maps resolves proximity between two positions.
type Maps interface {
	// Distance returns the distance in meters between from and to.
	Distance(ctx context.Context, from, to domain.Location) (float64, error)
}

// Directory resolves group membership.
type Directory interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// LocalMaps computes great-circle distances without any remote lookup.
type LocalMaps struct{}

func (LocalMaps) Distance(_ context.Context, from, to domain.Location) (float64, error) {
	return domain.Distance(from, to), nil
}
