package domain

// UserState is the tracking lifecycle phase of a session.
type UserState string

const (
	StateInactive     UserState = "inactive"
	StateActive       UserState = "active"
	StateOnRoute      UserState = "on-route"
	StateStationary   UserState = "stationary"
	StateArrived      UserState = "arrived"
	StateOverdue      UserState = "overdue"
	StateRouteStopped UserState = "route-stopped"
	StateOffline      UserState = "offline"
)

// TrackingMode is the sampling mode chosen by the client.
type TrackingMode string

const (
	ModeContinuous   TrackingMode = "continuous"
	ModeBatterySaver TrackingMode = "battery-saver"
	ModePaused       TrackingMode = "paused"
)

// Valid reports whether the mode is one of the known modes.
func (m TrackingMode) Valid() bool {
	switch m {
	case ModeContinuous, ModeBatterySaver, ModePaused:
		return true
	}
	return false
}
