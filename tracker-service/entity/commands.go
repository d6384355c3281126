package entity

import "github.com/tassiluca/location-service/tracker-service/domain"

// Command is a message processed by an entity, strictly in arrival order.
type Command interface {
	command()
}

// Event carries a driving event through the guarded transition protocol.
type Event struct {
	domain.DrivingEvent
}

// Ignore is the no-op result of a reaction that derived nothing.
type Ignore struct{}

// AliveCheck is the liveness tick.
type AliveCheck struct{}

// query reads the current session in order with the other commands.
type query struct {
	reply chan domain.Session
}

func (Event) command()      {}
func (Ignore) command()     {}
func (AliveCheck) command() {}
func (query) command()      {}

// Mailbox accepts commands for one entity.
type Mailbox interface {
	Tell(cmd Command) error
}
