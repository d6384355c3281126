package domain

import (
	"errors"
	"time"

	tracker "github.com/tassiluca/location-service/tracker-service/domain"
)

// Update is the message a member's entity publishes after each accepted
// event. It mirrors the tracker's group update payload.
type Update struct {
	GroupID string            `json:"groupId"`
	UserID  string            `json:"userId"`
	Key     string            `json:"key"`
	Seq     uint64            `json:"seq"`
	Status  tracker.UserState `json:"status"`
	Event   tracker.Envelope  `json:"event"`
	At      time.Time         `json:"at"`
}

// Validate checks the fields required to address a member row.
func (u Update) Validate() error {
	switch {
	case u.GroupID == "" || u.UserID == "":
		return errors.New("update without scope")
	case u.Seq == 0:
		return errors.New("update without sequence number")
	case u.Status == "":
		return errors.New("update without status")
	}
	return nil
}

// position extracts the reported coordinate when the triggering event is a
// location sample.
func (u Update) position() (tracker.Location, bool) {
	if u.Event.Kind != tracker.LocationSampledKind {
		return tracker.Location{}, false
	}
	ev, err := tracker.DecodeEvent(u.Event)
	if err != nil {
		return tracker.Location{}, false
	}
	sample, ok := ev.(tracker.LocationSampled)
	if !ok {
		return tracker.Location{}, false
	}
	return sample.Position, true
}
