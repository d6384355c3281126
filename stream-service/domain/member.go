package domain

import "time"

// Position is the last reported coordinate of a member.
type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Member is one entry of a group view as sent to stream clients.
type Member struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	LastEvent string    `json:"lastEvent,omitempty"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
	Position  *Position `json:"position,omitempty"`
}

// GroupView is the snapshot sent when a client connects.
type GroupView struct {
	GroupID string   `json:"groupId"`
	Members []Member `json:"members"`
}
