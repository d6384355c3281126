package api

import (
	"context"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

// Tracker routes events to their entity and answers session queries.
type Tracker interface {
	Deliver(ctx context.Context, ev domain.DrivingEvent) error
	Session(ctx context.Context, scope domain.Scope) (domain.Session, error)
}

// Membership manages the members of a group.
type Membership interface {
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
}

// Deduper tracks the idempotency keys of routed events per session scope.
type Deduper interface {
	// AddMany marks the keys of one scope and reports which were new.
	AddMany(ctx context.Context, scopeKey string, idemKeys []string) ([]bool, error)
	// Remove forgets a key after its event could not be routed.
	Remove(ctx context.Context, scopeKey, idemKey string) error
}
