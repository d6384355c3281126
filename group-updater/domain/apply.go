package domain

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Storage defines methods required for updating the group view.
type Storage interface {
	GetMember(ctx context.Context, groupID, userID string) (*MemberEntity, error)
	InsertMember(ctx context.Context, ent MemberEntity) error
	ReplaceMember(ctx context.Context, ent MemberEntity, etag string) error
}

// maxConflictRetries bounds the read-compare-write loop when concurrent
// consumers race on the same member row.
const maxConflictRetries = 5

// Apply folds u into the member's row. Updates arrive unordered, so the row
// only moves forward: an update whose Seq does not exceed the stored one
// returns ErrStaleUpdate and leaves the row untouched.
func Apply(ctx context.Context, st Storage, u Update) (MemberEntity, error) {
	if err := u.Validate(); err != nil {
		return MemberEntity{}, err
	}
	fields := log.Fields{"group": u.GroupID, "user": u.UserID, "seq": u.Seq}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		cur, err := st.GetMember(ctx, u.GroupID, u.UserID)
		if err != nil {
			return MemberEntity{}, err
		}
		if cur != nil && u.Seq <= cur.Seq {
			log.WithFields(fields).WithField("current", cur.Seq).Debug("stale group update")
			return *cur, ErrStaleUpdate
		}

		next := project(cur, u)
		if cur == nil {
			err = st.InsertMember(ctx, next)
		} else {
			err = st.ReplaceMember(ctx, next, cur.ETag)
		}
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return MemberEntity{}, err
		}
		log.WithFields(fields).Debug("member row changed concurrently, retrying")
	}
	return MemberEntity{}, fmt.Errorf("member %s/%s: %w", u.GroupID, u.UserID, ErrConcurrencyConflict)
}

func project(cur *MemberEntity, u Update) MemberEntity {
	next := MemberEntity{
		Entity:        Entity{PartitionKey: u.GroupID, RowKey: u.UserID},
		Status:        string(u.Status),
		LastEvent:     string(u.Event.Kind),
		Seq:           u.Seq,
		SeqType:       EdmInt64,
		UpdatedAt:     u.At.UTC(),
		UpdatedAtType: EdmDateTime,
	}
	if cur != nil && cur.HasPosition() {
		next.Latitude, next.Longitude = cur.Latitude, cur.Longitude
	}
	if pos, ok := u.position(); ok {
		lat, lng := pos.Latitude, pos.Longitude
		next.Latitude, next.Longitude = &lat, &lng
	}
	if next.HasPosition() {
		t := EdmDouble
		next.LatitudeType, next.LongitudeType = &t, &t
	}
	return next
}
