package domain

import (
	"context"
	"strconv"
)

type fakeStore struct {
	members   map[string]MemberEntity
	version   int
	getErr    error
	writeErr  error
	inserts   int
	replaces  int
	conflicts int
	// beforeWrite runs between the read and the write to simulate a racing
	// consumer.
	beforeWrite func(f *fakeStore)
}

func (f *fakeStore) GetMember(ctx context.Context, groupID, userID string) (*MemberEntity, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	ent, ok := f.members[groupID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &ent, nil
}

func (f *fakeStore) InsertMember(ctx context.Context, ent MemberEntity) error {
	f.hook()
	if f.writeErr != nil {
		return f.writeErr
	}
	key := ent.PartitionKey + "/" + ent.RowKey
	if _, exists := f.members[key]; exists {
		f.conflicts++
		return ErrConcurrencyConflict
	}
	f.inserts++
	f.put(key, ent)
	return nil
}

func (f *fakeStore) ReplaceMember(ctx context.Context, ent MemberEntity, etag string) error {
	f.hook()
	if f.writeErr != nil {
		return f.writeErr
	}
	key := ent.PartitionKey + "/" + ent.RowKey
	if cur, ok := f.members[key]; !ok || cur.ETag != etag {
		f.conflicts++
		return ErrConcurrencyConflict
	}
	f.replaces++
	f.put(key, ent)
	return nil
}

func (f *fakeStore) hook() {
	if f.beforeWrite != nil {
		hook := f.beforeWrite
		f.beforeWrite = nil
		hook(f)
	}
}

func (f *fakeStore) put(key string, ent MemberEntity) {
	if f.members == nil {
		f.members = map[string]MemberEntity{}
	}
	f.version++
	ent.ETag = strconv.Itoa(f.version)
	f.members[key] = ent
}
