package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/tassiluca/location-service/group-updater/domain"
)

type fakeQueue struct {
	messages       []*azqueue.DequeuedMessage
	lastVisibility *int32
	deleted        []string
}

func (f *fakeQueue) DequeueMessage(_ context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	if o != nil {
		f.lastVisibility = o.VisibilityTimeout
	}
	if len(f.messages) == 0 {
		return azqueue.DequeueMessagesResponse{}, nil
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return azqueue.DequeueMessagesResponse{Messages: []*azqueue.DequeuedMessage{msg}}, nil
}

func (f *fakeQueue) DeleteMessage(_ context.Context, id, receipt string, _ *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	f.deleted = append(f.deleted, id+"/"+receipt)
	return azqueue.DeleteMessageResponse{}, nil
}

type storedRow struct {
	data []byte
	etag string
}

type fakeTable struct {
	rows    map[string]map[string]storedRow
	version int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: make(map[string]map[string]storedRow)}
}

func respErr(code int) error {
	return &azcore.ResponseError{StatusCode: code}
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	row, ok := f.rows[pk][rk]
	if !ok {
		return aztables.GetEntityResponse{}, respErr(404)
	}
	return aztables.GetEntityResponse{Value: row.data, ETag: azcore.ETag(row.etag)}, nil
}

func (f *fakeTable) keys(entity []byte) (string, string) {
	var keys aztables.Entity
	_ = json.Unmarshal(entity, &keys)
	return keys.PartitionKey, keys.RowKey
}

func (f *fakeTable) store(pk, rk string, entity []byte) {
	if f.rows[pk] == nil {
		f.rows[pk] = make(map[string]storedRow)
	}
	f.version++
	f.rows[pk][rk] = storedRow{data: append([]byte(nil), entity...), etag: "W/" + strconv.Itoa(f.version)}
}

func (f *fakeTable) AddEntity(_ context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	pk, rk := f.keys(entity)
	if _, ok := f.rows[pk][rk]; ok {
		return aztables.AddEntityResponse{}, respErr(409)
	}
	f.store(pk, rk, entity)
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(_ context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	pk, rk := f.keys(entity)
	row, ok := f.rows[pk][rk]
	if !ok {
		return aztables.UpdateEntityResponse{}, respErr(404)
	}
	if o != nil && o.IfMatch != nil && *o.IfMatch != azcore.ETagAny && string(*o.IfMatch) != row.etag {
		return aztables.UpdateEntityResponse{}, respErr(412)
	}
	f.store(pk, rk, entity)
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	var pk string
	if o != nil && o.Filter != nil {
		pk = strings.TrimSuffix(strings.TrimPrefix(*o.Filter, "PartitionKey eq '"), "'")
		pk = strings.ReplaceAll(pk, "''", "'")
	}
	rks := make([]string, 0, len(f.rows[pk]))
	for rk := range f.rows[pk] {
		rks = append(rks, rk)
	}
	sort.Strings(rks)
	done := false
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return !done },
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			done = true
			page := make([][]byte, 0, len(rks))
			for _, rk := range rks {
				page = append(page, f.rows[pk][rk].data)
			}
			return aztables.ListEntitiesResponse{Entities: page}, nil
		},
	})
}

func member(group, user string, seq uint64) domain.MemberEntity {
	return domain.MemberEntity{
		Entity:        domain.Entity{PartitionKey: group, RowKey: user},
		Status:        "active",
		Seq:           seq,
		SeqType:       domain.EdmInt64,
		UpdatedAt:     time.Unix(1700000000, 0).UTC(),
		UpdatedAtType: domain.EdmDateTime,
	}
}

func TestMemberLifecycle(t *testing.T) {
	table := newFakeTable()
	s := &Storage{viewTable: table}
	ctx := context.Background()

	got, err := s.GetMember(ctx, "g1", "u1")
	if err != nil || got != nil {
		t.Fatalf("expected missing member, got %+v, %v", got, err)
	}
	if err := s.InsertMember(ctx, member("g1", "u1", 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertMember(ctx, member("g1", "u1", 1)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	got, err = s.GetMember(ctx, "g1", "u1")
	if err != nil || got == nil {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if got.Seq != 1 || got.ETag == "" || !got.UpdatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected member: %+v", got)
	}

	if err := s.ReplaceMember(ctx, member("g1", "u1", 2), got.ETag); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.ReplaceMember(ctx, member("g1", "u1", 3), got.ETag); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict for outdated etag, got %v", err)
	}
	if err := s.ReplaceMember(ctx, member("g1", "u9", 1), "W/1"); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict for missing row, got %v", err)
	}
}

func TestApplyThroughStorage(t *testing.T) {
	s := &Storage{viewTable: newFakeTable()}
	ctx := context.Background()
	u := domain.Update{GroupID: "g1", UserID: "u1", Seq: 1, Status: "active", At: time.Unix(1700000000, 0)}
	if _, err := domain.Apply(ctx, s, u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	u.Seq, u.Status = 2, "offline"
	if _, err := domain.Apply(ctx, s, u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := s.GetMember(ctx, "g1", "u1")
	if err != nil || got == nil || got.Seq != 2 || got.Status != "offline" {
		t.Fatalf("unexpected member after updates: %+v, %v", got, err)
	}
}

func TestListGroup(t *testing.T) {
	s := &Storage{viewTable: newFakeTable()}
	ctx := context.Background()
	for _, m := range []domain.MemberEntity{member("g1", "b", 1), member("g1", "a", 4), member("g2", "c", 1), member("o'hare", "d", 1)} {
		if err := s.InsertMember(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := s.ListGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].RowKey != "a" || got[0].Seq != 4 || got[1].RowKey != "b" {
		t.Fatalf("unexpected members: %+v", got)
	}
	if got, _ := s.ListGroup(ctx, "o'hare"); len(got) != 1 {
		t.Fatalf("quoted partition not listed: %+v", got)
	}
	empty, err := s.ListGroup(ctx, "none")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v, %v", empty, err)
	}
}

func TestDequeueAndDelete(t *testing.T) {
	id, receipt, text := "m1", "r1", `{"groupId":"g1"}`
	q := &fakeQueue{messages: []*azqueue.DequeuedMessage{{MessageID: &id, PopReceipt: &receipt, MessageText: &text}}}
	s := &Storage{queue: q, visibility: 30}
	ctx := context.Background()

	msg, err := s.Dequeue(ctx)
	if err != nil || msg == nil || *msg.MessageText != text {
		t.Fatalf("dequeue: %+v, %v", msg, err)
	}
	if q.lastVisibility == nil || *q.lastVisibility != 30 {
		t.Fatalf("visibility timeout not forwarded")
	}
	if err := s.Delete(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "m1/r1" {
		t.Fatalf("unexpected deletes: %v", q.deleted)
	}
	if msg, err := s.Dequeue(ctx); err != nil || msg != nil {
		t.Fatalf("expected empty queue, got %+v, %v", msg, err)
	}
}
