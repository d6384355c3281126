package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

// fakeTable keeps rows by partition and row key and pages listings by pageSize.
type fakeTable struct {
	mu       sync.Mutex
	rows     map[string]map[string][]byte
	pageSize int
	upserts  int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: make(map[string]map[string][]byte), pageSize: 2}
}

func notFound() error {
	return &azcore.ResponseError{ErrorCode: "ResourceNotFound", StatusCode: 404}
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.rows[pk][rk]
	if !ok {
		return aztables.GetEntityResponse{}, notFound()
	}
	return aztables.GetEntityResponse{Value: data}, nil
}

func (f *fakeTable) UpsertEntity(_ context.Context, entity []byte, _ *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	var keys aztables.Entity
	if err := json.Unmarshal(entity, &keys); err != nil {
		return aztables.UpsertEntityResponse{}, err
	}
	if keys.PartitionKey == "" || keys.RowKey == "" {
		return aztables.UpsertEntityResponse{}, errors.New("missing keys")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[keys.PartitionKey] == nil {
		f.rows[keys.PartitionKey] = make(map[string][]byte)
	}
	f.rows[keys.PartitionKey][keys.RowKey] = append([]byte(nil), entity...)
	f.upserts++
	return aztables.UpsertEntityResponse{}, nil
}

func (f *fakeTable) DeleteEntity(_ context.Context, pk, rk string, _ *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[pk][rk]; !ok {
		return aztables.DeleteEntityResponse{}, notFound()
	}
	delete(f.rows[pk], rk)
	return aztables.DeleteEntityResponse{}, nil
}

// NewListEntitiesPager understands the single "PartitionKey eq '...'" filter
// used by Storage.
func (f *fakeTable) NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	var pk string
	if o != nil && o.Filter != nil {
		pk = strings.TrimSuffix(strings.TrimPrefix(*o.Filter, "PartitionKey eq '"), "'")
		pk = strings.ReplaceAll(pk, "''", "'")
	}
	f.mu.Lock()
	rks := make([]string, 0, len(f.rows[pk]))
	for rk := range f.rows[pk] {
		rks = append(rks, rk)
	}
	sort.Strings(rks)
	all := make([][]byte, 0, len(rks))
	for _, rk := range rks {
		all = append(all, f.rows[pk][rk])
	}
	f.mu.Unlock()

	offset := 0
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool {
			return offset < len(all)
		},
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			end := min(offset+f.pageSize, len(all))
			page := all[offset:end]
			offset = end
			return aztables.ListEntitiesResponse{Entities: page}, nil
		},
	})
}
