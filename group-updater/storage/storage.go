package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/tassiluca/location-service/group-updater/domain"
)

type queueClient interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Storage wraps Azure clients used by the service.
type Storage struct {
	queue     queueClient
	viewTable tableClient
	// visibility hides a dequeued message from other consumers while it is
	// being applied.
	visibility int32
}

// New creates a Storage from connection parameters.
func New(connStr, updatesQueue, groupViewTable string, visibility time.Duration) (*Storage, error) {
	retry := policy.RetryOptions{
		MaxRetries:    3,
		TryTimeout:    time.Minute * 3,
		RetryDelay:    time.Second * 1,
		MaxRetryDelay: time.Second * 15,
		StatusCodes:   []int{408, 429, 500, 502, 503, 504},
	}
	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, updatesQueue, &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retry},
	})
	if err != nil {
		return nil, err
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retry},
	})
	if err != nil {
		return nil, err
	}
	return &Storage{queue: queue, viewTable: svc.NewClient(groupViewTable), visibility: int32(visibility / time.Second)}, nil
}

// Dequeue retrieves a single message from the updates queue.
func (s *Storage) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	var opts *azqueue.DequeueMessageOptions
	if s.visibility > 0 {
		opts = &azqueue.DequeueMessageOptions{VisibilityTimeout: &s.visibility}
	}
	resp, err := s.queue.DequeueMessage(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// Delete removes a processed message from the queue.
func (s *Storage) Delete(ctx context.Context, id, receipt string) error {
	_, err := s.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// GetMember retrieves a member row if present.
func (s *Storage) GetMember(ctx context.Context, groupID, userID string) (*domain.MemberEntity, error) {
	resp, err := s.viewTable.GetEntity(ctx, groupID, userID, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ent domain.MemberEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	ent.ETag = string(resp.ETag)
	return &ent, nil
}

// InsertMember adds a member row. It fails with ErrConcurrencyConflict when
// another writer created the row first.
func (s *Storage) InsertMember(ctx context.Context, ent domain.MemberEntity) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.viewTable.AddEntity(ctx, payload, nil)
	if statusCode(err) == http.StatusConflict {
		return domain.ErrConcurrencyConflict
	}
	return err
}

// ReplaceMember overwrites a member row if its ETag still matches.
func (s *Storage) ReplaceMember(ctx context.Context, ent domain.MemberEntity, etag string) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	if etag != "" {
		et = azcore.ETag(etag)
	}
	_, err = s.viewTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	switch statusCode(err) {
	case http.StatusPreconditionFailed, http.StatusNotFound:
		return domain.ErrConcurrencyConflict
	}
	return err
}

// ListGroup returns every member row of a group.
func (s *Storage) ListGroup(ctx context.Context, groupID string) ([]domain.MemberEntity, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(groupID, "'", "''") + "'"
	pager := s.viewTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	members := make([]domain.MemberEntity, 0)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Entities {
			var ent domain.MemberEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			members = append(members, ent)
		}
	}
	return members, nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
