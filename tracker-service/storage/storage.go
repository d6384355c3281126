package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"github.com/tassiluca/location-service/tracker-service/entity"
	"github.com/tassiluca/location-service/tracker-service/reaction"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Config names the Azure resources used by the tracker.
type Config struct {
	SnapshotsTable     string
	MembersTable       string
	NotificationsQueue string
	GroupUpdatesQueue  string
}

// Storage implements the tracker collaborators on Azure Tables and Queues:
// alert dispatch, group update propagation, membership lookup and snapshots.
type Storage struct {
	snapshotsTable tableClient
	membersTable   tableClient
	notifications  queueClient
	groupUpdates   queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr string, cfg Config) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	nq, err := azqueue.NewQueueClientFromConnectionString(connStr, cfg.NotificationsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	gq, err := azqueue.NewQueueClientFromConnectionString(connStr, cfg.GroupUpdatesQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		snapshotsTable: svc.NewClient(cfg.SnapshotsTable),
		membersTable:   svc.NewClient(cfg.MembersTable),
		notifications:  nq,
		groupUpdates:   gq,
	}, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func (s *Storage) enqueue(ctx context.Context, q queueClient, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_, err = q.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Notify enqueues an alert for the notification delivery service.
func (s *Storage) Notify(ctx context.Context, a reaction.Alert) error {
	return s.enqueue(ctx, s.notifications, a)
}

// Propagate enqueues a group update for the group aggregate.
func (s *Storage) Propagate(ctx context.Context, u entity.GroupUpdate) error {
	return s.enqueue(ctx, s.groupUpdates, u)
}

type memberEntity struct {
	aztables.Entity
	JoinedAt time.Time `json:"JoinedAt"`
}

// Members lists the user ids of a group.
func (s *Storage) Members(ctx context.Context, groupID string) ([]string, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(groupID, "'", "''") + "'"
	pager := s.membersTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	members := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent memberEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			members = append(members, ent.RowKey)
		}
	}
	return members, nil
}

// AddMember records userID as a member of groupID.
func (s *Storage) AddMember(ctx context.Context, groupID, userID string) error {
	payload, err := json.Marshal(memberEntity{
		Entity:   aztables.Entity{PartitionKey: groupID, RowKey: userID},
		JoinedAt: time.Now().UTC(),
	})
	if err == nil {
		_, err = s.membersTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// RemoveMember deletes the membership. Removing a missing member is a no-op.
func (s *Storage) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := s.membersTable.DeleteEntity(ctx, groupID, userID, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}
