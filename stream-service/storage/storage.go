package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/stream-service/domain"
)

// groupCacheSuffix matches the key layout written by the group updater.
const groupCacheSuffix = ":gv"

type tableClient interface {
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Storage reads group views, preferring the Redis copy kept by the group
// updater over the table.
type Storage struct {
	viewTable tableClient
	redis     *redis.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, groupViewTable string, rc *redis.Client) (*Storage, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{viewTable: svc.NewClient(groupViewTable), redis: rc}, nil
}

type memberEntity struct {
	aztables.Entity
	Status    string    `json:"Status"`
	LastEvent string    `json:"LastEvent"`
	Seq       uint64    `json:"Seq,string"`
	UpdatedAt time.Time `json:"UpdatedAt"`
	Latitude  *float64  `json:"Latitude"`
	Longitude *float64  `json:"Longitude"`
}

// FetchGroup returns the current view of a group.
func (s *Storage) FetchGroup(ctx context.Context, groupID string) (domain.GroupView, error) {
	if view, ok := s.cached(ctx, groupID); ok {
		return view, nil
	}
	filter := "PartitionKey eq '" + strings.ReplaceAll(groupID, "'", "''") + "'"
	pager := s.viewTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	view := domain.GroupView{GroupID: groupID, Members: []domain.Member{}}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.GroupView{}, err
		}
		for _, e := range resp.Entities {
			var ent memberEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return domain.GroupView{}, err
			}
			view.Members = append(view.Members, toMember(ent))
		}
	}
	return view, nil
}

func (s *Storage) cached(ctx context.Context, groupID string) (domain.GroupView, bool) {
	if s.redis == nil {
		return domain.GroupView{}, false
	}
	raw, err := s.redis.Get(ctx, groupID+groupCacheSuffix).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithError(err).WithField("group", groupID).Warn("group cache read failed")
		}
		return domain.GroupView{}, false
	}
	var payload struct {
		Members []domain.Member `json:"members"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.WithError(err).WithField("group", groupID).Warn("corrupt group cache entry")
		return domain.GroupView{}, false
	}
	if payload.Members == nil {
		payload.Members = []domain.Member{}
	}
	return domain.GroupView{GroupID: groupID, Members: payload.Members}, true
}

func toMember(ent memberEntity) domain.Member {
	m := domain.Member{
		UserID:    ent.RowKey,
		Status:    ent.Status,
		LastEvent: ent.LastEvent,
		Seq:       ent.Seq,
		UpdatedAt: ent.UpdatedAt,
	}
	if ent.Latitude != nil && ent.Longitude != nil {
		m.Position = &domain.Position{Latitude: *ent.Latitude, Longitude: *ent.Longitude}
	}
	return m
}
