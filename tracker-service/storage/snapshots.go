package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/tassiluca/location-service/tracker-service/domain"
	"github.com/tassiluca/location-service/tracker-service/journal"
)

// Snapshots keeps the latest snapshot of every entity in a table, one row per
// entity partitioned by fan-out tag.
type Snapshots struct {
	table tableClient
}

// Snapshots returns the snapshot store backed by the snapshots table.
func (s *Storage) Snapshots() *Snapshots {
	return &Snapshots{table: s.snapshotsTable}
}

func snapshotPartition(key string) (string, error) {
	scope, err := domain.DecodeScope(key)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(scope.FanoutTag()), nil
}

func (s *Snapshots) Save(ctx context.Context, key string, snap journal.Snapshot) error {
	pk, err := snapshotPartition(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap.Session)
	if err != nil {
		return err
	}
	ent := aztables.EDMEntity{
		Entity: aztables.Entity{PartitionKey: pk, RowKey: key},
		Properties: map[string]any{
			"Seq":     aztables.EDMInt64(snap.Seq),
			"Session": string(data),
			"TakenAt": aztables.EDMDateTime(snap.TakenAt),
		},
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (s *Snapshots) Latest(ctx context.Context, key string) (*journal.Snapshot, error) {
	pk, err := snapshotPartition(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.table.GetEntity(ctx, pk, key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshotEntity(resp.Value)
}

func decodeSnapshotEntity(data []byte) (*journal.Snapshot, error) {
	var ent aztables.EDMEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	var snap journal.Snapshot
	switch seq := ent.Properties["Seq"].(type) {
	case aztables.EDMInt64:
		snap.Seq = uint64(seq)
	case int32:
		snap.Seq = uint64(seq)
	default:
		return nil, fmt.Errorf("snapshot %s: unexpected Seq %T", ent.RowKey, seq)
	}
	raw, ok := ent.Properties["Session"].(string)
	if !ok {
		return nil, fmt.Errorf("snapshot %s: missing Session", ent.RowKey)
	}
	if err := json.Unmarshal([]byte(raw), &snap.Session); err != nil {
		return nil, err
	}
	if taken, ok := ent.Properties["TakenAt"].(aztables.EDMDateTime); ok {
		snap.TakenAt = time.Time(taken).UTC()
	}
	return &snap, nil
}
