package api

import (
	"github.com/bytedance/sonic"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

const postEventsMaxSize = 64 * 1024 // 64 KiB

// /POST /api/events request item
type eventRequest struct {
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Type           domain.EventKind       `json:"type"`
	UserID         string                 `json:"userId"`
	GroupID        string                 `json:"groupId"`
	Timestamp      int64                  `json:"timestamp,omitempty"` // unix ms
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// /POST /api/events response body
type postEventsResponse struct {
	IdempotencyKeys []string `json:"idempotencyKeys,omitempty"`
	Error           string   `json:"error,omitempty"`
}
