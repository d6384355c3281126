package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/stream-service/domain"
)

const clientBuffer = 16

type Storage interface {
	FetchGroup(ctx context.Context, groupID string) (domain.GroupView, error)
}

// Hub fans group updates out to the SSE clients watching that group.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[chan []byte]struct{})}
}

func (h *Hub) add(groupID string) chan []byte {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[groupID] == nil {
		h.clients[groupID] = make(map[chan []byte]struct{})
	}
	h.clients[groupID][ch] = struct{}{}
	return ch
}

func (h *Hub) remove(groupID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[groupID], ch)
	if len(h.clients[groupID]) == 0 {
		delete(h.clients, groupID)
	}
}

// Broadcast delivers data to every client of the group. Slow clients miss
// updates rather than block the others.
func (h *Hub) Broadcast(groupID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[groupID] {
		select {
		case ch <- data:
		default:
			log.WithField("group", groupID).Warn("stream client lagging, dropping update")
		}
	}
}

// Clients returns the number of connected clients for a group.
func (h *Hub) Clients(groupID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[groupID])
}

// Register wires up stream endpoints on the given Echo instance.
func Register(e *echo.Echo, store Storage, hub *Hub, heartbeat time.Duration) {
	e.GET("/stream/:groupId", streamGroup(store, hub, heartbeat))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

func streamGroup(store Storage, hub *Hub, heartbeat time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		groupID := strings.TrimSpace(c.Param("groupId"))
		if groupID == "" {
			return c.String(http.StatusBadRequest, "missing group")
		}
		ctx := c.Request().Context()
		ch := hub.add(groupID)
		defer hub.remove(groupID, ch)

		view, err := store.FetchGroup(ctx, groupID)
		if err != nil {
			log.WithError(err).WithField("group", groupID).Error("fetch group view")
			return c.String(http.StatusInternalServerError, "group view unavailable")
		}
		snapshot, err := json.Marshal(view)
		if err != nil {
			return err
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		if err := writeEvent(c.Response(), "snapshot", snapshot); err != nil {
			return nil
		}
		flusher.Flush()

		var tick <-chan time.Time
		if heartbeat > 0 {
			t := time.NewTicker(heartbeat)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case data := <-ch:
				if err := writeEvent(c.Response(), "update", data); err != nil {
					return nil
				}
			case <-tick:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) error {
	if _, err := w.Write([]byte("event: " + name + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
