package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tassiluca/location-service/tracker-service/domain"
	"github.com/tassiluca/location-service/tracker-service/entity"
)

const rollbackTimeout = 5 * time.Second

// Register wires up all API routes on the provided Echo instance. members and
// deduper are optional.
func Register(e *echo.Echo, tracker Tracker, members Membership, deduper Deduper, logger *log.Logger) {
	e.POST(eventsRoute, postEvents(tracker, deduper, logger), GzipRequestMiddleware())
	e.GET("/api/sessions/:groupId/:userId", getSession(tracker))
	if members != nil {
		e.PUT("/api/groups/:groupId/members/:userId", putMember(members))
		e.DELETE("/api/groups/:groupId/members/:userId", deleteMember(members))
	}
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// pending is a decoded event waiting to be routed.
type pending struct {
	key   string
	scope string
	event domain.DrivingEvent
	added bool
}

func postEvents(tracker Tracker, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newEventRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(ctx))
		var cause error
		defer func() {
			metrics.Log(c.Response().Status, cause)
		}()

		decodeStart := time.Now()
		lr := io.LimitReader(c.Request().Body, postEventsMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		reqs := make([]eventRequest, 0, 4)
		if decErr := dec.Decode(&reqs); decErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, postEventsResponse{Error: "invalid body"})
		}
		metrics.SetReceived(len(reqs))

		batch, keys, convErr := toPending(reqs)
		metrics.ObserveDecode(time.Since(decodeStart))
		if convErr != nil {
			metrics.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, postEventsResponse{Error: convErr.Error()})
		}

		dedupeStart := time.Now()
		dupErr := markDuplicates(ctx, deduper, batch)
		metrics.ObserveDedupe(time.Since(dedupeStart))
		if dupErr != nil {
			metrics.SetErrorStage("dedupe")
			cause = dupErr
			rollback(deduper, batch, logger)
			return c.JSON(http.StatusServiceUnavailable, postEventsResponse{Error: "idempotency store unavailable"})
		}

		deliverStart := time.Now()
		delivered, duplicates := 0, 0
		for i, p := range batch {
			if deduper != nil && !p.added {
				duplicates++
				continue
			}
			if routeErr := tracker.Deliver(ctx, p.event); routeErr != nil {
				metrics.SetErrorStage("deliver")
				cause = routeErr
				rollback(deduper, batch[i:], logger)
				metrics.SetDelivered(delivered)
				metrics.SetDuplicates(duplicates)
				return c.JSON(http.StatusServiceUnavailable, postEventsResponse{Error: "failed to route events"})
			}
			delivered++
		}
		metrics.ObserveDeliver(time.Since(deliverStart))
		metrics.SetDelivered(delivered)
		metrics.SetDuplicates(duplicates)

		return c.JSON(http.StatusAccepted, postEventsResponse{IdempotencyKeys: keys})
	}
}

// toPending validates the requests and turns them into events. Requests
// without a timestamp are stamped by the server in request order.
func toPending(reqs []eventRequest) ([]pending, []string, error) {
	unstamped := 0
	for _, r := range reqs {
		if r.Timestamp == 0 {
			unstamped++
		}
	}
	next := nextTimestampRange(unstamped)

	batch := make([]pending, len(reqs))
	keys := make([]string, len(reqs))
	for i, r := range reqs {
		if !r.Type.ClientOriginated() {
			return nil, nil, fmt.Errorf("event %d: unsupported type %q", i, r.Type)
		}
		var at time.Time
		if r.Timestamp == 0 {
			at = time.Unix(0, next)
			next++
		} else {
			at = time.UnixMilli(r.Timestamp)
		}
		ev, err := domain.DecodeEvent(domain.Envelope{
			Kind:    r.Type,
			UserID:  r.UserID,
			GroupID: r.GroupID,
			At:      at,
			Data:    r.Data,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("event %d: %w", i, err)
		}
		if err := validatePayload(ev, r.Data); err != nil {
			return nil, nil, fmt.Errorf("event %d: %w", i, err)
		}
		key := r.IdempotencyKey
		if key == "" {
			key = uuid.NewString()
		}
		keys[i] = key
		batch[i] = pending{key: key, scope: domain.ScopeOf(ev).Encode(), event: ev}
	}
	return batch, keys, nil
}

func validatePayload(ev domain.DrivingEvent, data []byte) error {
	switch e := ev.(type) {
	case domain.LocationSampled:
		if len(data) == 0 || !e.Position.Valid() {
			return errors.New("invalid position")
		}
	case domain.RouteStarted:
		if len(data) == 0 || !e.Destination.Valid() {
			return errors.New("invalid destination")
		}
	case domain.ModeChanged:
		if !e.Mode.Valid() {
			return fmt.Errorf("invalid mode %q", e.Mode)
		}
	}
	return nil
}

// markDuplicates records the keys of the batch, one pipeline per scope, and
// flags the events seen for the first time.
func markDuplicates(ctx context.Context, deduper Deduper, batch []pending) error {
	if deduper == nil {
		return nil
	}
	byScope := make(map[string][]int)
	order := make([]string, 0, 1)
	for i, p := range batch {
		if _, ok := byScope[p.scope]; !ok {
			order = append(order, p.scope)
		}
		byScope[p.scope] = append(byScope[p.scope], i)
	}
	for _, scope := range order {
		idx := byScope[scope]
		keys := make([]string, len(idx))
		for j, i := range idx {
			keys[j] = batch[i].key
		}
		added, err := deduper.AddMany(ctx, scope, keys)
		for j, ok := range added {
			batch[idx[j]].added = ok
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// rollback forgets the keys recorded for events that were not routed, so a
// client retry is not mistaken for a duplicate.
func rollback(deduper Deduper, batch []pending, logger *log.Logger) {
	if deduper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	for _, p := range batch {
		if !p.added {
			continue
		}
		if err := deduper.Remove(ctx, p.scope, p.key); err != nil && logger != nil {
			logger.WithError(err).WithField("key", p.key).Warn("failed to roll back idempotency key")
		}
	}
}

func getSession(tracker Tracker) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := domain.Scope{UserID: c.Param("userId"), GroupID: c.Param("groupId")}
		if !scope.Valid() {
			return c.String(http.StatusBadRequest, "invalid scope")
		}
		session, err := tracker.Session(c.Request().Context(), scope)
		if err != nil {
			if errors.Is(err, entity.ErrUnknownSession) {
				return c.String(http.StatusNotFound, "session not found")
			}
			if errors.Is(err, entity.ErrStopped) {
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, session)
	}
}

func putMember(members Membership) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := members.AddMember(c.Request().Context(), c.Param("groupId"), c.Param("userId")); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to add member")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteMember(members Membership) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := members.RemoveMember(c.Request().Context(), c.Param("groupId"), c.Param("userId")); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to remove member")
		}
		return c.NoContent(http.StatusNoContent)
	}
}
