package entity

import (
	"errors"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// exponentialBackoff doubles initial for every attempt after the first, caps
// the result at max and applies a ±20% jitter.
func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max <= 0 {
		max = 15 * time.Second
	}
	if attempt <= 0 {
		attempt = 1
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// restart runs after a failed append. The entity stops the liveness timer,
// backs off and rebuilds its session from storage, retrying until recovery
// succeeds or the entity is stopped. Commands keep queueing in the inbox.
func (e *Entity) restart(cause error) error {
	e.stopLiveness()
	for {
		e.attempt++
		delay := exponentialBackoff(e.attempt, e.cfg.BackoffInitial, e.cfg.BackoffMax)
		e.log.WithError(cause).WithFields(log.Fields{
			"attempt": e.attempt,
			"backoff": delay.String(),
		}).Warn("restarting entity")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.stopping:
			timer.Stop()
			return ErrStopped
		}

		err := e.recoverSession()
		if err == nil {
			e.attempt = 0
			e.rearmLiveness()
			e.log.WithField("seq", e.seq).Info("entity restarted")
			return nil
		}
		var replayErr *ReplayError
		if errors.As(err, &replayErr) {
			return err
		}
		cause = err
	}
}
