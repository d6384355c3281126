package entity

import (
	"time"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

// liveness fires AliveCheck on a fixed interval until stopped.
type liveness struct {
	stop chan struct{}
	done chan struct{}
}

func (e *Entity) startLiveness() {
	if e.timer != nil {
		return
	}
	l := &liveness{stop: make(chan struct{}), done: make(chan struct{})}
	e.timer = l
	e.activeTimers.Add(1)

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(e.cfg.AliveCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// A dropped tick is retried on the next one.
				_ = e.tryTell(AliveCheck{})
			case <-l.stop:
				return
			case <-e.stopping:
				return
			}
		}
	}()
}

func (e *Entity) stopLiveness() {
	if e.timer == nil {
		return
	}
	close(e.timer.stop)
	<-e.timer.done
	e.timer = nil
	e.activeTimers.Add(-1)
}

// rearmLiveness restores the timer after recovery for sessions that are still
// expected to report.
func (e *Entity) rearmLiveness() {
	if e.session.LastSample() != nil && e.session.State != domain.StateOffline {
		e.startLiveness()
	}
}

func (e *Entity) handleAliveCheck() {
	last := e.session.LastSample()
	if last == nil {
		return
	}
	now := e.now()
	candidate := domain.NewWentOffline(e.scope, now)
	if !domain.CanBeAppliedTo(candidate, e.session) {
		return
	}
	if now.Sub(last.At) <= e.cfg.StaleAfter {
		return
	}
	e.log.WithField("lastSample", last.At).Info("client stopped reporting")
	e.selfSend(Event{candidate})
}
