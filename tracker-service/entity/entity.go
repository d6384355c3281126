// Package entity runs one sequential process per tracked session.
//
// An Entity owns the session of a single scope. It consumes its inbox in
// arrival order, guards every event, persists accepted transitions before
// applying them and feeds client events to the reaction pipeline, whose
// results come back through the same inbox. A liveness timer turns a client
// that stopped reporting into an offline event.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/tracker-service/domain"
	"github.com/tassiluca/location-service/tracker-service/journal"
)

// Config tunes entity behaviour. Zero values take the defaults below.
type Config struct {
	AliveCheckInterval   time.Duration
	StaleAfter           time.Duration
	SnapshotEvery        uint64
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	InboxSize            int
	ReactionTimeout      time.Duration
	PropagationTimeout   time.Duration
	StorageTimeout       time.Duration
	TolerateReplayErrors bool
}

func (c Config) withDefaults() Config {
	if c.AliveCheckInterval <= 0 {
		c.AliveCheckInterval = 20 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = 100
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.ReactionTimeout <= 0 {
		c.ReactionTimeout = 10 * time.Second
	}
	if c.PropagationTimeout <= 0 {
		c.PropagationTimeout = 5 * time.Second
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = 10 * time.Second
	}
	return c
}

// Reactor derives at most one follow-up event from an accepted client event.
type Reactor interface {
	Run(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error)
}

// Deps are the collaborators shared by all entities.
type Deps struct {
	Journal    journal.Journal
	Snapshots  journal.SnapshotStore
	Reactor    Reactor
	Propagator Propagator
	Logger     *log.Logger
	Now        func() time.Time

	// redirect delivers self-addressed commands that reach a stopped entity.
	redirect func(key string, cmd Command)
}

// Entity is the process owning one session.
type Entity struct {
	key   string
	scope domain.Scope
	cfg   Config
	deps  Deps
	log   *log.Entry

	inbox    chan Command
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
	err      error
	wg       sync.WaitGroup

	session     domain.Session
	seq         uint64
	snapshotSeq uint64
	attempt     int
	timer       *liveness

	activeTimers atomic.Int32
	lastActive   atomic.Int64
}

// Start recovers the session of scope from storage and starts its process.
// A replay failure is returned unless cfg tolerates it.
func Start(scope domain.Scope, cfg Config, deps Deps) (*Entity, error) {
	if !scope.Valid() {
		return nil, domain.ErrInvalidScope
	}
	if deps.Journal == nil || deps.Snapshots == nil {
		return nil, fmt.Errorf("entity: journal and snapshot store required")
	}
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()
	key := scope.Encode()

	e := &Entity{
		key:      key,
		scope:    scope,
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.WithFields(log.Fields{"entity": key, "tag": scope.FanoutTag()}),
		inbox:    make(chan Command, cfg.InboxSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := e.recoverSession(); err != nil {
		e.release()
		return nil, err
	}
	e.rearmLiveness()
	e.touch()
	go e.run()
	return e, nil
}

// Key returns the routing key of the entity.
func (e *Entity) Key() string { return e.key }

// Tell enqueues cmd, waiting while the inbox is full.
func (e *Entity) Tell(cmd Command) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrStopped
	}
	select {
	case e.inbox <- cmd:
		return nil
	case <-e.stopping:
		return ErrStopped
	}
}

func (e *Entity) tryTell(cmd Command) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrStopped
	}
	select {
	case e.inbox <- cmd:
		return nil
	default:
		return errors.New("inbox full")
	}
}

// selfSend enqueues cmd from outside the processing goroutine. Events that
// reach a stopped entity are redirected to its next activation.
func (e *Entity) selfSend(cmd Command) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.Tell(cmd)
		if !errors.Is(err, ErrStopped) {
			return
		}
		if _, ok := cmd.(Event); ok && e.deps.redirect != nil {
			go e.deps.redirect(e.key, cmd)
		}
	}()
}

// Session returns the current session, read in order with other commands.
func (e *Entity) Session(ctx context.Context) (domain.Session, error) {
	q := query{reply: make(chan domain.Session, 1)}
	if err := e.Tell(q); err != nil {
		return domain.Session{}, err
	}
	select {
	case s := <-q.reply:
		return s, nil
	case <-e.done:
		select {
		case s := <-q.reply:
			return s, nil
		default:
			return domain.Session{}, ErrStopped
		}
	case <-ctx.Done():
		return domain.Session{}, ctx.Err()
	}
}

// Stop asks the entity to process what is already queued and exit.
func (e *Entity) Stop() {
	e.stopOnce.Do(func() { close(e.stopping) })
}

// Done is closed once the entity has exited.
func (e *Entity) Done() <-chan struct{} { return e.done }

// Err returns the error the entity stopped with, if any. Valid after Done.
func (e *Entity) Err() error { return e.err }

func (e *Entity) idleSince(now time.Time, d time.Duration) bool {
	if e.activeTimers.Load() > 0 || len(e.inbox) > 0 {
		return false
	}
	return now.Sub(time.Unix(0, e.lastActive.Load())) >= d
}

func (e *Entity) touch() {
	e.lastActive.Store(time.Now().UnixNano())
}

func (e *Entity) now() time.Time {
	return e.deps.Now()
}

func (e *Entity) run() {
	defer e.finish()
	for {
		select {
		case cmd := <-e.inbox:
			if err := e.dispatch(cmd); err != nil {
				e.fail(err)
				return
			}
		case <-e.stopping:
			e.drain()
			return
		}
	}
}

func (e *Entity) dispatch(cmd Command) error {
	e.touch()
	switch c := cmd.(type) {
	case Event:
		err := e.handleEvent(c.DrivingEvent)
		var persistErr *PersistError
		if errors.As(err, &persistErr) {
			return e.restart(err)
		}
		return err
	case AliveCheck:
		e.handleAliveCheck()
	case query:
		c.reply <- e.session
	case Ignore:
	}
	return nil
}

// drain processes the commands that were queued before the entity closed.
func (e *Entity) drain() {
	e.close()
	for {
		select {
		case cmd := <-e.inbox:
			if err := e.dispatch(cmd); err != nil {
				e.fail(err)
				return
			}
		default:
			return
		}
	}
}

func (e *Entity) fail(err error) {
	e.Stop()
	e.close()
	if !errors.Is(err, ErrStopped) {
		e.err = err
		e.log.WithError(err).Error("entity stopped")
	}
	if n := len(e.inbox); n > 0 {
		e.log.WithField("dropped", n).Warn("dropping queued commands")
	}
}

func (e *Entity) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Entity) finish() {
	e.stopLiveness()
	e.wg.Wait()
	e.release()
	close(e.done)
}

func (e *Entity) release() {
	r, ok := e.deps.Journal.(journal.Releaser)
	if !ok {
		return
	}
	if err := r.Release(e.key); err != nil {
		e.log.WithError(err).Warn("failed to release journal")
	}
}

func (e *Entity) storageContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.StorageTimeout)
}

func (e *Entity) handleEvent(ev domain.DrivingEvent) error {
	if !domain.CanBeAppliedTo(ev, e.session) {
		e.log.WithFields(log.Fields{"event": ev.Kind(), "state": e.session.State}).Debug("discarding inapplicable event")
		return nil
	}

	kind := ev.Kind()
	switch {
	case kind == domain.WentOfflineKind:
		e.stopLiveness()
	case kind.ClientOriginated():
		e.startLiveness()
	}
	if kind.ClientOriginated() {
		e.react(e.session, ev)
	}

	next, err := domain.Next(e.session.State, ev, e.session.Tracking)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	seq := e.seq + 1
	entry, err := journal.NewEntry(seq, next, ev, e.now())
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrInvariant, kind, err)
	}
	ctx, cancel := e.storageContext()
	err = e.deps.Journal.Append(ctx, e.key, entry)
	cancel()
	if err != nil {
		return &PersistError{Seq: seq, Err: err}
	}
	e.seq = seq

	updated, err := domain.UpdateWith(e.session, ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if updated.State != next {
		return fmt.Errorf("%w: handler reached %s, transition %s", ErrInvariant, updated.State, next)
	}
	e.session = updated
	e.log.WithFields(log.Fields{"event": kind, "state": next, "seq": seq}).Debug("event accepted")

	e.propagate(seq, entry.Event)

	if kind == domain.RouteStoppedKind || e.seq-e.snapshotSeq >= e.cfg.SnapshotEvery {
		e.snapshot()
	}
	return nil
}

// react runs the pipeline off the processing goroutine. Its result always
// comes back as a command.
func (e *Entity) react(s domain.Session, ev domain.DrivingEvent) {
	if e.deps.Reactor == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.selfSend(e.reaction(s, ev))
	}()
}

func (e *Entity) reaction(s domain.Session, ev domain.DrivingEvent) (cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("event", ev.Kind()).Warnf("reaction panicked: %v", r)
			cmd = Ignore{}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ReactionTimeout)
	defer cancel()

	derived, err := e.deps.Reactor.Run(ctx, s, ev)
	if err != nil {
		e.log.WithError(err).WithField("event", ev.Kind()).Warn("reaction failed")
		return Ignore{}
	}
	if derived == nil {
		return Ignore{}
	}
	return Event{derived}
}

func (e *Entity) snapshot() {
	snap := journal.Snapshot{Seq: e.seq, Session: e.session, TakenAt: e.now().UTC()}
	ctx, cancel := e.storageContext()
	defer cancel()
	if err := e.deps.Snapshots.Save(ctx, e.key, snap); err != nil {
		e.log.WithError(err).WithField("seq", e.seq).Error("failed to save snapshot")
		return
	}
	e.snapshotSeq = e.seq
	if err := e.deps.Journal.Compact(ctx, e.key, e.seq); err != nil {
		e.log.WithError(err).WithField("seq", e.seq).Error("failed to compact journal")
		return
	}
	e.log.WithField("seq", e.seq).Debug("journal compacted")
}
