package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tassiluca/location-service/tracker-service/domain"
)

// Router resolves the mailbox of the entity owning key.
type Router interface {
	Resolve(ctx context.Context, key string) (Mailbox, error)
}

const deliverAttempts = 3

type slot struct {
	ready  chan struct{}
	entity *Entity
	err    error
}

// Registry hosts the entities of this worker. Entities are activated on first
// use and passivated after PassivateAfter without activity and without a
// running liveness timer.
type Registry struct {
	cfg            Config
	deps           Deps
	logger         *log.Logger
	passivateAfter time.Duration

	mu       sync.Mutex
	slots    map[string]*slot
	retiring map[string]*Entity
	closed   bool
}

// NewRegistry creates a registry starting entities with cfg and deps.
func NewRegistry(cfg Config, deps Deps, passivateAfter time.Duration) *Registry {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	r := &Registry{
		cfg:            cfg,
		logger:         deps.Logger,
		passivateAfter: passivateAfter,
		slots:          make(map[string]*slot),
		retiring:       make(map[string]*Entity),
	}
	deps.redirect = r.redirect
	r.deps = deps
	return r
}

// Resolve returns the running entity of key, activating it when needed.
func (r *Registry) Resolve(ctx context.Context, key string) (Mailbox, error) {
	return r.activate(ctx, key)
}

func (r *Registry) activate(ctx context.Context, key string) (*Entity, error) {
	scope, err := domain.DecodeScope(key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	s, ok := r.slots[key]
	if !ok {
		s = &slot{ready: make(chan struct{})}
		r.slots[key] = s
		previous := r.retiring[key]
		r.mu.Unlock()
		r.start(s, key, scope, previous)
	} else {
		r.mu.Unlock()
	}

	select {
	case <-s.ready:
		return s.entity, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) start(s *slot, key string, scope domain.Scope, previous *Entity) {
	defer close(s.ready)
	if previous != nil {
		// A passivating entity may still be writing its last entries.
		<-previous.Done()
	}
	s.entity, s.err = Start(scope, r.cfg, r.deps)
	if s.err != nil {
		r.logger.WithError(s.err).WithField("entity", key).Error("failed to activate entity")
		r.mu.Lock()
		if r.slots[key] == s {
			delete(r.slots, key)
		}
		r.mu.Unlock()
	}
}

// forget drops e from the registry once it stopped on its own.
func (r *Registry) forget(key string, e *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[key]; ok && s.entity == e {
		delete(r.slots, key)
		r.retiring[key] = e
		go r.retire(key, e)
	}
}

func (r *Registry) retire(key string, e *Entity) {
	<-e.Done()
	r.mu.Lock()
	if r.retiring[key] == e {
		delete(r.retiring, key)
	}
	r.mu.Unlock()
}

func (r *Registry) tell(ctx context.Context, key string, cmd Command) error {
	var err error
	for range deliverAttempts {
		var e *Entity
		e, err = r.activate(ctx, key)
		if err != nil {
			return err
		}
		if err = e.Tell(cmd); !errors.Is(err, ErrStopped) {
			return err
		}
		r.forget(key, e)
	}
	return err
}

func (r *Registry) redirect(key string, cmd Command) {
	if err := r.tell(context.Background(), key, cmd); err != nil {
		r.logger.WithError(err).WithField("entity", key).Warn("failed to redirect command")
	}
}

// Deliver routes ev to the entity owning its scope.
func (r *Registry) Deliver(ctx context.Context, ev domain.DrivingEvent) error {
	return r.tell(ctx, domain.ScopeOf(ev).Encode(), Event{ev})
}

// Session returns the current session of scope. A scope without a running
// entity is only activated when storage holds something for it, otherwise
// ErrUnknownSession is returned.
func (r *Registry) Session(ctx context.Context, scope domain.Scope) (domain.Session, error) {
	key := scope.Encode()
	if !r.hosts(key) {
		known, err := r.stored(ctx, key)
		if err != nil {
			return domain.Session{}, err
		}
		if !known {
			return domain.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, scope)
		}
	}
	var err error
	for range deliverAttempts {
		var e *Entity
		e, err = r.activate(ctx, key)
		if err != nil {
			return domain.Session{}, err
		}
		var s domain.Session
		if s, err = e.Session(ctx); !errors.Is(err, ErrStopped) {
			return s, err
		}
		r.forget(key, e)
	}
	return domain.Session{}, err
}

func (r *Registry) hosts(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, running := r.slots[key]
	_, retiring := r.retiring[key]
	return running || retiring
}

func (r *Registry) stored(ctx context.Context, key string) (bool, error) {
	snap, err := r.deps.Snapshots.Latest(ctx, key)
	if err != nil {
		return false, err
	}
	if snap != nil {
		return true, nil
	}
	entries, err := r.deps.Journal.Read(ctx, key, 0)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Len returns the number of active entities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Run passivates idle entities until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.passivateAfter <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.passivateAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.passivate(now)
		}
	}
}

func (r *Registry) passivate(now time.Time) int {
	r.mu.Lock()
	idle := make([]*Entity, 0)
	for key, s := range r.slots {
		select {
		case <-s.ready:
		default:
			continue
		}
		if s.entity == nil || !s.entity.idleSince(now, r.passivateAfter) {
			continue
		}
		delete(r.slots, key)
		r.retiring[key] = s.entity
		idle = append(idle, s.entity)
	}
	r.mu.Unlock()

	for _, e := range idle {
		e.Stop()
		go r.retire(e.key, e)
	}
	if len(idle) > 0 {
		r.logger.WithField("count", len(idle)).Debug("passivated idle entities")
	}
	return len(idle)
}

// Shutdown stops every entity and waits for them to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entities := make([]*Entity, 0, len(r.slots)+len(r.retiring))
	for _, s := range r.slots {
		select {
		case <-s.ready:
			if s.entity != nil {
				entities = append(entities, s.entity)
			}
		default:
		}
	}
	for _, e := range r.retiring {
		entities = append(entities, e)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entities {
		g.Go(func() error {
			e.Stop()
			select {
			case <-e.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
