package entity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tassiluca/location-service/tracker-service/domain"
	"github.com/tassiluca/location-service/tracker-service/journal"
)

type memJournal struct {
	mu          sync.Mutex
	entries     map[string][]journal.Entry
	failAppends int
	appends     int
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[string][]journal.Entry)}
}

func (j *memJournal) Append(_ context.Context, key string, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appends++
	if j.failAppends > 0 {
		j.failAppends--
		return errors.New("disk full")
	}
	if n := len(j.entries[key]); n > 0 && j.entries[key][n-1].Seq >= e.Seq {
		return journal.ErrOutOfOrder
	}
	j.entries[key] = append(j.entries[key], e)
	return nil
}

func (j *memJournal) Read(_ context.Context, key string, afterSeq uint64) ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]journal.Entry, 0)
	for _, e := range j.entries[key] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *memJournal) Compact(_ context.Context, key string, uptoSeq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := make([]journal.Entry, 0)
	for _, e := range j.entries[key] {
		if e.Seq > uptoSeq {
			kept = append(kept, e)
		}
	}
	j.entries[key] = kept
	return nil
}

func (j *memJournal) snapshotOf(key string) []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries[key]...)
}

func (j *memJournal) put(key string, entries ...journal.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[key] = append(j.entries[key], entries...)
}

type memSnapshots struct {
	mu    sync.Mutex
	saved map[string]journal.Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{saved: make(map[string]journal.Snapshot)}
}

func (s *memSnapshots) Save(_ context.Context, key string, snap journal.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[key] = snap
	return nil
}

func (s *memSnapshots) Latest(_ context.Context, key string) (*journal.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.saved[key]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

type recordingPropagator struct {
	mu      sync.Mutex
	updates []GroupUpdate
}

func (p *recordingPropagator) Propagate(_ context.Context, u GroupUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPropagator) all() []GroupUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]GroupUpdate(nil), p.updates...)
}

type reactorFunc func(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error)

func (f reactorFunc) Run(ctx context.Context, s domain.Session, ev domain.DrivingEvent) (domain.DrivingEvent, error) {
	return f(ctx, s, ev)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
