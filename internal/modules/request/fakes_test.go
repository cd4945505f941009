package request

import (
	"context"
	"sync"
	"time"

	"roadassist/internal/modules/notify"
	"roadassist/internal/types"
)

func (m *MemoryStore) backdate(id types.ID, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].CreatedAt = time.Now().UTC().Add(-age)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) find(t notify.EventType, userID types.ID) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Type == t && (userID == "" || ev.UserID == userID) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type memLocator struct {
	mu      sync.Mutex
	indexed map[types.ID]types.Point
	helpers map[types.ID]types.Point
}

func newMemLocator() *memLocator {
	return &memLocator{indexed: map[types.ID]types.Point{}, helpers: map[types.ID]types.Point{}}
}

func (l *memLocator) IndexRequest(_ context.Context, id types.ID, p types.Point) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.indexed[id] = p
	return nil
}

func (l *memLocator) RemoveRequest(_ context.Context, id types.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.indexed, id)
	return nil
}

func (l *memLocator) SetHelperPosition(_ context.Context, id types.ID, p types.Point) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.helpers[id] = p
	return nil
}

func (l *memLocator) HelperPosition(_ context.Context, id types.ID) (types.Point, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.helpers[id]
	return p, ok, nil
}

func (l *memLocator) isIndexed(id types.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.indexed[id]
	return ok
}

type gateFunc func(ctx context.Context, id types.ID) (bool, error)

func (f gateFunc) IsPaid(ctx context.Context, id types.ID) (bool, error) { return f(ctx, id) }
