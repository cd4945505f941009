// README: In-memory repository for local runs without PostgreSQL and for tests.
package request

import (
	"context"
	"slices"
	"sync"
	"time"

	"roadassist/internal/types"
)

// MemoryStore mirrors Store semantics in memory, including the version guard
// and the one-open-request-per-requester index.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[types.ID]*Request
	events []Event
	// beforeUpdate runs without the lock before each Update.
	beforeUpdate func(id types.ID)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[types.ID]*Request{}}
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.RequesterID == r.RequesterID && row.Status.IsOpen() {
			return ErrOpenRequest
		}
	}
	m.rows[r.ID] = r.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Request, version int) (bool, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate(r.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[r.ID]
	if !ok || cur.StatusVersion != version {
		return false, nil
	}
	next := r.clone()
	next.StatusVersion = version + 1
	next.Payment = cur.Payment
	m.rows[r.ID] = next
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, id types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *MemoryStore) FindOpenByRequester(_ context.Context, requesterID types.ID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.RequesterID == requesterID && r.Status.IsOpen() {
			return r.clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Request{}
	for _, r := range m.rows {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			continue
		}
		if f.ProblemType != "" && r.ProblemType != f.ProblemType {
			continue
		}
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		if f.HelperID != "" && !r.IsAssignedTo(f.HelperID) {
			continue
		}
		if f.Party != "" && !r.IsParty(f.Party) {
			continue
		}
		out = append(out, r.clone())
	}
	slices.SortFunc(out, func(a, b *Request) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time, statuses []Status) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for id, r := range m.rows {
		if r.CreatedAt.Before(cutoff) && slices.Contains(statuses, r.Status) {
			out = append(out, r)
			delete(m.rows, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *e
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) IsPaid(_ context.Context, id types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return false, ErrNotFound
	}
	return r.Payment.IsPaid, nil
}

// MarkPaid flips the paid flag once and reports whether this call did it.
// Cancelled requests cannot be paid.
func (m *MemoryStore) MarkPaid(_ context.Context, id types.ID, method string, at time.Time) (Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return Payment{}, false, ErrNotFound
	}
	if r.Payment.IsPaid {
		return r.Payment, false, nil
	}
	if r.Status == StatusCancelled {
		return Payment{}, false, ErrInvalidState
	}
	r.Payment.IsPaid = true
	r.Payment.PaidAt = &at
	r.Payment.Method = method
	return r.Payment, true, nil
}

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*Store)(nil)
)
