// README: Ledger over the in-memory request store.
package payment

import (
	"context"
	"errors"
	"time"

	"roadassist/internal/modules/request"
	"roadassist/internal/types"
)

type MemoryLedger struct {
	store *request.MemoryStore
}

func NewMemoryLedger(store *request.MemoryStore) *MemoryLedger {
	return &MemoryLedger{store: store}
}

func (l *MemoryLedger) IsPaid(ctx context.Context, id types.ID) (bool, error) {
	paid, err := l.store.IsPaid(ctx, id)
	return paid, translate(err)
}

func (l *MemoryLedger) MarkPaid(ctx context.Context, id types.ID, method string, at time.Time) (Receipt, bool, error) {
	p, fresh, err := l.store.MarkPaid(ctx, id, method, at)
	if err != nil {
		return Receipt{}, false, translate(err)
	}
	rec := Receipt{RequestID: id, Amount: p.OfferedAmount, Method: p.Method}
	if p.PaidAt != nil {
		rec.PaidAt = *p.PaidAt
	}
	return rec, fresh, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, request.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, request.ErrInvalidState):
		return ErrInvalidState
	}
	return err
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*Store)(nil)
)
