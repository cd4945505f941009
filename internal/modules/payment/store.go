// README: Payment store over the payment columns of the requests table.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadassist/internal/types"
)

// Ledger is the persistence contract of the payment module.
type Ledger interface {
	IsPaid(ctx context.Context, id types.ID) (bool, error)
	MarkPaid(ctx context.Context, id types.ID, method string, at time.Time) (Receipt, bool, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) IsPaid(ctx context.Context, id types.ID) (bool, error) {
	var paid bool
	err := s.db.QueryRow(ctx, `SELECT payment_is_paid FROM requests WHERE id = $1`, string(id)).Scan(&paid)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return paid, err
}

// MarkPaid flips the paid flag once. The bool result is false when the
// request had already been paid; the stored receipt is returned then.
func (s *Store) MarkPaid(ctx context.Context, id types.ID, method string, at time.Time) (Receipt, bool, error) {
	rec := Receipt{RequestID: id}
	err := s.db.QueryRow(ctx, `
		UPDATE requests
		SET payment_is_paid = TRUE,
			payment_paid_at = $2,
			payment_method = $3
		WHERE id = $1 AND NOT payment_is_paid AND status <> 'cancelled'
		RETURNING payment_amount, payment_currency, payment_method, payment_paid_at`,
		string(id), at, method,
	).Scan(&rec.Amount.Amount, &rec.Amount.Currency, &rec.Method, &rec.PaidAt)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, false, err
	}

	var (
		paid   bool
		status string
		paidAt *time.Time
	)
	err = s.db.QueryRow(ctx, `
		SELECT payment_is_paid, status, payment_amount, payment_currency, payment_method, payment_paid_at
		FROM requests WHERE id = $1`, string(id),
	).Scan(&paid, &status, &rec.Amount.Amount, &rec.Amount.Currency, &rec.Method, &paidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, false, ErrNotFound
	}
	if err != nil {
		return Receipt{}, false, err
	}
	if !paid {
		return Receipt{}, false, ErrInvalidState
	}
	if paidAt != nil {
		rec.PaidAt = *paidAt
	}
	return rec, false, nil
}
