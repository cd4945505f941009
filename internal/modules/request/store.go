// README: Request store backed by PostgreSQL with version-guarded updates.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadassist/internal/types"
)

const openRequestIndex = "requests_one_open_per_requester"

// Repository is the persistence contract of the engine. Update must only
// succeed when the stored status_version still equals version.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id types.ID) (*Request, error)
	Update(ctx context.Context, r *Request, version int) (bool, error)
	Delete(ctx context.Context, id types.ID) (bool, error)
	FindOpenByRequester(ctx context.Context, requesterID types.ID) (*Request, error)
	List(ctx context.Context, f Filter) ([]*Request, error)
	DeleteExpired(ctx context.Context, cutoff time.Time, statuses []Status) ([]*Request, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, id types.ID) ([]Event, error)
}

// Filter narrows List. Party matches either the requester or the helper.
type Filter struct {
	IDs         []types.ID
	Statuses    []Status
	ProblemType ProblemType
	RequesterID types.ID
	HelperID    types.ID
	Party       types.ID
	Limit       int
	Offset      int
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const requestColumns = `
	id, requester_id, helper_id, status, status_version,
	lat, lng, address, problem_type, description, photos, pending_helpers, eta_data,
	created_at, updated_at, assigned_at, helper_completed_at, requester_confirmed_at,
	completed_at, estimated_arrival, cancelled_at, cancel_reason,
	payment_amount, payment_currency, payment_is_paid, payment_paid_at, payment_method`

func (s *Store) Create(ctx context.Context, r *Request) error {
	photos, pending, eta, err := encodeDocs(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO requests (`+requestColumns+`
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25, $26, $27
		)`,
		string(r.ID), string(r.RequesterID), toStringPtr(r.HelperID), string(r.Status), r.StatusVersion,
		r.Location.Lat, r.Location.Lng, r.Location.Address, string(r.ProblemType), r.Description, photos, pending, eta,
		r.CreatedAt, r.UpdatedAt, r.AssignedAt, r.HelperCompletedAt, r.RequesterConfirmedAt,
		r.CompletedAt, r.EstimatedArrival, r.CancelledAt, r.CancelReason,
		r.Payment.OfferedAmount.Amount, r.Payment.OfferedAmount.Currency, r.Payment.IsPaid, r.Payment.PaidAt, r.Payment.Method,
	)
	if isUniqueViolation(err, openRequestIndex) {
		return ErrOpenRequest
	}
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Update writes every mutable column of r when the row is still at version.
// Payment columns are owned by the payment store and are not written here.
func (s *Store) Update(ctx context.Context, r *Request, version int) (bool, error) {
	photos, pending, eta, err := encodeDocs(r)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET helper_id = $1,
			status = $2,
			status_version = status_version + 1,
			photos = $3,
			pending_helpers = $4,
			eta_data = $5,
			updated_at = $6,
			assigned_at = $7,
			helper_completed_at = $8,
			requester_confirmed_at = $9,
			completed_at = $10,
			estimated_arrival = $11,
			cancelled_at = $12,
			cancel_reason = $13
		WHERE id = $14 AND status_version = $15`,
		toStringPtr(r.HelperID), string(r.Status),
		photos, pending, eta,
		r.UpdatedAt, r.AssignedAt, r.HelperCompletedAt, r.RequesterConfirmedAt,
		r.CompletedAt, r.EstimatedArrival, r.CancelledAt, r.CancelReason,
		string(r.ID), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Delete(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM requests WHERE id = $1`, string(id))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindOpenByRequester returns nil when the requester has no open request.
func (s *Store) FindOpenByRequester(ctx context.Context, requesterID types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE requester_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1`, string(requesterID), statusStrings(OpenStatuses))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *Store) List(ctx context.Context, f Filter) ([]*Request, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.IDs) > 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = string(id)
		}
		add("id = ANY($%d)", ids)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	if f.ProblemType != "" {
		add("problem_type = $%d", string(f.ProblemType))
	}
	if f.RequesterID != "" {
		add("requester_id = $%d", string(f.RequesterID))
	}
	if f.HelperID != "" {
		add("helper_id = $%d", string(f.HelperID))
	}
	if f.Party != "" {
		args = append(args, string(f.Party))
		where = append(where, fmt.Sprintf("(requester_id = $%d OR helper_id = $%d)", len(args), len(args)))
	}

	q := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteExpired removes requests in one of statuses created before cutoff and
// returns what it removed.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time, statuses []Status) ([]*Request, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM requests
		WHERE created_at < $1 AND status = ANY($2)
		RETURNING `+requestColumns, cutoff, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO request_state_events (
			request_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RequestID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *Store) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, from_status, to_status, actor_type, actor_id, created_at
		FROM request_state_events
		WHERE request_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			a := types.ID(*actorID)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		r                       Request
		helperID                *string
		photos, pending, etaDoc []byte
	)
	err := row.Scan(
		&r.ID, &r.RequesterID, &helperID, &r.Status, &r.StatusVersion,
		&r.Location.Lat, &r.Location.Lng, &r.Location.Address, &r.ProblemType, &r.Description, &photos, &pending, &etaDoc,
		&r.CreatedAt, &r.UpdatedAt, &r.AssignedAt, &r.HelperCompletedAt, &r.RequesterConfirmedAt,
		&r.CompletedAt, &r.EstimatedArrival, &r.CancelledAt, &r.CancelReason,
		&r.Payment.OfferedAmount.Amount, &r.Payment.OfferedAmount.Currency, &r.Payment.IsPaid, &r.Payment.PaidAt, &r.Payment.Method,
	)
	if err != nil {
		return nil, err
	}
	if helperID != nil {
		h := types.ID(*helperID)
		r.HelperID = &h
	}
	if err := json.Unmarshal(photos, &r.Photos); err != nil {
		return nil, fmt.Errorf("decode photos of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(pending, &r.PendingHelpers); err != nil {
		return nil, fmt.Errorf("decode pending helpers of %s: %w", r.ID, err)
	}
	if len(etaDoc) > 0 {
		var eta ETAData
		if err := json.Unmarshal(etaDoc, &eta); err != nil {
			return nil, fmt.Errorf("decode eta of %s: %w", r.ID, err)
		}
		r.ETA = &eta
	}
	if r.Photos == nil {
		r.Photos = []Photo{}
	}
	if r.PendingHelpers == nil {
		r.PendingHelpers = []PendingHelper{}
	}
	return &r, nil
}

func encodeDocs(r *Request) (photos, pending, eta []byte, err error) {
	ph := r.Photos
	if ph == nil {
		ph = []Photo{}
	}
	if photos, err = json.Marshal(ph); err != nil {
		return nil, nil, nil, err
	}
	pd := r.PendingHelpers
	if pd == nil {
		pd = []PendingHelper{}
	}
	if pending, err = json.Marshal(pd); err != nil {
		return nil, nil, nil, err
	}
	if r.ETA != nil {
		if eta, err = json.Marshal(r.ETA); err != nil {
			return nil, nil, nil, err
		}
	}
	return photos, pending, eta, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
