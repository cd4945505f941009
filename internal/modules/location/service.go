// README: Location service validates position updates and answers map queries.
package location

import (
	"context"
	"errors"

	"roadassist/internal/types"
)

var ErrInvalidPosition = errors.New("invalid position")

type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Update stores a helper's current position.
func (s *Service) Update(ctx context.Context, u Update) error {
	if u.UserID == "" || !u.Position.Valid() {
		return ErrInvalidPosition
	}
	return s.store.SetHelperPosition(ctx, u.UserID, u.Position)
}

// Nearby lists active requests around p. radiusKm is clamped to (0, maxRadiusKm].
func (s *Service) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]Nearby, error) {
	if !p.Valid() {
		return nil, ErrInvalidPosition
	}
	if radiusKm <= 0 {
		radiusKm = 10
	}
	if radiusKm > maxRadiusKm {
		radiusKm = maxRadiusKm
	}
	return s.store.NearbyRequests(ctx, p, radiusKm)
}
