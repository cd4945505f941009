// README: Location store backed by Redis GEO sets.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"roadassist/internal/types"
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// IndexRequest mirrors an active request's location for map queries.
func (s *Store) IndexRequest(ctx context.Context, id types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, requestGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (s *Store) RemoveRequest(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, requestGeoKey, string(id)).Err()
}

// NearbyRequests returns indexed requests within radiusKm, closest first.
func (s *Store) NearbyRequests(ctx context.Context, p types.Point, radiusKm float64) ([]Nearby, error) {
	results, err := s.redis.GeoSearchLocation(ctx, requestGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, len(results))
	for i, r := range results {
		out[i] = Nearby{
			RequestID:  types.ID(r.Name),
			Position:   types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm: r.Dist,
		}
	}
	return out, nil
}

// SetHelperPosition records a helper's last known position.
func (s *Store) SetHelperPosition(ctx context.Context, id types.ID, p types.Point) error {
	pipe := s.redis.Pipeline()
	pipe.GeoAdd(ctx, helperGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	})
	pipe.Set(ctx, helperSeenKey(id), time.Now().UTC().Format(time.RFC3339), helperSeenTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// HelperPosition returns the helper's last known position if it is fresh.
func (s *Store) HelperPosition(ctx context.Context, id types.ID) (types.Point, bool, error) {
	if err := s.redis.Get(ctx, helperSeenKey(id)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Point{}, false, nil
		}
		return types.Point{}, false, err
	}
	pos, err := s.redis.GeoPos(ctx, helperGeoKey, string(id)).Result()
	if err != nil {
		return types.Point{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return types.Point{}, false, nil
	}
	return types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true, nil
}

func helperSeenKey(id types.ID) string {
	return fmt.Sprintf(helperSeenPrefix, string(id))
}
