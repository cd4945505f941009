package maps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"googlemaps.github.io/maps"

	"roadassist/internal/types"
)

// Route is a driving estimate between two points.
type Route struct {
	ETASeconds     int    `json:"eta_seconds"`
	DistanceMeters int    `json:"distance_meters"`
	Source         string `json:"source"`
}

const (
	SourceMaps      = "maps"
	SourceHaversine = "haversine"
)

// RouteResolver returns a driving estimate from -> to.
type RouteResolver interface {
	ResolveRoute(ctx context.Context, from, to types.Point) (Route, error)
}

var ErrNoRoute = errors.New("no route found")

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// ResolveRoute asks the Directions API for a driving route and returns the first leg.
func (s *RouteService) ResolveRoute(ctx context.Context, from, to types.Point) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      from.LatLng(),
		Destination: to.LatLng(),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return Route{
		ETASeconds:     int(leg.Duration.Seconds()),
		DistanceMeters: leg.Distance.Meters,
		Source:         SourceMaps,
	}, nil
}

// HaversineResolver estimates a route from great-circle distance, a road
// detour factor and an assumed average speed. It never fails.
type HaversineResolver struct {
	SpeedKmh   float64
	RoadFactor float64
}

func (h HaversineResolver) ResolveRoute(_ context.Context, from, to types.Point) (Route, error) {
	factor := h.RoadFactor
	if factor < 1 {
		factor = 1
	}
	km := DistanceKm(from, to) * factor
	hours := km / h.SpeedKmh
	return Route{
		ETASeconds:     int(hours * 3600),
		DistanceMeters: int(km * 1000),
		Source:         SourceHaversine,
	}, nil
}

// FallbackResolver tries Primary and falls back to Fallback on any error.
// A nil Primary means no maps key was configured.
type FallbackResolver struct {
	Primary  RouteResolver
	Fallback RouteResolver
	Log      *slog.Logger
}

func (f *FallbackResolver) ResolveRoute(ctx context.Context, from, to types.Point) (Route, error) {
	if f.Primary != nil {
		route, err := f.Primary.ResolveRoute(ctx, from, to)
		if err == nil {
			return route, nil
		}
		if f.Log != nil {
			f.Log.Warn("route lookup failed, using fallback", "err", err)
		}
	}
	return f.Fallback.ResolveRoute(ctx, from, to)
}
