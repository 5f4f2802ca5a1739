package routing

import (
	"context"
	"log/slog"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// DefaultSpeedMps is ~28.8 km/h, a city driving average.
const DefaultSpeedMps = 8.0

// Route is an ordered driving path between two points.
type Route struct {
	Points          []models.Coord `json:"points"`
	DistanceKm      float64        `json:"distance_km"`
	DurationSeconds float64        `json:"duration_seconds"`
	// Fallback marks a straight line drawn because no road route was available.
	Fallback bool `json:"fallback"`
}

// Client is the interface used by the planner to fetch road routes.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// EstimateSeconds is a naive ETA: great-circle distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

// Straight is the two-point line used when routing fails.
func Straight(from, to models.Coord) Route {
	return Route{
		Points:          []models.Coord{from, to},
		DistanceKm:      geo.DistanceKm(from, to),
		DurationSeconds: EstimateSeconds(from, to, DefaultSpeedMps),
		Fallback:        true,
	}
}

type Planner struct {
	Client Client
	Logger *slog.Logger
}

// RouteOrStraight never fails: without a client, or when the client errors or
// returns an empty path, the straight line is returned.
func (p *Planner) RouteOrStraight(ctx context.Context, from, to models.Coord) Route {
	if p.Client != nil {
		r, err := p.Client.Route(ctx, from, to)
		if err == nil && len(r.Points) >= 2 {
			return r
		}
		if err == nil {
			err = errEmptyRoute
		}
		logging.OrDefault(p.Logger).Warn("route_fallback_straight_line",
			"from_lat", from.Lat, "from_lng", from.Lng, "to_lat", to.Lat, "to_lng", to.Lng, "error", err)
	}
	observability.RouteFallbacks.Inc()
	return Straight(from, to)
}
