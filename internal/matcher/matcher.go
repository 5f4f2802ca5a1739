package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/routing"
)

// DefaultRadiusKm applies when a search names no radius at all.
const DefaultRadiusKm = 5.0

// RideQuerier is the slice of the ride store matching needs.
type RideQuerier interface {
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
}

type Service struct {
	Rides           RideQuerier
	DefaultRadiusKm float64
	// SpeedMps feeds the pickup ETA on candidates; <= 0 uses routing.DefaultSpeedMps.
	SpeedMps float64
	Logger   *slog.Logger
}

// Candidate is a nearby ride with its distance from the rider's pickup.
type Candidate struct {
	Ride       *models.Ride `json:"ride"`
	DistanceKm float64      `json:"distance_km"`
	ETASeconds float64      `json:"eta_seconds"`
}

// FindNearbyRides lists matchable rides whose host is within maxKm of pickup,
// in store order. maxKm is applied as given, so a negative radius matches
// nothing. It never fails: a store error is logged and answered with an empty
// list.
func (s *Service) FindNearbyRides(ctx context.Context, pickup models.Coord, maxKm float64) []*models.Ride {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()
	observability.NearbySearches.Inc()

	rides, err := s.Rides.ListRidesByStatus(ctx, models.StatusAccepted)
	if err != nil {
		observability.MatchDegraded.Inc()
		logging.OrDefault(s.Logger).Warn("nearby_rides_query_failed", "error", err)
		return []*models.Ride{}
	}

	matchable := rides[:0]
	for _, r := range rides {
		if r.Matchable() {
			matchable = append(matchable, r)
		}
	}
	out := geo.Within(pickup, maxKm, matchable, geo.RideHost)
	observability.NearbyResults.Observe(float64(len(out)))
	return out
}

// NearestCandidates is FindNearbyRides ordered nearest-first and annotated
// with distance and a naive pickup ETA. limit <= 0 keeps every match.
func (s *Service) NearestCandidates(ctx context.Context, pickup models.Coord, maxKm float64, limit int) []Candidate {
	rides := geo.Nearest(pickup, s.FindNearbyRides(ctx, pickup, maxKm), geo.RideHost, limit)
	out := make([]Candidate, 0, len(rides))
	for _, r := range rides {
		host, _ := r.HostCoord()
		out = append(out, Candidate{
			Ride:       r,
			DistanceKm: geo.DistanceKm(pickup, host),
			ETASeconds: routing.EstimateSeconds(host, pickup, s.SpeedMps),
		})
	}
	return out
}

// DefaultRadius is the radius callers use when the rider gave none.
func (s *Service) DefaultRadius() float64 {
	if s.DefaultRadiusKm > 0 {
		return s.DefaultRadiusKm
	}
	return DefaultRadiusKm
}
