// Package rides owns every write to a ride document: hosts publishing and
// activating rides, host location reports, and the rider request cycle.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/session"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/watch"
)

var (
	ErrMissingRoute = errors.New("rides: pickup and drop are required")
	ErrInvalidTerms = errors.New("rides: seats and price must not be negative")
	ErrMissingHost  = errors.New("rides: host is required")
)

// Events receives ride lifecycle events after the write has landed.
type Events interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent)
}

type Service struct {
	store  storage.RideStore
	source watch.Source
	events Events
	logger *slog.Logger
	now    func() time.Time
}

// New wires a service; events may be nil.
func New(store storage.RideStore, source watch.Source, events Events, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		source: source,
		events: events,
		logger: logging.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type PublishInput struct {
	HostID      string
	Pickup      *models.Place
	Drop        *models.Place
	Car         *models.Car
	Seats       int
	Price       float64
	CountryCode string
	TripType    models.TripType
	DepartAt    *time.Time
}

// Publish creates a ride in PUBLISHED status and returns it.
func (s *Service) Publish(ctx context.Context, in PublishInput) (*models.Ride, error) {
	if strings.TrimSpace(in.HostID) == "" {
		return nil, ErrMissingHost
	}
	if in.Pickup == nil || in.Drop == nil {
		return nil, ErrMissingRoute
	}
	for _, p := range []*models.Place{in.Pickup, in.Drop} {
		if err := geo.Validate(p.Coord()); err != nil {
			return nil, err
		}
	}
	if in.Seats < 0 || in.Price < 0 {
		return nil, ErrInvalidTerms
	}
	tripType := in.TripType
	if tripType == "" {
		tripType = models.TripOneTime
	}

	id := uuid.NewString()
	ride, err := s.store.MergeRide(ctx, id, func(r *models.Ride) {
		r.Status = models.StatusPublished
		r.HostID = in.HostID
		r.Pickup = in.Pickup
		r.Drop = in.Drop
		r.Car = in.Car
		r.Seats = in.Seats
		r.Price = in.Price
		r.Currency = session.CurrencyFor(in.CountryCode)
		r.TripType = tripType
		r.DepartAt = in.DepartAt
	})
	if err != nil {
		s.logger.Error("publish_ride_failed", "host_id", in.HostID, "error", err)
		return nil, fmt.Errorf("publish ride: %w", err)
	}
	observability.RidesPublished.Inc()
	s.logger.Info("ride_published", "ride_id", id, "host_id", in.HostID)
	s.publish(ctx, models.EventRidePublished, ride, "")
	return ride, nil
}

// Activate makes hostID the ride's host and puts it in the matchable state.
func (s *Service) Activate(ctx context.Context, rideID, hostID string) (*models.Ride, error) {
	if strings.TrimSpace(hostID) == "" {
		return nil, ErrMissingHost
	}
	ride, err := s.store.MergeRide(ctx, rideID, func(r *models.Ride) {
		r.HostID = hostID
		r.Status = models.StatusAccepted
	})
	if err != nil {
		s.logger.Error("activate_ride_failed", "ride_id", rideID, "host_id", hostID, "error", err)
		return nil, fmt.Errorf("activate ride: %w", err)
	}
	s.logger.Info("ride_activated", "ride_id", rideID, "host_id", hostID)
	s.publish(ctx, models.EventRideActivated, ride, "")
	return ride, nil
}

// UpdateHostLocation records where the host is now. Like SubmitRequest it
// merges, so a report for an unknown ride creates the document.
func (s *Service) UpdateHostLocation(ctx context.Context, rideID string, lat, lng float64) error {
	return s.ApplyHostLocation(ctx, rideID, lat, lng, s.now())
}

// ApplyHostLocation records a position reported at at. A report older than
// the stored position is skipped, so replayed reports never move the host
// backwards. A zero at means now.
func (s *Service) ApplyHostLocation(ctx context.Context, rideID string, lat, lng float64, at time.Time) error {
	if err := geo.Validate(models.Coord{Lat: lat, Lng: lng}); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	if cur, err := s.store.GetRide(ctx, rideID); err == nil && isStale(cur, at) {
		s.logger.Debug("host_location_stale", "ride_id", rideID, "at", at)
		return nil
	}

	stale := false
	_, err := s.store.MergeRide(ctx, rideID, func(r *models.Ride) {
		if isStale(r, at) {
			stale = true
			return
		}
		r.HostLocation = &models.HostLocation{Lat: lat, Lng: lng, UpdatedAt: at}
	})
	if err != nil {
		s.logger.Error("host_location_failed", "ride_id", rideID, "error", err)
		return fmt.Errorf("update host location: %w", err)
	}
	if stale {
		s.logger.Debug("host_location_stale", "ride_id", rideID, "at", at)
		return nil
	}
	observability.HostLocations.Inc()
	s.logger.Debug("host_location_updated", "ride_id", rideID)
	return nil
}

func isStale(r *models.Ride, at time.Time) bool {
	return r != nil && r.HostLocation != nil && at.Before(r.HostLocation.UpdatedAt)
}

func (s *Service) Get(ctx context.Context, rideID string) *models.Ride {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("get_ride_failed", "ride_id", rideID, "error", err)
		}
		return nil
	}
	return ride
}

// ListPendingRequests collects the waiting requests across a host's rides.
func (s *Service) ListPendingRequests(ctx context.Context, hostID string) []models.PendingRequest {
	rides, err := s.store.ListRidesByHost(ctx, hostID)
	if err != nil {
		s.logger.Warn("list_pending_failed", "host_id", hostID, "error", err)
		return []models.PendingRequest{}
	}
	out := make([]models.PendingRequest, 0)
	for _, r := range rides {
		if r.PendingRequest != nil {
			out = append(out, models.PendingRequest{RideID: r.ID, Request: *r.PendingRequest})
		}
	}
	return out
}

// SubscribeRide streams full snapshots of one ride; fn gets nil while the
// ride does not exist.
func (s *Service) SubscribeRide(ctx context.Context, rideID string, fn func(*models.Ride)) *watch.Subscription {
	load := func(ctx context.Context) (*models.Ride, error) {
		ride, err := s.store.GetRide(ctx, rideID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return ride, err
	}
	return watch.Watch(ctx, s.source, watch.Match(storage.CollectionRides, rideID), load, fn, s.logger)
}

func (s *Service) publish(ctx context.Context, t models.RideEventType, ride *models.Ride, riderID string) {
	if s.events == nil || ride == nil {
		return
	}
	s.events.PublishRideEvent(ctx, models.RideEvent{
		Type:    t,
		RideID:  ride.ID,
		HostID:  ride.HostID,
		RiderID: riderID,
		At:      s.now(),
	})
}
