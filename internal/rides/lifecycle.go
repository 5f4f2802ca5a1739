package rides

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

var ErrInvalidRequest = errors.New("rides: ride and rider are required")

// SubmitRequest attaches a rider's request to a ride, replacing any request
// already pending. The ride document is created if it does not exist yet.
func (s *Service) SubmitRequest(ctx context.Context, rideID, riderID string, pickup models.Place, riderName string) error {
	rideID, riderID = strings.TrimSpace(rideID), strings.TrimSpace(riderID)
	if rideID == "" || riderID == "" {
		return ErrInvalidRequest
	}
	if err := geo.Validate(pickup.Coord()); err != nil {
		return err
	}

	req := models.Request{
		RiderID:   riderID,
		RiderName: strings.TrimSpace(riderName),
		Pickup:    pickup,
		CreatedAt: s.now(),
	}
	ride, err := s.store.MergeRide(ctx, rideID, func(r *models.Ride) {
		r.PendingRequest = &req
	})
	if err != nil {
		s.logger.Error("submit_request_failed", "ride_id", rideID, "rider_id", riderID, "error", err)
		return fmt.Errorf("submit request: %w", err)
	}

	observability.RequestsSubmitted.Inc()
	s.logger.Info("request_submitted", "ride_id", rideID, "rider_id", riderID)
	s.publish(ctx, models.EventRequestSubmitted, ride, riderID)
	return nil
}

// AcceptPendingRequest promotes the pending request to accepted and marks the
// ride ACCEPTED. It reports false when there is nothing to accept, when the
// store fails, or when another writer changed the ride since it was read.
func (s *Service) AcceptPendingRequest(ctx context.Context, rideID string) bool {
	return s.resolve(ctx, rideID, "accept", models.EventRequestAccepted, func(r *models.Ride) {
		r.AcceptedRequest = r.PendingRequest
		r.PendingRequest = nil
		r.Status = models.StatusAccepted
	})
}

// DeclinePendingRequest moves the pending request into the declined history.
// The ride status is left alone.
func (s *Service) DeclinePendingRequest(ctx context.Context, rideID string) bool {
	return s.resolve(ctx, rideID, "decline", models.EventRequestDeclined, func(r *models.Ride) {
		r.DeclinedRequests = append(r.DeclinedRequests, *r.PendingRequest)
		r.PendingRequest = nil
	})
}

func (s *Service) resolve(ctx context.Context, rideID, action string, evType models.RideEventType, apply func(r *models.Ride)) bool {
	log := s.logger.With("ride_id", rideID, "action", action)
	ride, err := s.store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("no_pending_request", "reason", "ride_not_found")
		observability.RequestsResolved.WithLabelValues(action, "no_pending").Inc()
		return false
	}
	if err != nil {
		log.Error("resolve_request_read_failed", "error", err)
		observability.RequestsResolved.WithLabelValues(action, "error").Inc()
		return false
	}
	if ride.PendingRequest == nil {
		log.Info("no_pending_request")
		observability.RequestsResolved.WithLabelValues(action, "no_pending").Inc()
		return false
	}

	riderID := ride.PendingRequest.RiderID
	apply(ride)
	switch err := s.store.UpdateRide(ctx, ride); {
	case errors.Is(err, storage.ErrVersionConflict):
		log.Warn("resolve_request_conflict", "rider_id", riderID)
		observability.RequestsResolved.WithLabelValues(action, "conflict").Inc()
		return false
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("resolve_request_ride_vanished")
		observability.RequestsResolved.WithLabelValues(action, "no_pending").Inc()
		return false
	case err != nil:
		log.Error("resolve_request_write_failed", "error", err)
		observability.RequestsResolved.WithLabelValues(action, "error").Inc()
		return false
	}

	observability.RequestsResolved.WithLabelValues(action, "ok").Inc()
	log.Info("request_resolved", "rider_id", riderID)
	s.publish(ctx, evType, ride, riderID)
	return true
}
