package storage

import (
	"context"
	"errors"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/watch"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrVersionConflict = errors.New("storage: version conflict")
)

// Collections named in change events.
const (
	CollectionRides    = "rides"
	CollectionMessages = "messages"
	CollectionTyping   = "typing"
	CollectionRatings  = "ratings"
)

// RideStore persists ride documents.
//
// MergeRide is a create-or-merge: apply receives the stored ride (or a fresh
// one carrying only the ID) and the result is written back unconditionally.
// UpdateRide writes r only if the stored version still equals r.Version and
// bumps r.Version on success.
type RideStore interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
	ListRidesByHost(ctx context.Context, hostID string) ([]*models.Ride, error)
	MergeRide(ctx context.Context, id string, apply func(r *models.Ride)) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error
}

type MessageStore interface {
	AddMessage(ctx context.Context, m *models.Message) error
	// ListThread returns a thread's messages oldest first.
	ListThread(ctx context.Context, threadID string) ([]models.Message, error)
	SetMessageStatus(ctx context.Context, id string, status models.MessageStatus) error
	SetTyping(ctx context.Context, t models.Typing) error
	ListTyping(ctx context.Context, threadID string) ([]models.Typing, error)
}

type RatingStore interface {
	AddRating(ctx context.Context, r *models.Rating) error
	// ListHostRatings returns a host's ratings oldest first.
	ListHostRatings(ctx context.Context, hostID string) ([]models.Rating, error)
}

// Store is a full backend: documents plus their change feed.
type Store interface {
	RideStore
	MessageStore
	RatingStore
	watch.Source
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
