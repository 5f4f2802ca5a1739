package ratings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/watch"
)

var (
	ErrInvalidRating = errors.New("ratings: rating must be between 1 and 5")
	ErrMissingHost   = errors.New("ratings: host is required")
)

type Stats struct {
	Avg   float64         `json:"avg"`
	Count int             `json:"count"`
	Items []models.Rating `json:"items"`
}

type Service struct {
	store  storage.RatingStore
	source watch.Source
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.RatingStore, source watch.Source, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		source: source,
		logger: logging.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a 1..5 rating of a host and returns its ID. riderID may be
// empty.
func (s *Service) Submit(ctx context.Context, hostID, riderID string, rating int) (string, error) {
	if strings.TrimSpace(hostID) == "" {
		return "", ErrMissingHost
	}
	if rating < 1 || rating > 5 {
		return "", ErrInvalidRating
	}
	r := &models.Rating{
		ID:        ulid.Make().String(),
		HostID:    hostID,
		RiderID:   riderID,
		Rating:    rating,
		CreatedAt: s.now(),
	}
	if err := s.store.AddRating(ctx, r); err != nil {
		s.logger.Warn("submit_rating_failed", "host_id", hostID, "error", err)
		return "", fmt.Errorf("submit rating: %w", err)
	}
	return r.ID, nil
}

func (s *Service) HostRatings(ctx context.Context, hostID string) []models.Rating {
	items, err := s.store.ListHostRatings(ctx, hostID)
	if err != nil {
		s.logger.Warn("host_ratings_failed", "host_id", hostID, "error", err)
		return []models.Rating{}
	}
	return items
}

func (s *Service) HostStats(ctx context.Context, hostID string) Stats {
	return statsOf(s.HostRatings(ctx, hostID))
}

func (s *Service) SubscribeHost(ctx context.Context, hostID string, fn func([]models.Rating)) *watch.Subscription {
	return watch.Watch(ctx, s.source, watch.Match(storage.CollectionRatings, hostID),
		func(ctx context.Context) ([]models.Rating, error) { return s.store.ListHostRatings(ctx, hostID) },
		fn, s.logger)
}

func statsOf(items []models.Rating) Stats {
	st := Stats{Count: len(items), Items: items}
	if st.Count == 0 {
		return st
	}
	sum := 0
	for _, it := range items {
		sum += it.Rating
	}
	st.Avg = float64(sum) / float64(st.Count)
	return st
}
