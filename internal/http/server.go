package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/chat"
	"github.com/example/carpool/internal/geocode"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/ratings"
	"github.com/example/carpool/internal/rides"
	"github.com/example/carpool/internal/routing"
)

// Geocoder is the place search used by the REST and streaming endpoints.
type Geocoder interface {
	Search(ctx context.Context, q geocode.Query) []geocode.Result
}

// LocationPublisher forwards host positions to the event bus.
type LocationPublisher interface {
	PublishHostLocation(ctx context.Context, u models.HostLocationUpdate) error
}

// Deps are the services a Server exposes. Geocoder and Locations may be nil.
type Deps struct {
	Rides     *rides.Service
	Matcher   *matcher.Service
	Chat      *chat.Service
	Ratings   *ratings.Service
	Planner   *routing.Planner
	Geocoder  Geocoder
	Locations LocationPublisher
	Logger    *slog.Logger
}

type Server struct {
	rides     *rides.Service
	matcher   *matcher.Service
	chat      *chat.Service
	ratings   *ratings.Service
	planner   *routing.Planner
	geocoder  Geocoder
	locations LocationPublisher
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		rides:     d.Rides,
		matcher:   d.Matcher,
		chat:      d.Chat,
		ratings:   d.Ratings,
		planner:   d.Planner,
		geocoder:  d.Geocoder,
		locations: d.Locations,
		logger:    logging.OrDefault(d.Logger),
		mux:       mux.NewRouter(),
	}
	if s.planner == nil {
		s.planner = &routing.Planner{Logger: s.logger}
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handlePublishRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/nearby", s.handleNearbyRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/activate", s.handleActivateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/host-location", s.handleHostLocation).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/requests", s.handleSubmitRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/requests/accept", s.handleAcceptRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/requests/decline", s.handleDeclineRequest).Methods(http.MethodPost)

	api.HandleFunc("/hosts/{id}/pending-requests", s.handlePendingRequests).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{id}/ratings", s.handleHostRatings).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{id}/ratings", s.handleSubmitRating).Methods(http.MethodPost)

	api.HandleFunc("/threads/{id}/messages", s.handleThreadMessages).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/typing", s.handleTyping).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/status", s.handleMessageStatus).Methods(http.MethodPost)

	api.HandleFunc("/geocode", s.handleGeocode).Methods(http.MethodGet)
	api.HandleFunc("/route", s.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/session/sign-in", s.handleSignIn).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/rides/{id}", s.handleRideStream)
	s.mux.HandleFunc("/ws/threads/{id}", s.handleThreadStream)
	s.mux.HandleFunc("/ws/threads/{id}/typing", s.handleTypingStream)
	s.mux.HandleFunc("/ws/hosts/{id}/ratings", s.handleRatingsStream)
	s.mux.HandleFunc("/ws/geocode", s.handleGeocodeStream)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
