package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/chat"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/geocode"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/ratings"
	"github.com/example/carpool/internal/rides"
	"github.com/example/carpool/internal/session"
)

const maxBodyBytes = 1 << 20

type publishRideBody struct {
	HostID   string          `json:"host_id"`
	Pickup   *models.Place   `json:"pickup"`
	Drop     *models.Place   `json:"drop"`
	Car      *models.Car     `json:"car"`
	Seats    int             `json:"seats"`
	Price    float64         `json:"price"`
	TripType models.TripType `json:"trip_type"`
	DepartAt *time.Time      `json:"depart_at"`
}

func (s *Server) handlePublishRide(w http.ResponseWriter, r *http.Request) {
	var body publishRideBody
	if !decodeBody(w, r, &body) {
		return
	}
	sess := session.FromContext(r.Context())
	ride, err := s.rides.Publish(r.Context(), rides.PublishInput{
		HostID:      firstNonEmpty(body.HostID, sess.UserID()),
		Pickup:      body.Pickup,
		Drop:        body.Drop,
		Car:         body.Car,
		Seats:       body.Seats,
		Price:       body.Price,
		CountryCode: sess.Country().Code,
		TripType:    body.TripType,
		DepartAt:    body.DepartAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if ride == nil {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleActivateRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HostID string `json:"host_id"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	hostID := firstNonEmpty(body.HostID, session.FromContext(r.Context()).UserID())
	ride, err := s.rides.Activate(r.Context(), mux.Vars(r)["id"], hostID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleHostLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Lat == nil || body.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	rideID := mux.Vars(r)["id"]
	at := time.Now().UTC()
	if err := s.rides.ApplyHostLocation(r.Context(), rideID, *body.Lat, *body.Lng, at); err != nil {
		writeServiceError(w, err)
		return
	}
	if s.locations != nil {
		u := models.HostLocationUpdate{RideID: rideID, Lat: *body.Lat, Lng: *body.Lng, At: at}
		if err := s.locations.PublishHostLocation(r.Context(), u); err != nil {
			s.logger.Warn("host_location_publish_failed", "ride_id", rideID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiderID   string        `json:"rider_id"`
		RiderName string        `json:"rider_name"`
		Pickup    *models.Place `json:"pickup"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Pickup == nil {
		writeError(w, http.StatusBadRequest, "pickup is required")
		return
	}
	sess := session.FromContext(r.Context())
	riderName := body.RiderName
	if riderName == "" {
		if u := sess.User(); u != nil {
			riderName = u.DisplayName
		}
	}
	riderID := firstNonEmpty(body.RiderID, sess.UserID())
	if err := s.rides.SubmitRequest(r.Context(), mux.Vars(r)["id"], riderID, *body.Pickup, riderName); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	s.writeResolution(w, s.rides.AcceptPendingRequest(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleDeclineRequest(w http.ResponseWriter, r *http.Request) {
	s.writeResolution(w, s.rides.DeclinePendingRequest(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) writeResolution(w http.ResponseWriter, ok bool) {
	if !ok {
		writeError(w, http.StatusConflict, "no pending request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNearbyRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pickup, err := parseLatLng(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxKm := s.matcher.DefaultRadius()
	if v := q.Get("max_km"); v != "" {
		if maxKm, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_km")
			return
		}
	}
	if q.Get("sort") == "distance" {
		limit := 0
		if v := q.Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}
		writeJSON(w, http.StatusOK, s.matcher.NearestCandidates(r.Context(), pickup, maxKm, limit))
		return
	}
	writeJSON(w, http.StatusOK, s.matcher.FindNearbyRides(r.Context(), pickup, maxKm))
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rides.ListPendingRequests(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleHostRatings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ratings.HostStats(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiderID string `json:"rider_id"`
		Rating  int    `json:"rating"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	riderID := firstNonEmpty(body.RiderID, session.FromContext(r.Context()).UserID())
	id, err := s.ratings.Submit(r.Context(), mux.Vars(r)["id"], riderID, body.Rating)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chat.ThreadMessages(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string `json:"from"`
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	from := firstNonEmpty(body.From, session.FromContext(r.Context()).UserID())
	id, err := s.chat.Send(r.Context(), mux.Vars(r)["id"], from, body.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := session.FromContext(r.Context()).UserID()
	if userID == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID is required")
		return
	}
	n := s.chat.MarkThreadRead(r.Context(), mux.Vars(r)["id"], userID)
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsTyping bool `json:"is_typing"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	userID := session.FromContext(r.Context()).UserID()
	if userID == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID is required")
		return
	}
	s.chat.SetTyping(r.Context(), mux.Vars(r)["id"], userID, body.IsTyping)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.MessageStatus `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be sent, delivered or read")
		return
	}
	if !s.chat.UpdateStatus(r.Context(), mux.Vars(r)["id"], body.Status) {
		writeError(w, http.StatusNotFound, "message not updated")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		writeError(w, http.StatusServiceUnavailable, "geocoding disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.geocoder.Search(r.Context(), geocodeQuery(r)))
}

func geocodeQuery(r *http.Request) geocode.Query {
	q := r.URL.Query()
	country := q.Get("country")
	if country == "" {
		country = session.FromContext(r.Context()).Country().Code
	}
	out := geocode.Query{Text: q.Get("q"), CountryCode: country}
	if near, err := parseLatLng(q.Get("lat"), q.Get("lng")); err == nil {
		delta, _ := parseOptionalFloat(q.Get("delta"))
		out.ViewBox = geocode.ViewBoxAround(near.Lat, near.Lng, delta)
	}
	return out
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	from, err := parsePair(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parsePair(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.planner.RouteOrStraight(r.Context(), from, to))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	u, err := session.FromContext(r.Context()).SignInWithProvider(body.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// writeServiceError maps domain validation errors to 400 and everything else
// to 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rides.ErrMissingRoute),
		errors.Is(err, rides.ErrInvalidTerms),
		errors.Is(err, rides.ErrMissingHost),
		errors.Is(err, rides.ErrInvalidRequest),
		errors.Is(err, geo.ErrInvalidLatitude),
		errors.Is(err, geo.ErrInvalidLongitude),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMissingThread),
		errors.Is(err, ratings.ErrInvalidRating),
		errors.Is(err, ratings.ErrMissingHost):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, v)
}

func parseLatLng(lat, lng string) (models.Coord, error) {
	if lat == "" || lng == "" {
		return models.Coord{}, errors.New("lat and lng are required")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("invalid lat: %w", err)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("invalid lng: %w", err)
	}
	c := models.Coord{Lat: la, Lng: ln}
	return c, geo.Validate(c)
}

// parsePair reads "lat,lng".
func parsePair(v string) (models.Coord, error) {
	lat, lng, ok := strings.Cut(v, ",")
	if !ok {
		return models.Coord{}, errors.New("expected lat,lng")
	}
	return parseLatLng(strings.TrimSpace(lat), strings.TrimSpace(lng))
}

func parseOptionalFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
