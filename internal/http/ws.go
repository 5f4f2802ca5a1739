package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/geocode"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/watch"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// wsSession serialises writes; gorilla connections allow one writer at a time.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

// streamSnapshots upgrades the request and pushes every snapshot from
// subscribe until the client goes away or a write fails.
func streamSnapshots[T any](s *Server, w http.ResponseWriter, r *http.Request, subscribe func(ctx context.Context, fn func(T)) *watch.Subscription) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &wsSession{conn: conn}
	sub := subscribe(ctx, func(v T) {
		if err := sess.Send(v); err != nil {
			s.logger.Debug("ws_send_failed", "path", r.URL.Path, "error", err)
			cancel()
			_ = conn.Close()
		}
	})
	defer sub.Cancel()

	// client messages are ignored; reading surfaces the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleRideStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	streamSnapshots(s, w, r, func(ctx context.Context, fn func(*models.Ride)) *watch.Subscription {
		return s.rides.SubscribeRide(ctx, id, fn)
	})
}

func (s *Server) handleThreadStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	streamSnapshots(s, w, r, func(ctx context.Context, fn func([]models.Message)) *watch.Subscription {
		return s.chat.Subscribe(ctx, id, fn)
	})
}

func (s *Server) handleTypingStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	streamSnapshots(s, w, r, func(ctx context.Context, fn func([]models.Typing)) *watch.Subscription {
		return s.chat.SubscribeTyping(ctx, id, fn)
	})
}

func (s *Server) handleRatingsStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	streamSnapshots(s, w, r, func(ctx context.Context, fn func([]models.Rating)) *watch.Subscription {
		return s.ratings.SubscribeHost(ctx, id, fn)
	})
}

type geocodeRequest struct {
	Q       string   `json:"q"`
	Country string   `json:"country"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
}

type geocodeResponse struct {
	Q       string           `json:"q"`
	Results []geocode.Result `json:"results"`
}

// handleGeocodeStream serves keystroke search: the client sends the text box
// contents on every change and receives results only for the latest settled
// query.
func (s *Server) handleGeocodeStream(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		writeError(w, http.StatusServiceUnavailable, "geocoding disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	sess := &wsSession{conn: conn}
	deb := geocode.NewDebouncer(geocode.DefaultDebounce, s.geocoder.Search)
	defer deb.Stop()
	deliver := func(q geocode.Query, res []geocode.Result) {
		if err := sess.Send(geocodeResponse{Q: q.Text, Results: res}); err != nil {
			s.logger.Debug("ws_send_failed", "path", r.URL.Path, "error", err)
		}
	}

	for {
		var req geocodeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		q := geocode.Query{Text: req.Q, CountryCode: req.Country}
		if req.Lat != nil && req.Lng != nil {
			q.ViewBox = geocode.ViewBoxAround(*req.Lat, *req.Lng, geocode.DefaultDelta)
		}
		deb.Search(q, deliver)
	}
}
