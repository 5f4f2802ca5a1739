package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/motoki317/sc"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

var errEmptyRoute = errors.New("routing: empty route")

// OSRMClient performs route lookups against an OSRM HTTP server. Successful
// answers are cached per coordinate pair; errors are not.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	cache    *sc.Cache[routeKey, Route]
}

// coordinates are rounded to ~0.1 m so float noise does not defeat the cache
type routeKey struct {
	FromLat, FromLng, ToLat, ToLng int64
}

func keyFor(from, to models.Coord) routeKey {
	r := func(v float64) int64 { return int64(math.Round(v * 1e6)) }
	return routeKey{r(from.Lat), r(from.Lng), r(to.Lat), r(to.Lng)}
}

func (k routeKey) coords() (models.Coord, models.Coord) {
	f := func(v int64) float64 { return float64(v) / 1e6 }
	return models.Coord{Lat: f(k.FromLat), Lng: f(k.FromLng)}, models.Coord{Lat: f(k.ToLat), Lng: f(k.ToLng)}
}

func NewOSRMClient(endpoint string, timeout, ttl time.Duration) *OSRMClient {
	o := &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
	}
	o.cache = sc.NewMust(o.fetch, ttl, ttl)
	return o
}

func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	for _, c := range []models.Coord{from, to} {
		if err := geo.Validate(c); err != nil {
			return Route{}, err
		}
	}
	return o.cache.Get(ctx, keyFor(from, to))
}

func (o *OSRMClient) fetch(ctx context.Context, k routeKey) (Route, error) {
	from, to := k.coords()
	// OSRM wants lng,lat order
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		observability.UpstreamCalls.WithLabelValues("osrm", "error").Inc()
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observability.UpstreamCalls.WithLabelValues("osrm", "error").Inc()
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}

	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.UpstreamCalls.WithLabelValues("osrm", "error").Inc()
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		observability.UpstreamCalls.WithLabelValues("osrm", "no_route").Inc()
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	observability.UpstreamCalls.WithLabelValues("osrm", "ok").Inc()

	best := out.Routes[0]
	pts := make([]models.Coord, 0, len(best.Geometry.Coordinates))
	for _, c := range best.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		pts = append(pts, models.Coord{Lat: c[1], Lng: c[0]})
	}
	if len(pts) < 2 {
		return Route{}, errEmptyRoute
	}
	return Route{
		Points:          pts,
		DistanceKm:      best.Distance / 1000,
		DurationSeconds: best.Duration,
	}, nil
}
