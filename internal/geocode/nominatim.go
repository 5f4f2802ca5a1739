// Package geocode turns free-text place searches into coordinates using a
// Nominatim server.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/motoki317/sc"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const (
	resultLimit  = 8
	minQueryLen  = 2
	DefaultDelta = 0.05
	cacheEntries = 1024
)

// Query is one search. It is also the cache key.
type Query struct {
	Text        string
	CountryCode string
	// ViewBox restricts results to "left,top,right,bottom" when set.
	ViewBox string
}

type Result struct {
	PlaceID     string  `json:"place_id"`
	DisplayName string  `json:"display_name"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

func (r Result) Place() models.Place {
	return models.Place{Lat: r.Lat, Lng: r.Lng, Name: r.DisplayName}
}

type Client struct {
	endpoint  string
	userAgent string
	http      *http.Client
	cache     *sc.Cache[Query, []Result]
	logger    *slog.Logger
}

func NewClient(endpoint, userAgent string, timeout, ttl time.Duration, logger *slog.Logger) *Client {
	c := &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
		logger:    logging.OrDefault(logger),
	}
	c.cache = sc.NewMust(c.fetch, ttl, ttl, sc.WithLRUBackend(cacheEntries))
	return c
}

// ViewBoxAround returns a box of ±delta degrees around a point in Nominatim's
// "left,top,right,bottom" order.
func ViewBoxAround(lat, lng, delta float64) string {
	if delta <= 0 {
		delta = DefaultDelta
	}
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", lng-delta, lat+delta, lng+delta, lat-delta)
}

// Search never fails: short queries, upstream errors and timeouts all yield
// an empty list, with failures logged.
func (c *Client) Search(ctx context.Context, q Query) []Result {
	q.Text = strings.TrimSpace(q.Text)
	q.CountryCode = strings.ToLower(strings.TrimSpace(q.CountryCode))
	if len([]rune(q.Text)) < minQueryLen {
		return []Result{}
	}
	res, err := c.cache.Get(ctx, q)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("geocode_search_failed", "query", q.Text, "error", err)
		}
		return []Result{}
	}
	return res
}

type nominatimPlace struct {
	PlaceID     json.Number `json:"place_id"`
	OSMID       json.Number `json:"osm_id"`
	DisplayName string      `json:"display_name"`
	Lat         string      `json:"lat"`
	Lon         string      `json:"lon"`
}

func (c *Client) fetch(ctx context.Context, q Query) ([]Result, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("format", "json")
	params.Set("addressdetails", "1")
	params.Set("limit", strconv.Itoa(resultLimit))
	if q.CountryCode != "" {
		params.Set("countrycodes", q.CountryCode)
	}
	if q.ViewBox != "" {
		params.Set("viewbox", q.ViewBox)
		params.Set("bounded", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		observability.UpstreamCalls.WithLabelValues("nominatim", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observability.UpstreamCalls.WithLabelValues("nominatim", "error").Inc()
		return nil, fmt.Errorf("nominatim status %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		observability.UpstreamCalls.WithLabelValues("nominatim", "error").Inc()
		return nil, err
	}
	observability.UpstreamCalls.WithLabelValues("nominatim", "ok").Inc()

	out := make([]Result, 0, len(places))
	for _, p := range places {
		lat, errLat := strconv.ParseFloat(p.Lat, 64)
		lng, errLng := strconv.ParseFloat(p.Lon, 64)
		if errLat != nil || errLng != nil {
			continue
		}
		id := p.PlaceID.String()
		if id == "" {
			id = p.OSMID.String()
		}
		out = append(out, Result{PlaceID: id, DisplayName: p.DisplayName, Lat: lat, Lng: lng})
	}
	return out, nil
}
