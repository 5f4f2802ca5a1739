package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_submitted_total", Help: "Ride requests submitted by riders"})
	RequestsResolved  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_resolved_total", Help: "Pending requests resolved by hosts"},
		[]string{"action", "outcome"},
	)
	RidesPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_published_total", Help: "Rides published by hosts"})
	HostLocations  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "host_location_updates_total", Help: "Host location updates applied"})

	NearbySearches = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "nearby_searches_total", Help: "Nearby ride searches"})
	NearbyResults  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "nearby_results", Help: "Rides returned per nearby search", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100}})
	MatchDegraded  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_degraded_total", Help: "Nearby searches answered empty because the store failed"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})

	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "upstream_calls_total", Help: "Calls to geocoding and routing services"},
		[]string{"service", "outcome"},
	)
	RouteFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "route_fallbacks_total", Help: "Routes answered with a straight line"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_subscriptions", Help: "Live change subscriptions"})
	EventsPublished     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events written to the bus"},
		[]string{"topic", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
