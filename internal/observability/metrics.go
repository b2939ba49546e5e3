package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "nearby", Name: "location_updates_total", Help: "Location updates by outcome"},
		[]string{"outcome"},
	)
	NearbyQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "nearby", Name: "nearby_queries_total", Help: "Nearby queries by cache outcome"},
		[]string{"cache"},
	)
	NearbyQueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "nearby", Name: "nearby_query_seconds", Help: "Nearby query latency seconds"})
	NearbyResultSize   = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nearby", Name: "nearby_result_size", Help: "Users returned per nearby query",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	})
	IndexMembers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "nearby", Name: "index_members", Help: "Members in the spatial index after the last sync"})
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "nearby", Name: "index_sync_runs_total", Help: "Spatial index rebuilds by outcome"},
		[]string{"outcome"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "nearby", Name: "events_published_total", Help: "Location events delivered per sink"},
		[]string{"sink", "outcome"},
	)
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby", Name: "events_dropped_total", Help: "Location events dropped because the queue was full"})
	MapSubscribers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "nearby", Name: "map_subscribers", Help: "Connected live map websocket clients"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "nearby", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nearby",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
