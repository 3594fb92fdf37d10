package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Generation metrics
	GenerationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_generations_started_total",
			Help: "Total generation runs started",
		},
	)

	GenerationsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_generations_completed_total",
			Help: "Total generation runs completed and persisted",
		},
	)

	GenerationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_generations_failed_total",
			Help: "Total generation runs that ended in an error event",
		},
		[]string{"stage"}, // "stream", "title", "persist", "publish"
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_generation_duration_seconds",
			Help:    "Wall time of a generation run",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Transport metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_events_published_total",
			Help: "Total events published to chat channels",
		},
		[]string{"type"}, // "chunk", "done", "error"
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_events_dropped_total",
			Help: "Total malformed or undeliverable events dropped",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_stream_subscribers",
			Help: "Currently connected stream subscribers",
		},
	)

	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_messages_appended_total",
			Help: "Total messages appended to the store",
		},
		[]string{"role"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_store_latency_seconds",
			Help:    "Message store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
