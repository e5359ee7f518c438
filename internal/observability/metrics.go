package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesOpened     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "batches_opened_total", Help: "Batches opened across all requests"})
	StaleAccepts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "stale_accepts_total", Help: "Accepts that lost the race or arrived late"})
	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "broadcast_failures_total", Help: "Offers that could not be delivered"})
	PersistRetries    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "persist_retries_total", Help: "Batch opens retried after a store fault"})
	ActiveTimers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "active_batch_timers", Help: "Armed batch timers"})
	CandidatesOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "candidates_online", Help: "Candidates with a live socket"})

	AttemptsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "match_attempts_closed_total", Help: "Match attempts by final status"},
		[]string{"status"},
	)
	SearchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "search_outcomes_total", Help: "Resolved searches by outcome and reason"},
		[]string{"outcome", "reason"},
	)
	TimeToAssign = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "time_to_assign_seconds",
		Help:      "Time from search start to provider assignment",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
