// Package metrics holds the server's prometheus collectors. They register
// themselves on the default registry; the HTTP layer exposes them on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gymdock_sessions_active",
	Help: "number of live sessions",
})

var SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gymdock_sessions_created_total",
	Help: "counter of sessions created since the server started",
})

var SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gymdock_sessions_evicted_total",
	Help: "counter of sessions reclaimed by the idle eviction loop",
})

var StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gymdock_steps_total",
	Help: "counter of step exchanges with worker containers",
}, []string{"status"})

var BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "gymdock_batch_size",
	Help:    "number of step requests coalesced into one drain",
	Buckets: prometheus.ExponentialBuckets(1, 2, 10),
})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gymdock_http_requests_total",
	Help: "counter of handled HTTP requests",
}, []string{"method", "code"})
