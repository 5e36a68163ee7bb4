package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restopos_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restopos_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method"},
	)

	syncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restopos_sync_operations_total",
			Help: "Queued operations submitted by the drainer, by type and result",
		},
		[]string{"type", "result"},
	)

	syncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "restopos_sync_queue_depth",
			Help: "Operations waiting in the local queue after the last drain pass",
		},
	)

	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restopos_gateway_requests_total",
			Help: "Sync gateway requests, by kind and result",
		},
		[]string{"kind", "result"},
	)

	payments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restopos_payments_total",
			Help: "Payment reconciler outcomes",
		},
		[]string{"outcome"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTP(method string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func SyncOperation(opType string, result string) {
	syncOperations.WithLabelValues(opType, result).Inc()
}

func SyncQueueDepth(depth int) {
	syncQueueDepth.Set(float64(depth))
}

func GatewayRequest(kind string, result string) {
	gatewayRequests.WithLabelValues(kind, result).Inc()
}

func Payment(outcome string) {
	payments.WithLabelValues(outcome).Inc()
}
