package remote

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pismo_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pismo_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pismo_file_bytes_downloaded_total",
			Help: "Total file bytes served by get-file",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pismo_file_bytes_uploaded_total",
			Help: "Total file bytes received on /upload",
		},
	)

	pendingUploads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pismo_pending_uploads",
			Help: "Number of issued upload ids not yet consumed",
		},
	)
)

// metricsHandler exposes the registered metrics.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func recordRequest(method string, status int, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func recordDownload(n int64) {
	bytesDownloaded.Add(float64(n))
}

func recordUpload(n int64) {
	bytesUploaded.Add(float64(n))
}

func setPendingUploads(n int) {
	pendingUploads.Set(float64(n))
}
