package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lookup metrics
	Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdb_lookups_total",
		Help: "Payload lookups by adapter and outcome (hit, miss, error)",
	}, []string{"adapter", "status"})

	LookupLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdb_lookup_latency_seconds",
		Help:    "Payload lookup latency per adapter",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"adapter"})

	Writes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdb_payload_writes_total",
		Help: "Payload writes by adapter and outcome",
	}, []string{"adapter", "status"})

	// Memory cache
	CacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdb_cache_items",
		Help: "Payloads held in the memory cache",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdb_cache_bytes",
		Help: "Payload bytes held in the memory cache",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdb_cache_evictions_total",
		Help: "Payloads evicted from the memory cache",
	})

	// Remote and metadata
	HTTPRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdb_http_retries_total",
		Help: "HTTP requests retried after a transport error or 5xx",
	}, []string{"method"})

	MetadataRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdb_metadata_refreshes_total",
		Help: "Tag metadata downloads by adapter and source (backend, snapshot, error)",
	}, []string{"adapter", "source"})

	BlobOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdb_blob_ops_total",
		Help: "S3 payload offload operations",
	}, []string{"op", "status"})

	BlobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdb_blob_duration_seconds",
		Help:    "S3 payload offload latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"op"})

	// REST server
	ServerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdb_server_requests_total",
		Help: "REST server requests by endpoint and status code",
	}, []string{"endpoint", "code"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ObserveLookup records the outcome and latency of one adapter lookup.
func ObserveLookup(adapter string, start time.Time, found bool, err error) {
	status := "hit"
	switch {
	case err != nil:
		status = "error"
	case !found:
		status = "miss"
	}
	Lookups.WithLabelValues(adapter, status).Inc()
	LookupLatency.WithLabelValues(adapter).Observe(time.Since(start).Seconds())
}
