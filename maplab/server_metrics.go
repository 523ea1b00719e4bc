package maplab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buildInfoMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "maplab",
	Name:      "buildinfo",
}, []string{"version", "revision"})

var buildTimeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "maplab",
	Name:      "buildtime",
})

func init() {
	err := prometheus.Register(buildInfoMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
	err = prometheus.Register(buildTimeMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
}

// SetBuildInfo initializes static metrics with maplab version, git hash, and build time
func SetBuildInfo(version, commit, date string) {
	buildInfoMetric.WithLabelValues(version, commit).Set(1)
	time, err := time.Parse(time.RFC3339, date)
	if err == nil {
		buildTimeMetric.Set(float64(time.Unix()))
	} else {
		buildTimeMetric.Set(0)
	}
}

type metrics struct {
	// overall requests: # requests, request duration, response size by document/status code
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// page cache: # requests, hits, cache entries, cache bytes, cache bytes limit
	pageCacheEntries    prometheus.Gauge
	pageCacheSizeBytes  prometheus.Gauge
	pageCacheLimitBytes prometheus.Gauge
	pageCacheRequests   *prometheus.CounterVec
	// requests to bucket: # total, response duration by document/status code
	bucketRequests        *prometheus.CounterVec
	bucketRequestDuration *prometheus.HistogramVec
	// document builds
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	reloads       *prometheus.CounterVec
}

func isCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// utility to time an overall request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, document, handler string, status, responseSize int) {
	if !r.finished {
		r.finished = true
		// unknown documents stay unlabeled so probing for names cannot grow the label set
		statusString := strconv.Itoa(status)
		if status == 404 {
			document = ""
		} else if isCanceled(ctx) {
			statusString = "canceled"
		}

		labels := []string{document, handler, statusString}
		r.metrics.requests.WithLabelValues(labels...).Inc()
		r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
		r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
	}
}

// utility to time an individual request to the underlying bucket
type bucketRequestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
	document string
	kind     string
}

func (m *metrics) startBucketRequest(document, kind string) *bucketRequestTracker {
	return &bucketRequestTracker{start: time.Now(), metrics: m, document: document, kind: kind}
}

func (r *bucketRequestTracker) finish(ctx context.Context, status string) {
	if !r.finished {
		r.finished = true
		if status == "404" || status == "403" {
			r.document = ""
		} else if isCanceled(ctx) {
			status = "canceled"
		}
		r.metrics.bucketRequests.WithLabelValues(r.document, r.kind, status).Inc()
		r.metrics.bucketRequestDuration.WithLabelValues(r.document, status).Observe(time.Since(r.start).Seconds())
	}
}

func (m *metrics) reloadDocument(name string) {
	m.reloads.WithLabelValues(name).Inc()
}

func (m *metrics) buildFinished(name string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.builds.WithLabelValues(name, status).Inc()
	m.buildDuration.Observe(time.Since(start).Seconds())
}

func (m *metrics) initCacheStats(limitBytes int) {
	m.pageCacheLimitBytes.Set(float64(limitBytes))
	m.updateCacheStats(0, 0)
}

func (m *metrics) updateCacheStats(sizeBytes, entries int) {
	m.pageCacheEntries.Set(float64(entries))
	m.pageCacheSizeBytes.Set(float64(sizeBytes))
}

func (m *metrics) cacheRequest(document, status string) {
	m.pageCacheRequests.WithLabelValues(document, status).Inc()
}

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		logger.Println(err)
	}
	return metric
}

func createMetrics(scope string, logger *log.Logger) *metrics {
	namespace := "maplab"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib, 5.0 * mib}

	return &metrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"document", "handler", "status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"document", "handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"document", "handler", "status"})),

		pageCacheEntries: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "page_cache_entries",
			Help:      "Number of rendered maps in the cache",
		})),
		pageCacheSizeBytes: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "page_cache_size_bytes",
			Help:      "Current page cache usage in bytes",
		})),
		pageCacheLimitBytes: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "page_cache_limit_bytes",
			Help:      "Maximum page cache size limit in bytes",
		})),
		pageCacheRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "page_cache_requests",
			Help:      "Requests to the page cache by document and status (hit/miss)",
		}, []string{"document", "status"})),

		bucketRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "bucket_requests_total",
			Help:      "Requests to the underlying bucket",
		}, []string{"document", "kind", "status"})),
		bucketRequestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "bucket_request_duration_seconds",
			Help:      "Request duration in seconds for individual requests to the underlying bucket",
			Buckets:   durationBuckets,
		}, []string{"document", "status"})),

		builds: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "document_builds_total",
			Help:      "Number of documents built into maps",
		}, []string{"document", "status"})),
		buildDuration: register(logger, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "document_build_duration_seconds",
			Help:      "Time spent building and rendering a document",
			Buckets:   durationBuckets,
		})),
		reloads: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "bucket_reloads",
			Help:      "Number of times a document was rebuilt due to the etag changing",
		}, []string{"document"})),
	}
}
