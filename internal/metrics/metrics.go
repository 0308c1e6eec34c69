// Package metrics provides Prometheus metrics for the data caches, getters,
// pollers and storage collaborators.
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
	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchexplorer_cache_lookups_total",
			Help: "Getter lookups answered from cache or network",
		},
		[]string{"getter", "result"},
	)

	cacheItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchexplorer_cache_items",
			Help: "Records held per group of data caches",
		},
		[]string{"cache"},
	)

	cachesRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchexplorer_caches_registered",
			Help: "Data caches currently registered in the session registry",
		},
	)

	queryEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchexplorer_query_cache_evictions_total",
			Help: "Query cache entries evicted by the size bound",
		},
	)

	cacheDeletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchexplorer_cache_deletions_total",
			Help: "Records removed from data caches",
		},
	)

	// Fetch metrics
	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchexplorer_fetch_duration_seconds",
			Help:    "Collaborator fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"getter"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchexplorer_fetches_total",
			Help: "Collaborator fetches by outcome",
		},
		[]string{"getter", "status"},
	)

	fetchesShared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchexplorer_fetches_shared_total",
			Help: "Fetch calls served by an already running identical fetch",
		},
		[]string{"getter"},
	)

	// Poll metrics
	pollTrackersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchexplorer_poll_trackers_active",
			Help: "Poll trackers currently running",
		},
	)

	pollTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchexplorer_poll_ticks_total",
			Help: "Poll callbacks invoked",
		},
	)

	// Navigator metrics
	navigatorDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchexplorer_navigator_deletes_total",
			Help: "File deletions issued by file navigators",
		},
		[]string{"status"},
	)

	// Collaborator metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchexplorer_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchexplorer_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchexplorer_db_query_duration_seconds",
			Help:    "File index query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchexplorer_api_requests_total",
			Help: "REST API requests by method and status",
		},
		[]string{"method", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchexplorer_api_request_duration_seconds",
			Help:    "REST API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	feedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchexplorer_feed_events_total",
			Help: "Change feed events received",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheLookup records whether a getter was answered from cache.
func RecordCacheLookup(getter string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(getter, result).Inc()
}

// AddCacheItems adjusts the record count of a group of data caches.
func AddCacheItems(label string, delta int) {
	if delta != 0 {
		cacheItems.WithLabelValues(label).Add(float64(delta))
	}
}

// SetCachesRegistered sets the registry size.
func SetCachesRegistered(count int) {
	cachesRegistered.Set(float64(count))
}

// RecordQueryEvictions records query cache evictions.
func RecordQueryEvictions(n int) {
	queryEvictionsTotal.Add(float64(n))
}

// RecordCacheDeletion records one record removal.
func RecordCacheDeletion() {
	cacheDeletionsTotal.Inc()
}

// RecordFetch records a collaborator fetch.
func RecordFetch(getter string, duration time.Duration, err error) {
	fetchDuration.WithLabelValues(getter).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	fetchesTotal.WithLabelValues(getter, status).Inc()
}

// RecordSharedFetch records a caller that joined a running fetch.
func RecordSharedFetch(getter string) {
	fetchesShared.WithLabelValues(getter).Inc()
}

// SetPollTrackersActive sets the number of running poll trackers.
func SetPollTrackersActive(count int) {
	pollTrackersActive.Set(float64(count))
}

// RecordPollTick records one poll callback.
func RecordPollTick() {
	pollTicksTotal.Inc()
}

// RecordNavigatorDelete records one navigator deletion.
func RecordNavigatorDelete(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	navigatorDeletesTotal.WithLabelValues(status).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDBQuery records a file index query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordAPIRequest records a REST API round trip.
func RecordAPIRequest(method string, status int, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordFeedEvent records a change feed event.
func RecordFeedEvent(eventType string) {
	feedEventsTotal.WithLabelValues(eventType).Inc()
}
