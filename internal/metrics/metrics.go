// Package metrics exposes Prometheus metrics for the HTTP front end, the
// transfer engine and storage. Everything is registered on a private
// registry served by Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tgfs"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// http
var (
	httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route pattern and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help: "Time until the handler returned; for downloads this covers the whole stream.",
		// Downloads can run for minutes.
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
	}, []string{"method", "route"})

	rateLimitHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "rate_limited_total",
		Help: "Requests refused with 429.",
	})
)

// content
var (
	contentBytesDownloaded = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "content", Name: "bytes_total",
		Help: "Bytes streamed to HTTP clients.",
	})

	contentDownloadsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "content", Name: "downloads_total",
		Help: "Finished downloads by outcome.",
	}, []string{"status"})

	locationRefreshesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "content", Name: "location_refreshes_total",
		Help: "Location handle refreshes by outcome.",
	}, []string{"status"})
)

// transfer
var (
	chunksFetchedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "chunks_total",
		Help: "Chunk reads issued to the backend.",
	}, []string{"dc", "status"})

	chunkFetchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "chunk_duration_seconds",
		Help:    "Backend chunk read latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"dc"})

	connectionsOpen = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "connections_open",
		Help: "Pooled backend connections per account and data center.",
	}, []string{"account", "dc"})

	connectionFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "connection_failures_total",
		Help: "Failed attempts to open a backend connection.",
	}, []string{"account", "dc"})

	authExportsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "auth_exports_total",
		Help: "Authorization transfers to a data center by result.",
	}, []string{"result"})

	activeUsers = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "active_users",
		Help: "In-flight downloads per backend account.",
	}, []string{"account"})
)

// db
var (
	dbQueryDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "db", Name: "query_duration_seconds",
		Help:    "Storage query latency by query name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	dbConnectionsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "db", Name: "connections_open",
		Help: "Open database connections.",
	})
)

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func accountLabel(id int64) string { return strconv.FormatInt(id, 10) }

func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func RecordRateLimitHit() { rateLimitHitsTotal.Inc() }

// RecordContentDownload counts a finished download and the bytes it sent.
func RecordContentDownload(bytes int64, ok bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(outcome(ok)).Inc()
}

func RecordLocationRefresh(ok bool) {
	locationRefreshesTotal.WithLabelValues(outcome(ok)).Inc()
}

// RecordChunk records one backend chunk read against dcID.
func RecordChunk(dcID int, d time.Duration, ok bool) {
	dc := strconv.Itoa(dcID)
	chunksFetchedTotal.WithLabelValues(dc, outcome(ok)).Inc()
	chunkFetchDuration.WithLabelValues(dc).Observe(d.Seconds())
}

func SetConnectionsOpen(accountID int64, dcID int, n int) {
	connectionsOpen.WithLabelValues(accountLabel(accountID), strconv.Itoa(dcID)).Set(float64(n))
}

func RecordConnectionFailure(accountID int64, dcID int) {
	connectionFailuresTotal.WithLabelValues(accountLabel(accountID), strconv.Itoa(dcID)).Inc()
}

// RecordAuthExport records an authorization transfer. result is one of
// "imported", "home_key" or "error".
func RecordAuthExport(result string) {
	authExportsTotal.WithLabelValues(result).Inc()
}

func SetActiveUsers(accountID int64, n int64) {
	activeUsers.WithLabelValues(accountLabel(accountID)).Set(float64(n))
}

func RecordDBQuery(query string, d time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(d.Seconds())
}

func SetDBConnectionsOpen(n int) { dbConnectionsOpen.Set(float64(n)) }
