// Package metrics exposes Prometheus counters/histograms/gauges for every
// component of the edge: request traffic per hostname class, ingestion
// events, snapshot swaps, distributed-lock contention, and DNS-verifier
// runs. It adapts the teacher's internal/metrics package one for one,
// relabeled from the teacher's deploy-and-serve domain to this one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_edge_http_requests_total",
		Help: "Total HTTP requests by hostname class and status code.",
	}, []string{"class", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wisp_edge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by hostname class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	ingestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_edge_ingest_events_total",
		Help: "Total commit-stream events processed by action and result.",
	}, []string{"action", "result"})

	snapshotSwaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_edge_snapshot_swaps_total",
		Help: "Total site snapshot materializations by result.",
	}, []string{"result"})

	snapshotSwapDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wisp_edge_snapshot_swap_duration_seconds",
		Help:    "Time to materialize and atomically swap a site snapshot.",
		Buckets: prometheus.DefBuckets,
	})

	lockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wisp_edge_lock_contention_total",
		Help: "Total times the distributed lock was already held by another instance.",
	})

	dnsVerifyRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wisp_edge_dnsverify_runs_total",
		Help: "Total DNS-verification passes by result.",
	}, []string{"result"})

	sitesCached = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wisp_edge_sites_cached",
		Help: "Number of sites currently materialized on local disk.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		ingestEvents,
		snapshotSwaps,
		snapshotSwapDuration,
		lockContention,
		dnsVerifyRuns,
		sitesCached,
	)
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records an HTTP request classified by hostname class
// (spec.md §4.K's path-prefix/dns-hash/wisp-domain/custom-domain classes).
func ObserveRequest(class string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(class, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// CountIngestEvent records a processed commit-stream operation. result is
// one of "upserted", "deleted", "dropped", "noop", or "error".
func CountIngestEvent(action, result string) {
	ingestEvents.WithLabelValues(action, result).Inc()
}

// ObserveSnapshotSwap records a site materialization attempt and its
// wall-clock duration.
func ObserveSnapshotSwap(result string, duration time.Duration) {
	snapshotSwaps.WithLabelValues(result).Inc()
	snapshotSwapDuration.Observe(duration.Seconds())
}

// CountLockContention records a TryAcquire or Renew call that found the
// lock held by another holder.
func CountLockContention() {
	lockContention.Inc()
}

// CountDNSVerifyRun records one periodic DNS-verification pass. result is
// "verified", "failed", or "error".
func CountDNSVerifyRun(result string) {
	dnsVerifyRuns.WithLabelValues(result).Inc()
}

// SetSitesCached sets the gauge of sites currently materialized on disk.
func SetSitesCached(n int) {
	sitesCached.Set(float64(n))
}
