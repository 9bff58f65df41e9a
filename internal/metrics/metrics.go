// Package metrics provides Prometheus metrics for the rstream peers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Server-side metrics
	filesWatched = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rstream_files_watched",
			Help: "Number of files currently tracked under the shared root",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rstream_sessions_active",
			Help: "Number of open peer sessions",
		},
	)

	blocksSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rstream_blocks_sent_total",
			Help: "Total block packets framed for subscribers and downloads",
		},
	)

	bytesStreamedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rstream_bytes_streamed_total",
			Help: "Total payload bytes framed to peers (pre-compression)",
		},
	)

	listUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rstream_list_updates_total",
			Help: "List packets sent, by kind (full or partial)",
		},
		[]string{"kind"},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rstream_scan_duration_seconds",
			Help:    "Time to rescan the shared root",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Client-side metrics
	bytesAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rstream_bytes_applied_total",
			Help: "Total decompressed bytes appended to the local mirror",
		},
	)

	blocksAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rstream_blocks_applied_total",
			Help: "Total block packets applied to the local mirror",
		},
	)

	reconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rstream_reconnects_total",
			Help: "Connection attempts to sources, by result",
		},
		[]string{"result"},
	)

	streamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rstream_streams_active",
			Help: "Downloads currently in progress on the client",
		},
	)
)

// SetFilesWatched records the tracked-file count.
func SetFilesWatched(n int) { filesWatched.Set(float64(n)) }

// SetSessionsActive records the open-session count.
func SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }

// RecordBlockSent records one framed block of n payload bytes.
func RecordBlockSent(n int) {
	blocksSentTotal.Inc()
	bytesStreamedTotal.Add(float64(n))
}

// RecordListUpdate records a list packet ("l" or "lp").
func RecordListUpdate(kind string) { listUpdatesTotal.WithLabelValues(kind).Inc() }

// RecordScanDuration records one rescan of the shared root.
func RecordScanDuration(d time.Duration) { scanDuration.Observe(d.Seconds()) }

// RecordBlockApplied records one applied block of n decompressed bytes.
func RecordBlockApplied(n int) {
	blocksAppliedTotal.Inc()
	bytesAppliedTotal.Add(float64(n))
}

// RecordReconnect records a connection attempt outcome ("ok" or "error").
func RecordReconnect(result string) { reconnectsTotal.WithLabelValues(result).Inc() }

// SetStreamsActive records the number of in-progress downloads.
func SetStreamsActive(n int) { streamsActive.Set(float64(n)) }

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics exposition server on addr. It blocks.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
