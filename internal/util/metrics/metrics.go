// Package metrics holds shared Prometheus bucket schemes and label
// names so that every component's metrics line up in Grafana without
// each package re-declaring its own bucket boundaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/myyrakle/clockpipe/internal/types"
)

// LatencyBuckets is used for every duration histogram in the
// repository; at present that is the write-latency histogram only.
var LatencyBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
}

// TableLabels is the common label set for per-table counters and
// histograms.
var TableLabels = []string{"target_schema", "target_table"}

// SourceLabels is the common label set for per-source counters and
// histograms (one cooperative sync loop per source).
var SourceLabels = []string{"source"}

var writeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "clockpipe",
	Subsystem: "sync",
	Name:      "write_latency_seconds",
	Help:      "Time spent writing one grouped batch to the target, by table.",
	Buckets:   LatencyBuckets,
}, TableLabels)

// ObserveWriteLatency records how long an InsertBatch call took for ref.
func ObserveWriteLatency(ref types.SourceRef, d time.Duration) {
	writeLatency.WithLabelValues(ref.Schema.Raw(), ref.Name.Raw()).Observe(d.Seconds())
}
