package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognicore/flatroute/pkg/flatroute/chunk"
	"github.com/cognicore/flatroute/pkg/flatroute/runtoken"
)

// Collector exports executor activity as Prometheus metrics. It implements
// chunk.Observer.
type Collector struct {
	runsTotal       *prometheus.CounterVec
	chunksTotal     *prometheus.CounterVec
	recordsWritten  prometheus.Counter
	recordErrors    prometheus.Counter
	runDuration     prometheus.Histogram
	chunksInFlight  prometheus.Gauge
	lastRunFinished prometheus.Gauge
}

var _ chunk.Observer = (*Collector)(nil)

// New registers the collector's metrics with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flatroute_runs_total",
				Help: "Total number of finished runs",
			},
			[]string{"status"}, // completed, failed
		),
		chunksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flatroute_chunks_total",
				Help: "Total number of chunks reaching a terminal state",
			},
			[]string{"state"}, // committed, failed
		),
		recordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "flatroute_records_written_total",
			Help: "Total number of records committed to the store",
		}),
		recordErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "flatroute_record_errors_total",
			Help: "Total number of lines rejected by classification or mapping",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flatroute_run_duration_seconds",
			Help:    "Wall time of a run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~163s
		}),
		chunksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "flatroute_chunks_in_flight",
			Help: "Chunks currently being enriched or written",
		}),
		lastRunFinished: f.NewGauge(prometheus.GaugeOpts{
			Name: "flatroute_last_run_finished_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
}

// ChunkTransition implements chunk.Observer.
func (c *Collector) ChunkTransition(_ runtoken.Token, _ int, from, to chunk.ChunkState) {
	if to == chunk.Processing {
		c.chunksInFlight.Inc()
	}
	if to == chunk.Committed || to == chunk.Failed {
		if from == chunk.Processing || from == chunk.Writing {
			c.chunksInFlight.Dec()
		}
		c.chunksTotal.WithLabelValues(to.String()).Inc()
	}
}

// RunFinished implements chunk.Observer.
func (c *Collector) RunFinished(res chunk.Result) {
	c.runsTotal.WithLabelValues(res.Status.String()).Inc()
	c.recordsWritten.Add(float64(res.RecordsWritten))
	c.recordErrors.Add(float64(len(res.RecordErrors)))
	c.runDuration.Observe(res.Duration().Seconds())
	c.lastRunFinished.Set(float64(res.FinishedAt.Unix()))
}
