package application

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

const metricsNamespace = "ledgerkeys"

// Metrics holds the Prometheus collectors for reconciliation. A nil *Metrics
// records nothing.
type Metrics struct {
	reconciles    *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	sweepRecords  *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	feedEvents    *prometheus.CounterVec
	feedHead      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconciles_total",
			Help:      "Reconcile attempts by origin, action and result.",
		}, []string{"origin", "action", "result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweeps_total",
			Help:      "Completed reconciliation sweeps by result.",
		}, []string{"result"}),
		sweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_records_total",
			Help:      "Records handled by sweeps, by tally bucket.",
		}, []string{"bucket"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one reconciliation sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_events_total",
			Help:      "Ledger events dispatched by the event feed, by kind.",
		}, []string{"kind"}),
		feedHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "feed_last_block",
			Help:      "Last ledger block fully processed by the event feed.",
		}),
	}

	reg.MustRegister(m.reconciles, m.sweeps, m.sweepRecords, m.sweepDuration, m.feedEvents, m.feedHead)
	return m
}

func (m *Metrics) observeReconcile(origin model.Origin, out Outcome) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(string(origin), string(out.Action), out.Result()).Inc()
}

func (m *Metrics) observeSweep(report SweepReport, err error, took time.Duration) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(took.Seconds())

	m.sweepRecords.WithLabelValues("synced").Add(float64(report.Synced))
	m.sweepRecords.WithLabelValues("failed").Add(float64(report.Failed))
	m.sweepRecords.WithLabelValues("deferred").Add(float64(report.Deferred))
	m.sweepRecords.WithLabelValues("placeholder").Add(float64(report.Placeholders))
}

func (m *Metrics) observeEvent(kind model.LedgerEventKind) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeFeedHead(block uint64) {
	if m == nil {
		return
	}
	m.feedHead.Set(float64(block))
}
