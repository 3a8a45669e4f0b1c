package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports engine activity as Prometheus metrics.
type Metrics struct {
	state          prometheus.Gauge
	changes        *prometheus.CounterVec
	passes         *prometheus.CounterVec
	passDuration   prometheus.Histogram
	backoffs       prometheus.Counter
	backoffSeconds prometheus.Histogram
	configRejected prometheus.Counter
	lastUpdate     prometheus.Gauge
	lastSuccess    prometheus.Gauge
}

var _ Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ykddns", Name: "engine_state",
			Help: "Current engine state (0=Idle 1=Debouncing 2=Resolving 3=Comparing 4=Updating 5=Backoff).",
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ykddns", Name: "changes_total",
			Help: "Change events received, by trigger.",
		}, []string{"trigger"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ykddns", Name: "passes_total",
			Help: "Completed reconciliation passes, by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ykddns", Name: "pass_duration_seconds",
			Help:    "Wall time of reconciliation passes.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ykddns", Name: "backoffs_total",
			Help: "Backoff delays scheduled after transient provider failures.",
		}),
		backoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ykddns", Name: "backoff_delay_seconds",
			Help:    "Length of scheduled backoff delays.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		configRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ykddns", Name: "config_rejected_total",
			Help: "Configuration reloads rejected as invalid.",
		}),
		lastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ykddns", Name: "last_update_timestamp_seconds",
			Help: "Unix time of the last successful record update.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ykddns", Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last pass that left the record correct.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.state, m.changes, m.passes, m.passDuration, m.backoffs,
		m.backoffSeconds, m.configRejected, m.lastUpdate, m.lastSuccess,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Transition(_, to State) { m.state.Set(float64(to)) }

func (m *Metrics) ChangeReceived(trigger Trigger) { m.changes.WithLabelValues(string(trigger)).Inc() }

func (m *Metrics) ConfigRejected(error) { m.configRejected.Inc() }

func (m *Metrics) BackoffScheduled(_ int, delay time.Duration, _ error) {
	m.backoffs.Inc()
	m.backoffSeconds.Observe(delay.Seconds())
}

func (m *Metrics) PassCompleted(r PassResult) {
	m.passes.WithLabelValues(r.Outcome.String()).Inc()
	m.passDuration.Observe(r.Duration.Seconds())
	now := float64(time.Now().Unix())
	switch r.Outcome {
	case OutcomeUpdated:
		m.lastUpdate.Set(now)
		m.lastSuccess.Set(now)
	case OutcomeNoOp:
		m.lastSuccess.Set(now)
	}
}
