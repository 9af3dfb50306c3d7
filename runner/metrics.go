package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects run-controller metrics. A nil *Metrics is a valid
// no-op collector.
type Metrics struct {
	stepsTotal          *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	roundsTotal         prometheus.Counter
	retriesTotal        prometheus.Counter
	participantFailures *prometheus.CounterVec
	checkpointsTotal    prometheus.Counter
}

// NewMetrics registers the fedflow collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of executed step instances",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		roundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of completed rounds",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried step instances",
		}),
		participantFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "participant_failures_total",
				Help:      "Total number of tolerated participant failures",
			},
			[]string{"participant"},
		),
		checkpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of persisted checkpoints",
		}),
	}
	reg.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.roundsTotal,
		m.retriesTotal,
		m.participantFailures,
		m.checkpointsTotal,
	)
	return m
}

func (m *Metrics) observeStep(step string, status string, d time.Duration, instances int) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(step, status).Add(float64(instances))
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) addRetries(n int) {
	if m == nil || n == 0 {
		return
	}
	m.retriesTotal.Add(float64(n))
}

func (m *Metrics) roundCompleted() {
	if m == nil {
		return
	}
	m.roundsTotal.Inc()
}

func (m *Metrics) participantFailed(id string) {
	if m == nil {
		return
	}
	m.participantFailures.WithLabelValues(id).Inc()
}

func (m *Metrics) checkpointSaved() {
	if m == nil {
		return
	}
	m.checkpointsTotal.Inc()
}
