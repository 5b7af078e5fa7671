package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReceptionMetrics exposes counters/gauges for reception process flows.
type ReceptionMetrics struct {
	processesStarted prometheus.Counter
	activeProcesses  prometheus.Gauge
	signalsTotal     *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepRetries      prometheus.Counter
	resultsTotal     *prometheus.CounterVec
}

func NewReceptionMetrics(reg prometheus.Registerer) *ReceptionMetrics {
	m := &ReceptionMetrics{
		processesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reception",
			Name:      "processes_started_total",
			Help:      "Total reception process instances started",
		}),
		activeProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "reception",
			Name:      "active_processes",
			Help:      "Live (non-evicted) reception process instances",
		}),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reception",
			Name:      "signals_total",
			Help:      "Signals delivered to reception processes",
		}, []string{"signal", "outcome"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reception",
			Name:      "steps_total",
			Help:      "External-call step executions by status",
		}, []string{"step", "status"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reception",
			Name:      "step_retries_total",
			Help:      "Retried attempts across all external-call steps",
		}),
		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reception",
			Name:      "results_total",
			Help:      "Terminal process outcomes",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.processesStarted,
		m.activeProcesses,
		m.signalsTotal,
		m.stepsTotal,
		m.stepRetries,
		m.resultsTotal,
	)
	return m
}

func (m *ReceptionMetrics) ObserveStart() {
	if m == nil {
		return
	}
	m.processesStarted.Inc()
	m.activeProcesses.Inc()
}

// ObserveResume accounts for an instance rehydrated from the store after a
// restart. It is not a new start.
func (m *ReceptionMetrics) ObserveResume() {
	if m == nil {
		return
	}
	m.activeProcesses.Inc()
}

func (m *ReceptionMetrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.activeProcesses.Dec()
}

func (m *ReceptionMetrics) ObserveSignal(signal string, accepted bool) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if !accepted {
		outcome = "ignored"
	}
	m.signalsTotal.WithLabelValues(signal, outcome).Inc()
}

func (m *ReceptionMetrics) ObserveStep(step, status string) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(step, status).Inc()
}

func (m *ReceptionMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.stepRetries.Inc()
}

func (m *ReceptionMetrics) ObserveResult(outcome string) {
	if m == nil {
		return
	}
	m.resultsTotal.WithLabelValues(outcome).Inc()
}
