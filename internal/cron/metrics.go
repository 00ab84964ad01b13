package cron

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	runs           *prometheus.CounterVec
	staleRecovered prometheus.Counter
	timerRearms    prometheus.Counter
	jobs           prometheus.Gauge
}

// NewMetrics creates and registers the scheduler collectors. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_cron_runs_total",
			Help: "Job executions by outcome status.",
		}, []string{"status"}),
		staleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_cron_stale_recovered_total",
			Help: "Jobs recovered from a stale running marker.",
		}),
		timerRearms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_cron_timer_rearms_total",
			Help: "Wake timer re-initializations by the watchdog and anti-zombie passes.",
		}),
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifeline_cron_jobs",
			Help: "Jobs currently in the store.",
		}),
	}
	reg.MustRegister(m.runs, m.staleRecovered, m.timerRearms, m.jobs)
	return m
}

func (m *Metrics) recordRun(status RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) recordStaleRecovered() {
	if m == nil {
		return
	}
	m.staleRecovered.Inc()
}

func (m *Metrics) recordTimerRearm() {
	if m == nil {
		return
	}
	m.timerRearms.Inc()
}

func (m *Metrics) setJobCount(n int) {
	if m == nil {
		return
	}
	m.jobs.Set(float64(n))
}
