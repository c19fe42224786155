package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the process engine
type Metrics struct {
	processesRunning *prometheus.GaugeVec
	processExits     *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	stderrBytes      *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processesRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_processes_running",
				Help: "Number of running child processes by command",
			},
			[]string{"command"},
		),

		processExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_process_exits_total",
				Help: "Total number of child process exits by command and status",
			},
			[]string{"command", "status"},
		),

		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_process_duration_seconds",
				Help:    "Child process run time in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"command"},
		),

		stderrBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_process_stderr_bytes_total",
				Help: "Bytes written to stderr by child processes",
			},
			[]string{"command"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.processesRunning,
			m.processExits,
			m.processDuration,
			m.stderrBytes,
		)
	}

	return m
}

// RecordProcessStarted marks a child process as running
func (m *Metrics) RecordProcessStarted(command string) {
	m.processesRunning.WithLabelValues(command).Inc()
}

// RecordProcessExited records a child process exit
func (m *Metrics) RecordProcessExited(command, status string, duration time.Duration, stderrBytes int64) {
	m.processesRunning.WithLabelValues(command).Dec()
	m.processExits.WithLabelValues(command, status).Inc()
	m.processDuration.WithLabelValues(command).Observe(duration.Seconds())
	m.stderrBytes.WithLabelValues(command).Add(float64(stderrBytes))
}
